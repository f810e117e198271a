// Package lock provides process-local mutual exclusion keyed by resource.
package lock

import (
	"context"
	"sync"
	"time"
)

// Table hands out one lock per key. Locks are created lazily on first use and
// live for the lifetime of the table.
type Table struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewTable constructs an empty Table.
func NewTable() *Table {
	return &Table{locks: make(map[string]chan struct{})}
}

func (t *Table) slot(key string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		t.locks[key] = ch
	}
	return ch
}

// TryAcquire takes the lock for key without waiting.
func (t *Table) TryAcquire(key string) bool {
	select {
	case t.slot(key) <- struct{}{}:
		return true
	default:
		return false
	}
}

// Acquire waits up to timeout for the lock on key. It returns false when the
// timeout elapses or ctx ends first.
func (t *Table) Acquire(ctx context.Context, key string, timeout time.Duration) bool {
	ch := t.slot(key)
	select {
	case ch <- struct{}{}:
		return true
	default:
	}
	if timeout <= 0 {
		return false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Release frees the lock on key. Releasing an unheld or unknown lock is a
// no-op.
func (t *Table) Release(key string) {
	t.mu.Lock()
	ch, ok := t.locks[key]
	t.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-ch:
	default:
	}
}

// Held reports whether key is currently locked.
func (t *Table) Held(key string) bool {
	t.mu.Lock()
	ch, ok := t.locks[key]
	t.mu.Unlock()
	return ok && len(ch) == 1
}

// Len returns the number of keys that have ever been locked.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
