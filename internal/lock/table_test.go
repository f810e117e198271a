package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTableAcquireRelease(t *testing.T) {
	t.Parallel()

	table := NewTable()
	ctx := context.Background()

	require.True(t, table.Acquire(ctx, "k", time.Second))
	require.True(t, table.Held("k"))
	require.False(t, table.TryAcquire("k"))
	require.False(t, table.Acquire(ctx, "k", 20*time.Millisecond))

	table.Release("k")
	require.False(t, table.Held("k"))
	require.True(t, table.TryAcquire("k"))
	table.Release("k")
}

func TestTableReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	table := NewTable()
	require.NotPanics(t, func() {
		table.Release("never-locked")
		require.True(t, table.TryAcquire("k"))
		table.Release("k")
		table.Release("k")
	})
	require.True(t, table.TryAcquire("k"))
}

func TestTableKeysAreIndependent(t *testing.T) {
	t.Parallel()

	table := NewTable()
	require.True(t, table.TryAcquire("a"))
	require.True(t, table.TryAcquire("b"))
	require.Equal(t, 2, table.Len())
}

func TestTableAcquireWaitsForRelease(t *testing.T) {
	t.Parallel()

	table := NewTable()
	require.True(t, table.TryAcquire("k"))

	go func() {
		time.Sleep(30 * time.Millisecond)
		table.Release("k")
	}()
	require.True(t, table.Acquire(context.Background(), "k", time.Second))
}

func TestTableAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	table := NewTable()
	require.True(t, table.TryAcquire("k"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.False(t, table.Acquire(ctx, "k", time.Minute))
}

func TestTableMutualExclusion(t *testing.T) {
	t.Parallel()

	table := NewTable()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !table.Acquire(context.Background(), "shared", 5*time.Second) {
				return
			}
			n := inside.Add(1)
			for {
				cur := maxInside.Load()
				if n <= cur || maxInside.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			table.Release("shared")
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), maxInside.Load())
}
