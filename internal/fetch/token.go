package fetch

import (
	"context"
	"sync/atomic"
)

// Token is a per-job cancellation token. Stop is cooperative: the runner
// checks Stopped between resources and the Fetcher aborts the in-flight
// engine call.
type Token struct {
	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool
}

// NewToken returns a token that is also stopped when parent is done.
func NewToken(parent context.Context) *Token {
	ctx, cancel := context.WithCancel(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

// Stop marks the token stopped. Safe to call more than once.
func (t *Token) Stop() {
	t.stopped.Store(true)
	t.cancel()
}

// Stopped reports whether Stop was called.
func (t *Token) Stopped() bool {
	return t.stopped.Load()
}

// Done is closed when the token is stopped or its parent ends.
func (t *Token) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Context returns the token's context.
func (t *Token) Context() context.Context {
	return t.ctx
}

// Close releases the token's resources without marking it stopped.
func (t *Token) Close() {
	t.cancel()
}
