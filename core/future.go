package core

import (
	"context"
	"sync"
)

// Future is the handle returned by a non-blocking engine submission. It
// resolves exactly once, either with a Result or with an error. Await blocks
// until resolution or context cancellation; Done exposes the completion
// channel for select loops.
type Future struct {
	done   chan struct{}
	once   sync.Once
	result Result
	err    error
}

// NewFuture returns an unresolved future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolve completes the future successfully. Subsequent Resolve or Reject
// calls are no-ops.
func (f *Future) Resolve(r Result) {
	f.once.Do(func() {
		f.result = r
		close(f.done)
	})
}

// Reject completes the future with an error. Subsequent Resolve or Reject
// calls are no-ops.
func (f *Future) Reject(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done is closed when the future has resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

// Await blocks until the future resolves or the context is cancelled.
func (f *Future) Await(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Resolved reports whether the future has completed, without blocking.
func (f *Future) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
