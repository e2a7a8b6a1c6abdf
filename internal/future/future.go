// Package future provides a single-assignment result that callers can wait
// on or attach callbacks to.
package future

import (
	"context"
	"errors"
	"sync"
)

// ErrCancelled is the failure of a future cancelled before completion.
var ErrCancelled = errors.New("future cancelled")

// Future is completed at most once, with either a value or an error.
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	value     T
	err       error
	completed bool
	listeners []func(T, error)
}

// New creates a pending future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed returns a future already holding v.
func Completed[T any](v T) *Future[T] {
	f := New[T]()
	f.Complete(v)
	return f
}

// Failed returns a future already holding err.
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.Fail(err)
	return f
}

// Complete sets the value. It reports false if the future was already done.
func (f *Future[T]) Complete(v T) bool {
	return f.finish(v, nil)
}

// Fail sets the error. It reports false if the future was already done.
func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.finish(zero, err)
}

// Cancel fails the future with ErrCancelled.
func (f *Future[T]) Cancel() bool {
	return f.Fail(ErrCancelled)
}

func (f *Future[T]) finish(v T, err error) bool {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}
	f.completed = true
	f.value = v
	f.err = err
	listeners := f.listeners
	f.listeners = nil
	close(f.done)
	f.mu.Unlock()

	for _, fn := range listeners {
		fn(v, err)
	}
	return true
}

// Done is closed once the future completes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Result returns the outcome and whether the future has completed.
func (f *Future[T]) Result() (T, error, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err, f.completed
}

// Await blocks until the future completes or ctx ends.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnComplete runs fn with the outcome. fn runs immediately on the calling
// goroutine if the future is already done, otherwise on the completing one.
func (f *Future[T]) OnComplete(fn func(T, error)) {
	f.mu.Lock()
	if !f.completed {
		f.listeners = append(f.listeners, fn)
		f.mu.Unlock()
		return
	}
	v, err := f.value, f.err
	f.mu.Unlock()
	fn(v, err)
}
