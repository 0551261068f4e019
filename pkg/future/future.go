// Package future provides a small cancellable future used for asynchronous backend writes.
package future

import (
	"context"
	"errors"
	"sync"
)

// ErrCanceled resolves a future that was canceled before its work finished.
var ErrCanceled = errors.New("future canceled")

// Future is the eventual result of an asynchronous operation.
// It resolves exactly once; later attempts to resolve it are ignored.
type Future[T any] struct {
	done   chan struct{}
	cancel context.CancelFunc

	mu        sync.Mutex
	resolved  bool
	value     T
	err       error
	callbacks []func(T, error)
}

// New returns an unresolved future. The caller resolves it with Resolve.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Go runs fn in a new goroutine and returns a future for its result.
// Cancel cancels the context handed to fn.
func Go[T any](ctx context.Context, fn func(context.Context) (T, error)) *Future[T] {
	runCtx, cancel := context.WithCancel(ctx)
	f := &Future[T]{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer cancel()
		v, err := fn(runCtx)
		f.Resolve(v, err)
	}()
	return f
}

// Resolved returns a future that already holds v.
func Resolved[T any](v T) *Future[T] {
	f := New[T]()
	f.Resolve(v, nil)
	return f
}

// Failed returns a future that already failed with err.
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	var zero T
	f.Resolve(zero, err)
	return f
}

// Resolve settles the future. It reports false if the future was already settled.
// Callbacks registered with OnComplete run synchronously, in registration order, before
// Done is closed: once Await returns, every callback has finished. Callbacks must not
// wait on the future themselves.
func (f *Future[T]) Resolve(v T, err error) bool {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		return false
	}
	f.resolved = true
	f.value, f.err = v, err
	callbacks := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(v, err)
	}
	close(f.done)
	return true
}

// OnComplete registers cb to run once the future resolves. If it already resolved,
// cb runs immediately on the calling goroutine.
func (f *Future[T]) OnComplete(cb func(T, error)) {
	f.mu.Lock()
	if !f.resolved {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	v, err := f.value, f.err
	f.mu.Unlock()
	cb(v, err)
}

// Done is closed when the future resolves.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the future resolves or ctx is done.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the outcome without blocking. ok is false while unresolved.
func (f *Future[T]) Result() (v T, ok bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.resolved, f.err
}

// Cancel is best effort: it cancels the running work, if any, and settles an unresolved
// future with ErrCanceled. Side effects the work already caused are not undone.
func (f *Future[T]) Cancel() {
	if f.cancel != nil {
		f.cancel()
	}
	var zero T
	f.Resolve(zero, ErrCanceled)
}

// Map returns a future resolving to fn applied to the value of src. Canceling the
// returned future cancels src.
func Map[A, B any](src *Future[A], fn func(A) B) *Future[B] {
	out := &Future[B]{done: make(chan struct{}), cancel: src.Cancel}
	src.OnComplete(func(v A, err error) {
		var mapped B
		if err == nil {
			mapped = fn(v)
		}
		out.Resolve(mapped, err)
	})
	return out
}
