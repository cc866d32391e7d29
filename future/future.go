package future

import (
	"context"
	"log/slog"
	"sync"
)

// Future is a single-resolution promise holding either a value or an error.
// The first call to Complete or Fail wins; later calls are ignored.
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	completed bool
	value     T
	err       error
	callbacks []func(T, error)
}

// New creates a pending future
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed creates a future already resolved with v
func Completed[T any](v T) *Future[T] {
	f := New[T]()
	f.Complete(v)
	return f
}

// Failed creates a future already resolved with err
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.Fail(err)
	return f
}

// Complete resolves the future with a value. Returns false if already resolved.
func (f *Future[T]) Complete(v T) bool {
	return f.resolve(v, nil)
}

// Fail resolves the future with an error. Returns false if already resolved.
func (f *Future[T]) Fail(err error) bool {
	if err == nil {
		err = ErrNilFailure
	}
	var zero T
	return f.resolve(zero, err)
}

// Resolve completes the future with v when err is nil, otherwise fails it
func (f *Future[T]) Resolve(v T, err error) bool {
	if err != nil {
		return f.Fail(err)
	}
	return f.Complete(v)
}

func (f *Future[T]) resolve(v T, err error) bool {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}
	f.completed = true
	f.value = v
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		runCallback(cb, v, err)
	}
	return true
}

// Done returns a channel closed once the future is resolved
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future is resolved
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future is resolved
func (f *Future[T]) Wait() (T, error) {
	<-f.done
	return f.value, f.err
}

// Await blocks until the future is resolved or ctx is done.
// Giving up on the wait does not cancel the computation.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnComplete registers fn to run once the future resolves. If it is already
// resolved fn runs immediately on the calling goroutine, otherwise it runs on
// the goroutine that resolves the future.
func (f *Future[T]) OnComplete(fn func(T, error)) {
	f.mu.Lock()
	if !f.completed {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	runCallback(fn, f.value, f.err)
}

// runCallback shields the resolving goroutine from listener panics
func runCallback[T any](fn func(T, error), v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			unhandled(CallbackNotImplemented(AsError(r)))
		}
	}()
	fn(v, err)
}

var (
	unhandledMu      sync.RWMutex
	unhandledHandler = func(err error) {
		slog.Default().Error("unhandled error in future callback", "error", err)
	}
)

// SetUnhandledHandler replaces the handler receiving panics raised by
// OnComplete listeners, which have nobody else to report to.
func SetUnhandledHandler(h func(error)) {
	unhandledMu.Lock()
	defer unhandledMu.Unlock()
	unhandledHandler = h
}

func unhandled(err error) {
	unhandledMu.RLock()
	h := unhandledHandler
	unhandledMu.RUnlock()
	if h != nil {
		h(err)
	}
}
