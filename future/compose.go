package future

// Then returns a future resolved with fn applied to f's value. A failure of f
// skips fn and propagates. A panic inside fn has no listener to report to and
// fails the returned future with a *CallbackNotImplementedError.
func Then[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	next := New[U]()
	f.OnComplete(func(v T, err error) {
		if err != nil {
			next.Fail(err)
			return
		}
		next.Resolve(guard(func() (U, error) { return fn(v) }))
	})
	return next
}

// Compose chains an asynchronous computation after f
func Compose[T, U any](f *Future[T], fn func(T) *Future[U]) *Future[U] {
	next := New[U]()
	f.OnComplete(func(v T, err error) {
		if err != nil {
			next.Fail(err)
			return
		}
		inner, err := guard(func() (*Future[U], error) {
			return fn(v), nil
		})
		if err != nil {
			next.Fail(err)
			return
		}
		if inner == nil {
			next.Fail(ErrNilFuture)
			return
		}
		inner.OnComplete(func(u U, err error) {
			next.Resolve(u, err)
		})
	})
	return next
}

// Go runs fn on a new goroutine and returns its future
func Go[T any](fn func() (T, error)) *Future[T] {
	f := New[T]()
	go func() {
		f.Resolve(guard(fn))
	}()
	return f
}

func guard[T any](fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			v = zero
			err = CallbackNotImplemented(AsError(r))
		}
	}()
	return fn()
}
