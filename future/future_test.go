package future

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuture(t *testing.T) {
	t.Run("first resolution wins", func(t *testing.T) {
		f := New[string]()

		assert.True(t, f.Complete("a"))
		assert.False(t, f.Complete("b"))
		assert.False(t, f.Fail(errors.New("late")))

		v, err := f.Wait()
		assert.NoError(t, err)
		assert.Equal(t, "a", v)
	})

	t.Run("Fail with nil error uses sentinel", func(t *testing.T) {
		f := Failed[int](nil)

		_, err := f.Wait()
		assert.ErrorIs(t, err, ErrNilFailure)
	})

	t.Run("OnComplete runs inline when already resolved", func(t *testing.T) {
		f := Completed(42)
		var got int
		f.OnComplete(func(v int, err error) {
			got = v
		})
		assert.Equal(t, 42, got)
	})

	t.Run("OnComplete runs on resolving goroutine when pending", func(t *testing.T) {
		f := New[int]()
		var calls int32
		f.OnComplete(func(v int, err error) {
			atomic.AddInt32(&calls, 1)
		})
		assert.Equal(t, int32(0), atomic.LoadInt32(&calls))

		f.Complete(1)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("Await gives up on context without resolving", func(t *testing.T) {
		f := New[int]()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := f.Await(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.False(t, f.IsDone())
	})

	t.Run("concurrent resolution resolves exactly once", func(t *testing.T) {
		f := New[int]()
		var wins int32
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if f.Complete(i) {
					atomic.AddInt32(&wins, 1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins)
	})

	t.Run("listener panic goes to unhandled handler", func(t *testing.T) {
		var captured error
		SetUnhandledHandler(func(err error) { captured = err })
		defer SetUnhandledHandler(nil)

		f := New[int]()
		f.OnComplete(func(int, error) { panic("boom") })
		f.Complete(1)

		var cne *CallbackNotImplementedError
		require.ErrorAs(t, captured, &cne)
		var pe *PanicError
		assert.ErrorAs(t, cne.Cause, &pe)
	})
}

func TestThen(t *testing.T) {
	t.Run("maps value", func(t *testing.T) {
		f := Then(Completed(2), func(v int) (string, error) {
			return "v=" + strconv.Itoa(v), nil
		})
		v, err := f.Wait()
		require.NoError(t, err)
		assert.Equal(t, "v=2", v)
	})

	t.Run("propagates failure without calling fn", func(t *testing.T) {
		cause := errors.New("upstream")
		called := false
		f := Then(Failed[int](cause), func(v int) (int, error) {
			called = true
			return v, nil
		})
		_, err := f.Wait()
		assert.ErrorIs(t, err, cause)
		assert.False(t, called)
	})

	t.Run("returned error fails the future", func(t *testing.T) {
		cause := errors.New("mapped")
		f := Then(Completed(1), func(int) (int, error) { return 0, cause })
		_, err := f.Wait()
		assert.Equal(t, cause, err)
	})

	t.Run("panic becomes callback not implemented", func(t *testing.T) {
		late := errors.New("late")
		pending := New[int]()
		f := Then(pending, func(int) (int, error) { panic(late) })

		go pending.Complete(1)

		_, err := f.Wait()
		var cne *CallbackNotImplementedError
		require.ErrorAs(t, err, &cne)
		assert.Same(t, late, cne.Cause)
	})
}

func TestCompose(t *testing.T) {
	t.Run("chains async computation", func(t *testing.T) {
		f := Compose(Completed(3), func(v int) *Future[int] {
			return Go(func() (int, error) { return v * 2, nil })
		})
		v, err := f.Wait()
		require.NoError(t, err)
		assert.Equal(t, 6, v)
	})

	t.Run("nil inner future fails", func(t *testing.T) {
		f := Compose(Completed(3), func(int) *Future[int] { return nil })
		_, err := f.Wait()
		assert.ErrorIs(t, err, ErrNilFuture)
	})
}

func TestGo(t *testing.T) {
	t.Run("panic in goroutine is captured", func(t *testing.T) {
		f := Go(func() (int, error) { panic("kaboom") })
		_, err := f.Wait()
		var pe *PanicError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "kaboom", pe.Value)
	})
}
