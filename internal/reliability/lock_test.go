package reliability

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedLock(t *testing.T) {
	ctx := context.Background()

	t.Run("serializes holders of the same key", func(t *testing.T) {
		l := NewKeyedLock()
		var inside, maxInside int32
		var wg sync.WaitGroup

		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock, err := l.Lock(ctx, "msg-1")
				require.NoError(t, err)
				defer unlock()

				n := atomic.AddInt32(&inside, 1)
				if n > atomic.LoadInt32(&maxInside) {
					atomic.StoreInt32(&maxInside, n)
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), maxInside)
		assert.Zero(t, l.Len())
	})

	t.Run("different keys do not block", func(t *testing.T) {
		l := NewKeyedLock()
		unlockA, err := l.Lock(ctx, "a")
		require.NoError(t, err)
		defer unlockA()

		unlockB, err := l.Lock(ctx, "b")
		require.NoError(t, err)
		unlockB()
		assert.Equal(t, 1, l.Len())
	})

	t.Run("waiting gives up with the context", func(t *testing.T) {
		l := NewKeyedLock()
		unlock, err := l.Lock(ctx, "a")
		require.NoError(t, err)

		waitCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		_, err = l.Lock(waitCtx, "a")
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		unlock()
		unlock()
		assert.Zero(t, l.Len())
	})

	t.Run("rejects empty key", func(t *testing.T) {
		_, err := NewKeyedLock().Lock(ctx, "")
		assert.ErrorIs(t, err, ErrEmptyLockKey)
	})
}
