package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("ShouldRetry respects max retries", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 3)

		for i := 0; i < 3; i++ {
			shouldRetry, delay := eb.ShouldRetry(i, errors.New("test"))
			assert.True(t, shouldRetry)
			assert.Greater(t, delay, time.Duration(0))
		}

		shouldRetry, delay := eb.ShouldRetry(3, errors.New("test"))
		assert.False(t, shouldRetry)
		assert.Zero(t, delay)
	})

	t.Run("NextDelay grows and caps", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2.0, 5)
		eb.Jitter = false

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{0, 100 * time.Millisecond},
			{1, 200 * time.Millisecond},
			{3, 800 * time.Millisecond},
			{10, 10 * time.Second},
		}
		for _, tt := range tests {
			assert.Equal(t, tt.expected, eb.NextDelay(tt.attempt))
		}
	})

	t.Run("does not retry non-retryable errors", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Millisecond, time.Millisecond, 2.0, 3)

		shouldRetry, _ := eb.ShouldRetry(0, RetryableError{Err: errors.New("bad input"), Retryable: false})
		assert.False(t, shouldRetry)
		shouldRetry, _ = eb.ShouldRetry(0, ErrNonRetryable)
		assert.False(t, shouldRetry)
	})
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds after failures", func(t *testing.T) {
		attempts := 0
		err := Retry(ctx, "publish", NewFixedDelay(time.Millisecond, 3), func(context.Context) error {
			attempts++
			if attempts < 3 {
				return errors.New("transient")
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("gives up with RetryError", func(t *testing.T) {
		cause := errors.New("down")
		attempts := 0
		err := Retry(ctx, "connect", NewFixedDelay(time.Millisecond, 2), func(context.Context) error {
			attempts++
			return cause
		})

		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, "connect", retryErr.Op)
		assert.Equal(t, 3, retryErr.Attempts)
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, 3, attempts)
	})

	t.Run("non-retryable error returned as is", func(t *testing.T) {
		cause := RetryableError{Err: errors.New("fatal"), Retryable: false}
		err := Retry(ctx, "op", NewFixedDelay(time.Millisecond, 5), func(context.Context) error {
			return cause
		})
		assert.Equal(t, cause, err)
	})

	t.Run("stops when context is done", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		err := Retry(ctx, "op", NewFixedDelay(time.Hour, 5), func(context.Context) error {
			return errors.New("transient")
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
