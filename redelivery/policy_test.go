package redelivery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/procflow/contracts"
	"github.com/glimte/procflow/interceptors"
	"github.com/glimte/procflow/store"
)

const location = contracts.Location("orders/redelivery")

type flakyProcessor struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (p *flakyProcessor) Process(_ context.Context, e *contracts.Event) (*contracts.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failures {
		return nil, errors.New("downstream unavailable")
	}
	return e.WithPayload("done"), nil
}

func TestPolicyConfiguration(t *testing.T) {
	nested := &flakyProcessor{}

	t.Run("secure hash by default", func(t *testing.T) {
		p, err := New(location, nested)
		require.NoError(t, err)
		defer p.Close()

		id, err := p.MessageID(context.Background(), contracts.NewEvent("payload"))
		require.NoError(t, err)
		sum := sha256.Sum256([]byte("payload"))
		assert.Equal(t, hex.EncodeToString(sum[:]), id)
		assert.Equal(t, contracts.ProcessingBlocking, p.ProcessingType())
	})

	t.Run("digest algorithms", func(t *testing.T) {
		for _, alg := range []string{"SHA-1", "SHA-256", "sha512", "MD5"} {
			p, err := New(location, nested, WithMessageDigestAlgorithm(alg))
			require.NoError(t, err, alg)
			p.Close()
		}
		_, err := New(location, nested, WithMessageDigestAlgorithm("CRC32"))
		assert.ErrorIs(t, err, ErrUnsupportedDigest)
	})

	t.Run("id expression disables secure hash", func(t *testing.T) {
		p, err := New(location, nested, WithIDExpression("#[vars.orderId]"))
		require.NoError(t, err)
		defer p.Close()

		event := contracts.NewEvent("x", contracts.WithVariables(map[string]interface{}{"orderId": "o-1"}))
		id, err := p.MessageID(context.Background(), event)
		require.NoError(t, err)
		assert.Equal(t, "o-1", id)
	})

	t.Run("digest without secure hash is rejected", func(t *testing.T) {
		_, err := New(location, nested,
			WithSecureHash(false), WithIDExpression("#[id]"), WithMessageDigestAlgorithm("MD5"))
		assert.ErrorContains(t, err, "secure hash will not be used")
	})

	t.Run("no identity is rejected", func(t *testing.T) {
		_, err := New(location, nested, WithSecureHash(false))
		assert.ErrorIs(t, err, ErrNoIdentity)
	})

	t.Run("invalid id expression is rejected", func(t *testing.T) {
		_, err := New(location, nested, WithIDExpression("#[vars.]"))
		assert.Error(t, err)
	})
}

func TestPolicyRedelivery(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects after max redeliveries", func(t *testing.T) {
		nested := &flakyProcessor{failures: 100}
		p, err := New(location, nested, WithMaxRedeliveryCount(2))
		require.NoError(t, err)
		defer p.Close()

		for i := 0; i < 3; i++ {
			_, err := p.Process(ctx, contracts.NewEvent("same"))
			require.Error(t, err)
			var exhausted *RedeliveryExhaustedError
			assert.False(t, errors.As(err, &exhausted), "attempt %d", i)
		}

		_, err = p.Process(ctx, contracts.NewEvent("same"))
		var exhausted *RedeliveryExhaustedError
		require.ErrorAs(t, err, &exhausted)
		assert.Equal(t, 3, exhausted.Count)
		assert.Equal(t, 2, exhausted.Max)
		assert.Len(t, exhausted.Failures, 3)
		assert.Equal(t, contracts.ErrorTypeRedeliveryExhausted, interceptors.TypeOf(err))
		assert.Equal(t, 3, nested.calls)

		_, err = p.Process(ctx, contracts.NewEvent("other"))
		assert.False(t, errors.As(err, &exhausted))
	})

	t.Run("success resets the counter", func(t *testing.T) {
		nested := &flakyProcessor{failures: 1}
		p, err := New(location, nested)
		require.NoError(t, err)
		defer p.Close()

		_, err = p.Process(ctx, contracts.NewEvent("m"))
		require.Error(t, err)
		id, _ := p.MessageID(ctx, contracts.NewEvent("m"))
		counter, err := p.Counter(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, counter)
		assert.Equal(t, 1, counter.Count)
		assert.Equal(t, contracts.ErrorTypeUnknown.String(), counter.Failures[0].Type)

		out, err := p.Process(ctx, contracts.NewEvent("m"))
		require.NoError(t, err)
		assert.Equal(t, "done", out.Payload())
		counter, err = p.Counter(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, counter)
	})

	t.Run("blank id is an error", func(t *testing.T) {
		p, err := New(location, &flakyProcessor{}, WithIDExpression("#[vars.missing]"))
		require.NoError(t, err)
		defer p.Close()

		_, err = p.Process(ctx, contracts.NewEvent("x", contracts.WithVariables(map[string]interface{}{"missing": ""})))
		assert.ErrorIs(t, err, ErrBlankMessageID)
	})

	t.Run("id expression failure is returned", func(t *testing.T) {
		p, err := New(location, &flakyProcessor{}, WithIDExpression("#[vars.missing]"))
		require.NoError(t, err)
		defer p.Close()

		_, err = p.Process(ctx, contracts.NewEvent("x"))
		assert.Equal(t, contracts.ErrorTypeExpression, interceptors.TypeOf(err))
	})

	t.Run("unhashable payload is rejected", func(t *testing.T) {
		p, err := New(location, &flakyProcessor{})
		require.NoError(t, err)
		defer p.Close()

		_, err = p.Process(ctx, contracts.NewEvent(make(chan int)))
		var exhausted *RedeliveryExhaustedError
		require.ErrorAs(t, err, &exhausted)
		assert.Error(t, exhausted.Cause)
	})

	t.Run("deliveries of one identity are serialized", func(t *testing.T) {
		var inside, peak int32
		nested := contracts.ProcessorFunc(func(_ context.Context, e *contracts.Event) (*contracts.Event, error) {
			n := atomic.AddInt32(&inside, 1)
			if n > atomic.LoadInt32(&peak) {
				atomic.StoreInt32(&peak, n)
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			return e, nil
		})
		p, err := New(location, nested)
		require.NoError(t, err)
		defer p.Close()

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := p.Process(ctx, contracts.NewEvent("same"))
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), peak)
	})

	t.Run("shared store", func(t *testing.T) {
		counters := store.NewMemoryStore[Counter]()
		defer counters.Close()

		p, err := New(location, &flakyProcessor{failures: 1}, WithStore(counters))
		require.NoError(t, err)
		_, _ = p.Process(ctx, contracts.NewEvent("m"))
		assert.Equal(t, 1, counters.Len())
		require.NoError(t, p.Close())
	})
}
