package interceptors

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/glimte/procflow/contracts"
	"github.com/glimte/procflow/expression"
	"github.com/glimte/procflow/store"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func failingStep(cause error) contracts.Step {
	return contracts.NewStep(testLocation, func(context.Context, *contracts.Event) (*contracts.Event, error) {
		return nil, cause
	})
}

func TestLoggingInterceptor(t *testing.T) {
	buf := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	t.Run("success", func(t *testing.T) {
		chain := newChain(t, echoStep(&recorder{}), []Factory{Singleton("logging", NewLoggingInterceptor(logger))})
		_, err := chain.Process(context.Background(), contracts.NewEvent(nil, contracts.WithCorrelationID("corr-1")))
		require.NoError(t, err)

		out := buf.String()
		assert.Contains(t, out, "processing step")
		assert.Contains(t, out, "step processed successfully")
		assert.Contains(t, out, "correlationId=corr-1")
	})

	t.Run("failure", func(t *testing.T) {
		chain := newChain(t, failingStep(errors.New("kaput")), []Factory{Singleton("logging", NewLoggingInterceptor(logger))})
		_, err := chain.Process(context.Background(), contracts.NewEvent(nil))
		require.Error(t, err)
		assert.Contains(t, buf.String(), "step processing failed")
		assert.Contains(t, buf.String(), "kaput")
	})
}

func TestMetricsInterceptor(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector, err := NewMetricsCollector("procflow", registry)
	require.NoError(t, err)

	ok := newChain(t, echoStep(&recorder{}), []Factory{Singleton("metrics", NewMetricsInterceptor(collector))})
	failing := newChain(t, failingStep(errors.New("x")), []Factory{Singleton("metrics", NewMetricsInterceptor(collector))})

	_, err = ok.Process(context.Background(), contracts.NewEvent(nil))
	require.NoError(t, err)
	_, err = ok.Process(context.Background(), contracts.NewEvent(nil))
	require.NoError(t, err)
	_, err = failing.Process(context.Background(), contracts.NewEvent(nil))
	require.Error(t, err)

	loc := testLocation.String()
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.invocations.WithLabelValues(loc, "success", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.invocations.WithLabelValues(loc, "failure", contracts.ErrorTypeUnknown.String())))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.inFlight.WithLabelValues(loc)))
	assert.Equal(t, 2, testutil.CollectAndCount(collector.duration))

	t.Run("registering twice reuses collectors", func(t *testing.T) {
		again, err := NewMetricsCollector("procflow", registry)
		require.NoError(t, err)
		assert.Same(t, collector.invocations, again.invocations)
	})
}

func TestTracingInterceptor(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	var stepSpan trace.SpanContext
	step := contracts.NewStep(testLocation, func(ctx context.Context, e *contracts.Event) (*contracts.Event, error) {
		stepSpan = trace.SpanContextFromContext(ctx)
		return e, nil
	})
	chain := newChain(t, step, []Factory{Singleton("tracing", NewTracingInterceptor(provider))})

	_, err := chain.Process(context.Background(), contracts.NewEvent(nil))
	require.NoError(t, err)

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "step "+testLocation.String(), ended[0].Name())
	assert.Equal(t, codes.Ok, ended[0].Status().Code)
	assert.Equal(t, ended[0].SpanContext().SpanID(), stepSpan.SpanID())

	failing := newChain(t, failingStep(errors.New("bad")), []Factory{Singleton("tracing", NewTracingInterceptor(provider))})
	_, err = failing.Process(context.Background(), contracts.NewEvent(nil))
	require.Error(t, err)
	ended = recorder.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, codes.Error, ended[1].Status().Code)
}

func TestRateLimitInterceptor(t *testing.T) {
	t.Run("fails when exceeded", func(t *testing.T) {
		limiter := rate.NewLimiter(rate.Limit(0), 1)
		chain := newChain(t, echoStep(&recorder{}), []Factory{Singleton("rateLimit", NewRateLimitInterceptor(limiter))})

		_, err := chain.Process(context.Background(), contracts.NewEvent(nil))
		require.NoError(t, err)

		_, err = chain.Process(context.Background(), contracts.NewEvent(nil))
		pe := requirePipelineError(t, err)
		assert.Equal(t, contracts.ErrorTypeRateLimited, pe.Type)
	})

	t.Run("wait gives up with the context", func(t *testing.T) {
		limiter := rate.NewLimiter(rate.Limit(0), 0)
		chain := newChain(t, echoStep(&recorder{}), []Factory{Singleton("rateLimit", NewRateLimitInterceptor(limiter, WithWait()))})

		_, err := chain.Process(context.Background(), contracts.NewEvent(nil))
		pe := requirePipelineError(t, err)
		assert.Equal(t, contracts.ErrorTypeRateLimited, pe.Type)
	})
}

type mockCircuitBreaker struct {
	mock.Mock
}

func (m *mockCircuitBreaker) Allow() error {
	return m.Called().Error(0)
}

func (m *mockCircuitBreaker) Record(err error) {
	m.Called(err)
}

func TestCircuitBreakerInterceptor(t *testing.T) {
	t.Run("records outcome when allowed", func(t *testing.T) {
		cb := &mockCircuitBreaker{}
		cause := errors.New("down")
		cb.On("Allow").Return(nil)
		cb.On("Record", cause).Return()

		chain := newChain(t, failingStep(cause), []Factory{Singleton("cb", NewCircuitBreakerInterceptor(cb))})
		_, err := chain.Process(context.Background(), contracts.NewEvent(nil))
		require.Error(t, err)
		cb.AssertExpectations(t)
	})

	t.Run("fails fast when open", func(t *testing.T) {
		cb := &mockCircuitBreaker{}
		cb.On("Allow").Return(errors.New("open"))

		r := &recorder{}
		chain := newChain(t, echoStep(r), []Factory{Singleton("cb", NewCircuitBreakerInterceptor(cb))})
		_, err := chain.Process(context.Background(), contracts.NewEvent(nil))
		pe := requirePipelineError(t, err)
		assert.Equal(t, contracts.ErrorTypeCircuitOpen, pe.Type)
		assert.Empty(t, r.get())
		cb.AssertNotCalled(t, "Record", mock.Anything)
	})
}

func TestFilteringInterceptor(t *testing.T) {
	exprs, err := expression.NewManager()
	require.NoError(t, err)
	onlyOrders, err := NewExpressionFilter(exprs, "#[payload == 'order']")
	require.NoError(t, err)

	t.Run("proceeds when accepted", func(t *testing.T) {
		r := &recorder{}
		chain := newChain(t, echoStep(r), []Factory{Singleton("filter", NewFilteringInterceptor(onlyOrders, SkipSilently, nil))})
		_, err := chain.Process(context.Background(), contracts.NewEvent("order"))
		require.NoError(t, err)
		assert.Equal(t, []string{"T"}, r.get())
	})

	t.Run("skips when rejected", func(t *testing.T) {
		r := &recorder{}
		chain := newChain(t, echoStep(r), []Factory{Singleton("filter", NewFilteringInterceptor(onlyOrders, SkipWithLog, nil))})
		out, err := chain.Process(context.Background(), contracts.NewEvent("invoice"))
		require.NoError(t, err)
		assert.Equal(t, "invoice", out.Payload())
		assert.Empty(t, r.get())
	})

	t.Run("fails when configured", func(t *testing.T) {
		chain := newChain(t, echoStep(&recorder{}), []Factory{Singleton("filter", NewFilteringInterceptor(onlyOrders, SkipWithError, nil))})
		_, err := chain.Process(context.Background(), contracts.NewEvent("invoice"))
		pe := requirePipelineError(t, err)
		assert.Equal(t, contracts.ErrorTypeFiltered, pe.Type)
	})

	t.Run("filter error fails", func(t *testing.T) {
		broken := EventFilterFunc(func(context.Context, *contracts.Event) (bool, error) {
			return false, errors.New("broken")
		})
		chain := newChain(t, echoStep(&recorder{}), []Factory{Singleton("filter", NewFilteringInterceptor(broken, SkipSilently, nil))})
		_, err := chain.Process(context.Background(), contracts.NewEvent(nil))
		assert.ErrorContains(t, err, "filter error")
	})
}

func TestFilters(t *testing.T) {
	ctx := context.Background()
	accept := EventFilterFunc(func(context.Context, *contracts.Event) (bool, error) { return true, nil })
	reject := EventFilterFunc(func(context.Context, *contracts.Event) (bool, error) { return false, nil })
	event := contracts.NewEvent(nil, contracts.WithMediaType("application/json"),
		contracts.WithVariables(map[string]interface{}{"tenant": "acme"}))

	ok, err := NewCompositeFilter(accept, reject).ShouldProcess(ctx, event)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = NewOrFilter(reject, accept).ShouldProcess(ctx, event)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = NewMediaTypeFilter("application/json").ShouldProcess(ctx, event)
	assert.True(t, ok)
	ok, _ = NewMediaTypeFilter("text/plain").ShouldProcess(ctx, event)
	assert.False(t, ok)

	ok, _ = NewVariableFilter("tenant", "acme").ShouldProcess(ctx, event)
	assert.True(t, ok)
	ok, _ = NewVariableFilter("missing", "acme").ShouldProcess(ctx, event)
	assert.False(t, ok)
}

func TestShortCircuitInterceptor(t *testing.T) {
	answer := contracts.NewMessage("answered")
	evaluator := ShortCircuitEvaluatorFunc(func(_ context.Context, e *contracts.Event) (bool, *ShortCircuitResult, error) {
		if e.Payload() == "ping" {
			return true, &ShortCircuitResult{Message: &answer, Reason: "static answer"}, nil
		}
		return false, nil, nil
	})

	r := &recorder{}
	chain := newChain(t, echoStep(r), []Factory{Singleton("sc", NewShortCircuitInterceptor(evaluator))})

	out, err := chain.Process(context.Background(), contracts.NewEvent("ping"))
	require.NoError(t, err)
	assert.Equal(t, "answered", out.Payload())
	assert.Empty(t, r.get())

	out, err = chain.Process(context.Background(), contracts.NewEvent("other"))
	require.NoError(t, err)
	assert.Equal(t, "other", out.Payload())
	assert.Equal(t, []string{"T"}, r.get())
}

func TestCachingInterceptor(t *testing.T) {
	cache := store.NewMemoryStore[contracts.Message]()
	defer cache.Close()

	var calls int
	step := contracts.NewStep(testLocation, func(_ context.Context, e *contracts.Event) (*contracts.Event, error) {
		calls++
		return e.WithPayload("computed"), nil
	})
	chain := newChain(t, step, []Factory{Singleton("cache", NewCachingInterceptor(cache, nil))})

	for i := 0; i < 2; i++ {
		out, err := chain.Process(context.Background(), contracts.NewEvent("in", contracts.WithCorrelationID("same")))
		require.NoError(t, err)
		assert.Equal(t, "computed", out.Payload())
	}
	assert.Equal(t, 1, calls)
}

func TestManagerBuilder(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector, err := NewMetricsCollector("builder", registry)
	require.NoError(t, err)

	manager := NewManagerBuilder(nil).
		WithLogging().
		WithMetrics(collector).
		WithTracing(nil).
		WithRateLimit(rate.Inf, 1, Exclude("flow/**")).
		WithCircuitBreaker(&mockCircuitBreaker{}, Include("other/**")).
		WithInterceptor("custom", Base{}).
		Build()

	assert.Len(t, manager.Factories(), 6)

	chain, err := manager.Wrap(echoStep(&recorder{}))
	require.NoError(t, err)
	assert.Equal(t, []string{"logging", "metrics", "tracing", "custom"}, chain.Interceptors())

	out, err := chain.Process(context.Background(), contracts.NewEvent("x"))
	require.NoError(t, err)
	assert.Equal(t, "x", out.Payload())
}

func TestExpressionShortCircuitAndCaching(t *testing.T) {
	expressions, err := expression.NewManager()
	require.NoError(t, err)

	t.Run("builder wires short-circuit from an expression", func(t *testing.T) {
		evaluator, err := NewExpressionShortCircuit(expressions, "#[vars.cached == true]", "already cached")
		require.NoError(t, err)

		manager := NewManagerBuilder(nil).WithShortCircuit(evaluator).Build()
		r := &recorder{}
		chain, err := manager.Wrap(echoStep(r))
		require.NoError(t, err)
		assert.Equal(t, []string{"shortCircuit"}, chain.Interceptors())

		_, err = chain.Process(context.Background(), contracts.NewEvent("a", contracts.WithVariables(map[string]interface{}{"cached": true})))
		require.NoError(t, err)
		assert.Empty(t, r.get())

		_, err = chain.Process(context.Background(), contracts.NewEvent("b", contracts.WithVariables(map[string]interface{}{"cached": false})))
		require.NoError(t, err)
		assert.NotEmpty(t, r.get())
	})

	t.Run("invalid short-circuit expression", func(t *testing.T) {
		_, err := NewExpressionShortCircuit(expressions, "#[vars.]", "")
		assert.Error(t, err)
	})

	t.Run("builder wires caching keyed by an expression", func(t *testing.T) {
		cache := store.NewMemoryStore[contracts.Message]()
		defer cache.Close()
		key, err := ExpressionKey(expressions, "#[vars.orderId]")
		require.NoError(t, err)

		var calls int
		step := contracts.NewStep(testLocation, func(_ context.Context, e *contracts.Event) (*contracts.Event, error) {
			calls++
			return e.WithPayload("computed"), nil
		})
		chain, err := NewManagerBuilder(nil).WithCaching(cache, key).Build().Wrap(step)
		require.NoError(t, err)

		for _, correlation := range []string{"c1", "c2"} {
			event := contracts.NewEvent("in",
				contracts.WithCorrelationID(correlation),
				contracts.WithVariables(map[string]interface{}{"orderId": "o-1"}))
			out, err := chain.Process(context.Background(), event)
			require.NoError(t, err)
			assert.Equal(t, "computed", out.Payload())
		}
		assert.Equal(t, 1, calls)

		ok, err := cache.Contains(context.Background(), "o-1")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}
