package interceptors

import (
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/glimte/procflow/contracts"
	"github.com/glimte/procflow/store"
)

// Manager holds the ordered interceptor factories of a pipeline and wraps
// steps with them
type Manager struct {
	mu        sync.RWMutex
	factories []Factory
	options   []ChainOption
}

// NewManager creates a manager with factories in execution order
func NewManager(factories ...Factory) *Manager {
	m := &Manager{}
	m.factories = append(m.factories, factories...)
	return m
}

// Add appends a factory
func (m *Manager) Add(f Factory) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories = append(m.factories, f)
	return m
}

// SetChainOptions sets options applied to every chain the manager builds
func (m *Manager) SetChainOptions(options ...ChainOption) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.options = append([]ChainOption(nil), options...)
	return m
}

// Factories returns the registered factories, in order
func (m *Manager) Factories() []Factory {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Factory, len(m.factories))
	copy(out, m.factories)
	return out
}

// Wrap builds the chain for step. Options given here follow the manager's.
func (m *Manager) Wrap(step contracts.Step, options ...ChainOption) (*Chain, error) {
	m.mu.RLock()
	factories := make([]Factory, len(m.factories))
	copy(factories, m.factories)
	opts := append(append([]ChainOption(nil), m.options...), options...)
	m.mu.RUnlock()

	return NewChain(step, factories, opts...)
}

// ManagerBuilder builds a manager with the built-in interceptors
type ManagerBuilder struct {
	manager *Manager
	logger  *slog.Logger
}

// NewManagerBuilder creates a new builder
func NewManagerBuilder(logger *slog.Logger) *ManagerBuilder {
	if logger == nil {
		logger = slog.Default()
	}

	return &ManagerBuilder{
		manager: NewManager(),
		logger:  logger,
	}
}

// WithLogging adds the logging interceptor
func (b *ManagerBuilder) WithLogging(options ...FactoryOption) *ManagerBuilder {
	b.manager.Add(Singleton("logging", NewLoggingInterceptor(b.logger), options...))
	return b
}

// WithMetrics adds the metrics interceptor
func (b *ManagerBuilder) WithMetrics(collector *MetricsCollector, options ...FactoryOption) *ManagerBuilder {
	b.manager.Add(Singleton("metrics", NewMetricsInterceptor(collector), options...))
	return b
}

// WithTracing adds the tracing interceptor. A nil provider uses the global one.
func (b *ManagerBuilder) WithTracing(provider trace.TracerProvider, options ...FactoryOption) *ManagerBuilder {
	b.manager.Add(Singleton("tracing", NewTracingInterceptor(provider), options...))
	return b
}

// WithRateLimit adds a rate limiting interceptor. Each chain it applies to
// gets its own limiter.
func (b *ManagerBuilder) WithRateLimit(limit rate.Limit, burst int, options ...FactoryOption) *ManagerBuilder {
	b.manager.Add(NewFactory("rateLimit", func() Interceptor {
		return NewRateLimitInterceptor(rate.NewLimiter(limit, burst))
	}, options...))
	return b
}

// WithCircuitBreaker adds the circuit breaker interceptor
func (b *ManagerBuilder) WithCircuitBreaker(cb CircuitBreaker, options ...FactoryOption) *ManagerBuilder {
	b.manager.Add(Singleton("circuitBreaker", NewCircuitBreakerInterceptor(cb), options...))
	return b
}

// WithFiltering adds the filtering interceptor
func (b *ManagerBuilder) WithFiltering(filter EventFilter, behavior SkipBehavior, options ...FactoryOption) *ManagerBuilder {
	b.manager.Add(Singleton("filtering", NewFilteringInterceptor(filter, behavior, b.logger), options...))
	return b
}

// WithShortCircuit adds a short-circuit interceptor
func (b *ManagerBuilder) WithShortCircuit(evaluator ShortCircuitEvaluator, options ...FactoryOption) *ManagerBuilder {
	b.manager.Add(Singleton("shortCircuit", NewShortCircuitInterceptor(evaluator), options...))
	return b
}

// WithCaching adds a caching interceptor answering from cache. A nil key
// function keys by correlation ID.
func (b *ManagerBuilder) WithCaching(cache store.Store[contracts.Message], key KeyFunc, options ...FactoryOption) *ManagerBuilder {
	b.manager.Add(Singleton("caching", NewCachingInterceptor(cache, key), options...))
	return b
}

// WithFactory adds a custom factory
func (b *ManagerBuilder) WithFactory(f Factory) *ManagerBuilder {
	b.manager.Add(f)
	return b
}

// WithInterceptor adds a custom interceptor shared by every chain it applies to
func (b *ManagerBuilder) WithInterceptor(name string, interceptor Interceptor, options ...FactoryOption) *ManagerBuilder {
	b.manager.Add(Singleton(name, interceptor, options...))
	return b
}

// WithChainOptions sets the options of every chain the manager builds
func (b *ManagerBuilder) WithChainOptions(options ...ChainOption) *ManagerBuilder {
	b.manager.SetChainOptions(options...)
	return b
}

// Build returns the built manager
func (b *ManagerBuilder) Build() *Manager {
	return b.manager
}
