package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/glimte/procflow/contracts"
	"github.com/glimte/procflow/expression"
	"github.com/glimte/procflow/interceptors"
	"github.com/glimte/procflow/internal/rabbitmq"
	"github.com/glimte/procflow/internal/reliability"
	"github.com/glimte/procflow/redelivery"
	"github.com/glimte/procflow/routing"
	"github.com/glimte/procflow/scheduler"
	"github.com/glimte/procflow/store"
	transport "github.com/glimte/procflow/transports/rabbitmq"
)

// NewLogger builds the process logger writing to w
func NewLogger(c LoggingConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch c.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("logging.format: unknown format %q", c.Format)
	}
}

// Dependencies are the shared objects interceptors are built with
type Dependencies struct {
	Logger         *slog.Logger
	Registerer     prometheus.Registerer
	TracerProvider trace.TracerProvider
	Expressions    *expression.Manager
	IOScheduler    scheduler.Scheduler
	// Redis backs caching interceptors declared with the redis store
	Redis redis.UniversalClient
}

// NewExpressions creates the expression manager
func (c *Config) NewExpressions() (*expression.Manager, error) {
	return expression.NewManager(expression.WithTimeout(c.Expressions.Timeout))
}

// NewIOScheduler starts the pool blocking steps are moved to
func (c *Config) NewIOScheduler(logger *slog.Logger) *scheduler.Pool {
	return scheduler.NewPool("io",
		scheduler.WithWorkers(c.Schedulers.IOWorkers),
		scheduler.WithQueueSize(c.Schedulers.IOQueueSize),
		scheduler.WithBlockingSubmit(),
		scheduler.WithLogger(logger),
	)
}

// BuildManager builds the interceptor manager declared by the configuration
func (c *Config) BuildManager(deps Dependencies) (*interceptors.Manager, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	expressions := deps.Expressions
	if expressions == nil {
		var err error
		if expressions, err = c.NewExpressions(); err != nil {
			return nil, err
		}
	}

	b := interceptors.NewManagerBuilder(logger)
	var collector *interceptors.MetricsCollector

	for i, ic := range c.Interceptors {
		options := ic.factoryOptions()
		s := ic.Settings

		switch ic.Kind {
		case KindLogging:
			b.WithInterceptor(ic.name(), interceptors.NewLoggingInterceptor(logger), options...)

		case KindMetrics:
			if collector == nil {
				var err error
				collector, err = interceptors.NewMetricsCollector(c.Metrics.Namespace, deps.Registerer)
				if err != nil {
					return nil, fmt.Errorf("interceptors[%d]: %w", i, err)
				}
			}
			b.WithInterceptor(ic.name(), interceptors.NewMetricsInterceptor(collector), options...)

		case KindTracing:
			b.WithInterceptor(ic.name(), interceptors.NewTracingInterceptor(deps.TracerProvider), options...)

		case KindRateLimit:
			limit, burst := rate.Limit(s.Limit), s.Burst
			if s.Limit == 0 {
				limit = rate.Inf
			}
			var rlOptions []interceptors.RateLimitOption
			if s.Wait {
				rlOptions = append(rlOptions, interceptors.WithWait())
			}
			b.WithFactory(interceptors.NewFactory(ic.name(), func() interceptors.Interceptor {
				return interceptors.NewRateLimitInterceptor(rate.NewLimiter(limit, burst), rlOptions...)
			}, options...))

		case KindCircuitBreaker:
			cbOptions := []reliability.CircuitBreakerOption{
				reliability.WithName(ic.name()),
				reliability.WithStateChangeListener(reliability.StateChangeFunc(func(name string, from, to reliability.State, reason string) {
					logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String(), "reason", reason)
				})),
			}
			if s.FailureThreshold > 0 {
				cbOptions = append(cbOptions, reliability.WithFailureThreshold(s.FailureThreshold))
			}
			if s.SuccessThreshold > 0 {
				cbOptions = append(cbOptions, reliability.WithSuccessThreshold(s.SuccessThreshold))
			}
			if s.Timeout > 0 {
				cbOptions = append(cbOptions, reliability.WithTimeout(s.Timeout))
			}
			b.WithInterceptor(ic.name(), interceptors.NewCircuitBreakerInterceptor(reliability.NewCircuitBreaker(cbOptions...)), options...)

		case KindFiltering:
			filter, err := interceptors.NewExpressionFilter(expressions, s.Expression)
			if err != nil {
				return nil, fmt.Errorf("interceptors[%d]: %w", i, err)
			}
			behavior, err := skipBehavior(s.OnSkip)
			if err != nil {
				return nil, fmt.Errorf("interceptors[%d]: %w", i, err)
			}
			b.WithInterceptor(ic.name(), interceptors.NewFilteringInterceptor(filter, behavior, logger), options...)

		case KindShortCircuit:
			evaluator, err := interceptors.NewExpressionShortCircuit(expressions, s.Expression, s.Reason)
			if err != nil {
				return nil, fmt.Errorf("interceptors[%d]: %w", i, err)
			}
			b.WithInterceptor(ic.name(), interceptors.NewShortCircuitInterceptor(evaluator), options...)

		case KindCaching:
			cache, err := c.cacheStore(ic, deps.Redis)
			if err != nil {
				return nil, fmt.Errorf("interceptors[%d]: %w", i, err)
			}
			var key interceptors.KeyFunc
			if s.Key != "" {
				if key, err = interceptors.ExpressionKey(expressions, s.Key); err != nil {
					return nil, fmt.Errorf("interceptors[%d]: %w", i, err)
				}
			}
			b.WithInterceptor(ic.name(), interceptors.NewCachingInterceptor(cache, key), options...)

		default:
			return nil, fmt.Errorf("interceptors[%d]: unknown kind %q", i, ic.Kind)
		}
	}

	chainOptions := []interceptors.ChainOption{
		interceptors.WithLogger(logger),
		interceptors.WithExpressions(expressions),
	}
	if deps.IOScheduler != nil {
		chainOptions = append(chainOptions, interceptors.WithIOScheduler(deps.IOScheduler))
	}
	return b.WithChainOptions(chainOptions...).Build(), nil
}

// cacheStore returns the message store of a caching interceptor. The memory
// store expires entries lazily and runs no sweeper, so it needs no closing.
func (c *Config) cacheStore(ic InterceptorConfig, client redis.UniversalClient) (store.Store[contracts.Message], error) {
	s := ic.Settings
	if s.Store == "redis" {
		if client == nil {
			return nil, errors.New("caching: redis store needs a redis client")
		}
		prefix := c.Redis.Prefix
		if prefix == "" {
			prefix = "procflow:"
		}
		return store.NewRedisStore[contracts.Message](client,
			store.WithPrefix(prefix+"cache:"+ic.name()+":"),
			store.WithRedisTTL(s.TTL),
		), nil
	}
	maxEntries := s.MaxEntries
	if maxEntries == 0 {
		maxEntries = DefaultCacheEntries
	}
	return store.NewMemoryStore[contracts.Message](
		store.WithTTL(s.TTL),
		store.WithSweepInterval(0),
		store.WithMaxEntries(maxEntries),
	), nil
}

// settle is DefaultSettle with the configured error types rejected
func (c *Config) settle() transport.SettleFunc {
	reject := make(map[contracts.ErrorType]bool, len(c.AMQP.RejectErrorTypes))
	for _, t := range c.AMQP.RejectErrorTypes {
		reject[contracts.ParseErrorType(t)] = true
	}
	return func(err error) transport.Settlement {
		if err != nil && reject[interceptors.TypeOf(err)] {
			return transport.Reject
		}
		return transport.DefaultSettle(err)
	}
}

func (ic InterceptorConfig) factoryOptions() []interceptors.FactoryOption {
	var options []interceptors.FactoryOption
	if len(ic.Include) > 0 {
		options = append(options, interceptors.Include(ic.Include...))
	}
	if len(ic.Exclude) > 0 {
		options = append(options, interceptors.Exclude(ic.Exclude...))
	}
	return options
}

func skipBehavior(s string) (interceptors.SkipBehavior, error) {
	switch strings.ToLower(s) {
	case "", "silent":
		return interceptors.SkipSilently, nil
	case "error":
		return interceptors.SkipWithError, nil
	case "log":
		return interceptors.SkipWithLog, nil
	default:
		return 0, fmt.Errorf("filtering: unknown onSkip %q", s)
	}
}

// NewRedisClient creates the client of the redis object store
func (c *Config) NewRedisClient() redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{c.Redis.Address},
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	})
}

// RedeliveryOptions returns the redelivery policy options. client is only
// used by the redis store.
func (c *Config) RedeliveryOptions(client redis.UniversalClient, expressions *expression.Manager, logger *slog.Logger) []redelivery.Option {
	r := c.Redelivery
	options := []redelivery.Option{
		redelivery.WithMaxRedeliveryCount(r.MaxRedeliveryCount),
		redelivery.WithCounterTTL(r.CounterTTL),
		redelivery.WithLogger(logger),
	}
	if r.UseSecureHash != nil {
		options = append(options, redelivery.WithSecureHash(*r.UseSecureHash))
	}
	if r.MessageDigestAlgorithm != "" {
		options = append(options, redelivery.WithMessageDigestAlgorithm(r.MessageDigestAlgorithm))
	}
	if r.IDExpression != "" {
		options = append(options, redelivery.WithIDExpression(r.IDExpression))
	}
	if expressions != nil {
		options = append(options, redelivery.WithExpressions(expressions))
	}
	if r.Store == "redis" && client != nil {
		options = append(options, redelivery.WithStore(store.NewRedisStore[redelivery.Counter](client,
			store.WithPrefix(c.Redis.Prefix+"redelivery:"),
			store.WithRedisTTL(r.CounterTTL),
		)))
	}
	return options
}

// ForkJoinOptions returns the fork-join router options
func (c *Config) ForkJoinOptions(expressions *expression.Manager, logger *slog.Logger) []routing.Option {
	f := c.ForkJoin
	options := []routing.Option{
		routing.WithMaxConcurrency(f.MaxConcurrency),
		routing.WithTimeout(f.Timeout),
		routing.WithLogger(logger),
	}
	if f.DelayErrors != nil {
		options = append(options, routing.WithDelayErrors(*f.DelayErrors))
	}
	if expressions != nil {
		options = append(options, routing.WithExpressions(expressions))
	}
	return options
}

// ConnectionOptions returns the broker connection manager options
func (c *Config) ConnectionOptions(logger *slog.Logger) []rabbitmq.ConnectionOption {
	return []rabbitmq.ConnectionOption{
		rabbitmq.WithReconnectDelay(c.AMQP.ReconnectDelay),
		rabbitmq.WithMaxRetries(c.AMQP.MaxRetries),
		rabbitmq.WithLogger(logger),
	}
}

// ListenerOptions returns the broker listener options
func (c *Config) ListenerOptions(logger *slog.Logger) []transport.ListenerOption {
	options := []transport.ListenerOption{
		transport.WithPrefetchCount(c.AMQP.PrefetchCount),
		transport.WithConcurrency(c.AMQP.Concurrency),
		transport.WithListenerLogger(logger),
	}
	if c.AMQP.DeclareQueue {
		options = append(options, transport.WithQueueDeclaration(nil))
	}
	if len(c.AMQP.RejectErrorTypes) > 0 {
		options = append(options, transport.WithSettle(c.settle()))
	}
	return options
}
