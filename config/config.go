// Package config loads the YAML configuration of a procflow process and
// builds the interceptor manager, logger and component options it describes.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes the environment variables overriding the file
const EnvPrefix = "PROCFLOW_"

// DefaultCacheEntries bounds a memory cache declared without maxEntries
const DefaultCacheEntries = 10000

// Interceptor kinds
const (
	KindLogging        = "logging"
	KindMetrics        = "metrics"
	KindTracing        = "tracing"
	KindRateLimit      = "rateLimit"
	KindCircuitBreaker = "circuitBreaker"
	KindFiltering      = "filtering"
	KindShortCircuit   = "shortCircuit"
	KindCaching        = "caching"
)

// Config is the process configuration
type Config struct {
	Logging      LoggingConfig       `yaml:"logging"`
	Schedulers   SchedulerConfig     `yaml:"schedulers"`
	Expressions  ExpressionConfig    `yaml:"expressions"`
	Metrics      MetricsConfig       `yaml:"metrics"`
	Tracing      TracingConfig       `yaml:"tracing"`
	Interceptors []InterceptorConfig `yaml:"interceptors"`
	Redelivery   RedeliveryConfig    `yaml:"redelivery"`
	ForkJoin     ForkJoinConfig      `yaml:"forkJoin"`
	Redis        RedisConfig         `yaml:"redis"`
	AMQP         AMQPConfig          `yaml:"amqp"`
}

// LoggingConfig configures the process logger
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SchedulerConfig sizes the IO scheduler blocking steps are moved to
type SchedulerConfig struct {
	IOWorkers   int `yaml:"ioWorkers"`
	IOQueueSize int `yaml:"ioQueueSize"`
}

// ExpressionConfig configures expression evaluation
type ExpressionConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// MetricsConfig configures the prometheus endpoint
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Address   string `yaml:"address"`
}

// TracingConfig configures span export. Disabled tracing uses a no-op provider.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"serviceName"`
}

// InterceptorConfig declares one interceptor. Interceptors run in
// declaration order.
type InterceptorConfig struct {
	Kind     string              `yaml:"kind"`
	Name     string              `yaml:"name"`
	Include  []string            `yaml:"include"`
	Exclude  []string            `yaml:"exclude"`
	Settings InterceptorSettings `yaml:"settings"`
}

// InterceptorSettings holds the settings of every kind; each kind reads its own
type InterceptorSettings struct {
	// rateLimit
	Limit float64 `yaml:"limit"`
	Burst int     `yaml:"burst"`
	Wait  bool    `yaml:"wait"`

	// circuitBreaker
	FailureThreshold int           `yaml:"failureThreshold"`
	SuccessThreshold int           `yaml:"successThreshold"`
	Timeout          time.Duration `yaml:"timeout"`

	// filtering, shortCircuit
	Expression string `yaml:"expression"`
	OnSkip     string `yaml:"onSkip"`
	Reason     string `yaml:"reason"`

	// caching
	Key        string        `yaml:"key"`
	TTL        time.Duration `yaml:"ttl"`
	Store      string        `yaml:"store"`
	MaxEntries int           `yaml:"maxEntries"`
}

// RedeliveryConfig configures the redelivery policy
type RedeliveryConfig struct {
	Enabled                bool          `yaml:"enabled"`
	MaxRedeliveryCount     int           `yaml:"maxRedeliveryCount"`
	UseSecureHash          *bool         `yaml:"useSecureHash"`
	MessageDigestAlgorithm string        `yaml:"messageDigestAlgorithm"`
	IDExpression           string        `yaml:"idExpression"`
	Store                  string        `yaml:"store"`
	CounterTTL             time.Duration `yaml:"counterTtl"`
}

// ForkJoinConfig configures fork-join routers
type ForkJoinConfig struct {
	MaxConcurrency int           `yaml:"maxConcurrency"`
	Timeout        time.Duration `yaml:"timeout"`
	DelayErrors    *bool         `yaml:"delayErrors"`
}

// RedisConfig configures the redis object store
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// AMQPConfig configures the broker transport. An empty URL disables it.
type AMQPConfig struct {
	URL               string        `yaml:"url"`
	Queue             string        `yaml:"queue"`
	DeclareQueue      bool          `yaml:"declareQueue"`
	PrefetchCount     int           `yaml:"prefetchCount"`
	Concurrency       int           `yaml:"concurrency"`
	PublishExchange   string        `yaml:"publishExchange"`
	PublishRoutingKey string        `yaml:"publishRoutingKey"`
	ReconnectDelay    time.Duration `yaml:"reconnectDelay"`
	MaxRetries        int           `yaml:"maxRetries"`
	// failures classified as one of these ("NAMESPACE:IDENTIFIER") are
	// rejected instead of requeued
	RejectErrorTypes []string `yaml:"rejectErrorTypes"`
}

// Default returns the configuration used for anything a file leaves out
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Schedulers: SchedulerConfig{
			IOWorkers:   8,
			IOQueueSize: 256,
		},
		Expressions: ExpressionConfig{
			Timeout: time.Second,
		},
		Metrics: MetricsConfig{
			Namespace: "procflow",
			Address:   ":9090",
		},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4317",
			ServiceName: "procflow",
		},
		Redelivery: RedeliveryConfig{
			MaxRedeliveryCount: 5,
			Store:              "memory",
			CounterTTL:         5 * time.Minute,
		},
		ForkJoin: ForkJoinConfig{
			Timeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			Address: "localhost:6379",
			Prefix:  "procflow:",
		},
		AMQP: AMQPConfig{
			PrefetchCount:  10,
			Concurrency:    1,
			ReconnectDelay: 5 * time.Second,
			MaxRetries:     -1,
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults, applies environment overrides and
// validates the result
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from PROCFLOW_* variables found by lookup
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	boolean("METRICS_ENABLED", &c.Metrics.Enabled)
	str("METRICS_ADDRESS", &c.Metrics.Address)
	boolean("TRACING_ENABLED", &c.Tracing.Enabled)
	str("OTLP_ENDPOINT", &c.Tracing.Endpoint)
	boolean("REDELIVERY_ENABLED", &c.Redelivery.Enabled)
	integer("REDELIVERY_MAX", &c.Redelivery.MaxRedeliveryCount)
	str("REDELIVERY_STORE", &c.Redelivery.Store)
	str("REDIS_ADDRESS", &c.Redis.Address)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("AMQP_URL", &c.AMQP.URL)
	str("AMQP_QUEUE", &c.AMQP.Queue)
	integer("AMQP_CONCURRENCY", &c.AMQP.Concurrency)

	return errors.Join(errs...)
}

// Validate reports every invalid setting
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("tracing.endpoint: required when tracing is enabled"))
	}
	if c.Schedulers.IOWorkers < 1 {
		errs = append(errs, errors.New("schedulers.ioWorkers: must be at least 1"))
	}

	seen := make(map[string]bool)
	for i, ic := range c.Interceptors {
		if err := ic.validate(); err != nil {
			errs = append(errs, fmt.Errorf("interceptors[%d]: %w", i, err))
		}
		name := ic.name()
		if seen[name] {
			errs = append(errs, fmt.Errorf("interceptors[%d]: duplicate name %q", i, name))
		}
		seen[name] = true
		if ic.Kind == KindCaching && ic.Settings.Store == "redis" && c.Redis.Address == "" {
			errs = append(errs, fmt.Errorf("interceptors[%d]: redis.address required by the redis cache store", i))
		}
	}

	if c.Redelivery.MaxRedeliveryCount < 0 {
		errs = append(errs, errors.New("redelivery.maxRedeliveryCount: must not be negative"))
	}
	switch c.Redelivery.Store {
	case "memory":
	case "redis":
		if c.Redis.Address == "" {
			errs = append(errs, errors.New("redis.address: required by the redis redelivery store"))
		}
	default:
		errs = append(errs, fmt.Errorf("redelivery.store: unknown store %q", c.Redelivery.Store))
	}
	if c.ForkJoin.MaxConcurrency < 0 {
		errs = append(errs, errors.New("forkJoin.maxConcurrency: must not be negative"))
	}
	if c.AMQP.URL != "" && c.AMQP.Queue == "" {
		errs = append(errs, errors.New("amqp.queue: required when amqp.url is set"))
	}
	for i, t := range c.AMQP.RejectErrorTypes {
		if strings.TrimSpace(t) == "" || strings.HasSuffix(t, ":") {
			errs = append(errs, fmt.Errorf("amqp.rejectErrorTypes[%d]: identifier required", i))
		}
	}

	return errors.Join(errs...)
}

func (ic InterceptorConfig) name() string {
	if ic.Name != "" {
		return ic.Name
	}
	return ic.Kind
}

func (ic InterceptorConfig) validate() error {
	s := ic.Settings
	switch ic.Kind {
	case KindLogging, KindMetrics, KindTracing:
	case KindRateLimit:
		if s.Limit < 0 || s.Burst < 0 {
			return errors.New("rateLimit: limit and burst must not be negative")
		}
	case KindCircuitBreaker:
		if s.FailureThreshold < 0 || s.SuccessThreshold < 0 {
			return errors.New("circuitBreaker: thresholds must not be negative")
		}
	case KindFiltering:
		if s.Expression == "" {
			return errors.New("filtering: expression required")
		}
		if _, err := skipBehavior(s.OnSkip); err != nil {
			return err
		}
	case KindShortCircuit:
		if s.Expression == "" {
			return errors.New("shortCircuit: expression required")
		}
	case KindCaching:
		switch s.Store {
		case "", "memory", "redis":
		default:
			return fmt.Errorf("caching: unknown store %q", s.Store)
		}
		if s.TTL < 0 || s.MaxEntries < 0 {
			return errors.New("caching: ttl and maxEntries must not be negative")
		}
	case "":
		return errors.New("kind required")
	default:
		return fmt.Errorf("unknown kind %q", ic.Kind)
	}
	return nil
}

// CachingUsesRedis reports whether a caching interceptor stores in redis
func (c *Config) CachingUsesRedis() bool {
	for _, ic := range c.Interceptors {
		if ic.Kind == KindCaching && ic.Settings.Store == "redis" {
			return true
		}
	}
	return false
}
