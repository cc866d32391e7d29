// Package redelivery implements the idempotent redelivery policy, which fails
// messages that keep failing, and the idempotent message validator, which
// rejects messages already seen.
package redelivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/glimte/procflow/contracts"
	"github.com/glimte/procflow/expression"
	"github.com/glimte/procflow/future"
	"github.com/glimte/procflow/interceptors"
	"github.com/glimte/procflow/internal/reliability"
	"github.com/glimte/procflow/store"
)

const (
	// DefaultMaxRedeliveryCount is the failures allowed before a message is rejected
	DefaultMaxRedeliveryCount = 5
	// DefaultCounterTTL expires counters of messages not seen again
	DefaultCounterTTL = 5 * time.Minute

	counterSweepInterval = 6 * time.Second
)

// Counter is the failure history of one message identity
type Counter struct {
	Count    int             `json:"count"`
	Failures []FailureRecord `json:"failures,omitempty"`
}

// Config configures a Policy
type Config struct {
	MaxRedeliveryCount     int
	UseSecureHash          bool
	MessageDigestAlgorithm string
	IDExpression           string
	CounterTTL             time.Duration
	Store                  store.Store[Counter]
	Expressions            *expression.Manager
	Locks                  *reliability.KeyedLock
	Logger                 *slog.Logger
}

// Option configures a Policy
type Option func(*Config)

// WithMaxRedeliveryCount sets the failures allowed before a message is rejected
func WithMaxRedeliveryCount(n int) Option {
	return func(c *Config) {
		c.MaxRedeliveryCount = n
	}
}

// WithSecureHash identifies messages by a hash of their payload
func WithSecureHash(enabled bool) Option {
	return func(c *Config) {
		c.UseSecureHash = enabled
	}
}

// WithMessageDigestAlgorithm sets the hash algorithm: SHA-256, SHA-1, SHA-512 or MD5
func WithMessageDigestAlgorithm(algorithm string) Option {
	return func(c *Config) {
		c.MessageDigestAlgorithm = algorithm
	}
}

// WithIDExpression identifies messages by an expression
func WithIDExpression(expr string) Option {
	return func(c *Config) {
		c.IDExpression = expr
	}
}

// WithCounterTTL sets the expiry of counters kept by the default store
func WithCounterTTL(ttl time.Duration) Option {
	return func(c *Config) {
		c.CounterTTL = ttl
	}
}

// WithStore sets the counter store. The policy does not close a store it was given.
func WithStore(s store.Store[Counter]) Option {
	return func(c *Config) {
		c.Store = s
	}
}

// WithExpressions sets the expression manager
func WithExpressions(m *expression.Manager) Option {
	return func(c *Config) {
		c.Expressions = m
	}
}

// WithLocks shares a keyed lock between policies
func WithLocks(l *reliability.KeyedLock) Option {
	return func(c *Config) {
		c.Locks = l
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// Policy runs a nested processor while counting the failures of each message
// identity. A message whose count exceeds the maximum is rejected with
// *RedeliveryExhaustedError without running the processor. Deliveries of the
// same identity are serialized.
type Policy struct {
	location   contracts.Location
	nested     contracts.Processor
	config     Config
	identifier identifier
	lockPrefix string
	ownedStore io.Closer
	logger     *slog.Logger
}

// New creates a redelivery policy at location around nested
func New(location contracts.Location, nested contracts.Processor, options ...Option) (*Policy, error) {
	if nested == nil {
		return nil, fmt.Errorf("redelivery %s: nil processor", location)
	}

	config := Config{
		MaxRedeliveryCount: DefaultMaxRedeliveryCount,
		UseSecureHash:      true,
		CounterTTL:         DefaultCounterTTL,
	}
	for _, opt := range options {
		opt(&config)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("policy", location.String())

	p := &Policy{
		location:   location,
		nested:     nested,
		lockPrefix: location.Root() + "-idr",
		logger:     logger,
	}

	if config.UseSecureHash && config.IDExpression != "" {
		config.UseSecureHash = false
		logger.Warn("disabling secure hash since an id expression has been configured",
			"idExpression", config.IDExpression)
	}
	switch {
	case !config.UseSecureHash && config.MessageDigestAlgorithm != "":
		return nil, fmt.Errorf("redelivery %s: the message digest algorithm %q was specified when a secure hash will not be used",
			location, config.MessageDigestAlgorithm)
	case !config.UseSecureHash && config.IDExpression == "":
		return nil, fmt.Errorf("redelivery %s: %w", location, ErrNoIdentity)
	case config.UseSecureHash:
		if config.MessageDigestAlgorithm == "" {
			config.MessageDigestAlgorithm = DefaultDigestAlgorithm
		}
		newHash, err := digestFor(config.MessageDigestAlgorithm)
		if err != nil {
			return nil, fmt.Errorf("redelivery %s: %w", location, err)
		}
		p.identifier = hashIdentifier{newHash: newHash}
	default:
		if config.Expressions == nil {
			m, err := expression.NewManager()
			if err != nil {
				return nil, err
			}
			config.Expressions = m
		}
		if expression.IsExpression(config.IDExpression) {
			if err := config.Expressions.Validate(config.IDExpression); err != nil {
				return nil, fmt.Errorf("redelivery %s: id expression: %w", location, err)
			}
		}
		p.identifier = expressionIdentifier{expressions: config.Expressions, expr: config.IDExpression}
	}

	if config.Store == nil {
		s := store.NewMemoryStore[Counter](
			store.WithTTL(config.CounterTTL),
			store.WithSweepInterval(counterSweepInterval),
		)
		config.Store = s
		p.ownedStore = s
	}
	if config.Locks == nil {
		config.Locks = reliability.NewKeyedLock()
	}

	p.config = config
	return p, nil
}

// Location implements contracts.Component
func (p *Policy) Location() contracts.Location {
	return p.location
}

// ProcessingType is blocking: the identity lock is held while the nested
// processor runs
func (p *Policy) ProcessingType() contracts.ProcessingType {
	return contracts.ProcessingBlocking
}

// MessageID returns the identity of event
func (p *Policy) MessageID(ctx context.Context, event *contracts.Event) (string, error) {
	return p.identifier.id(ctx, event)
}

// Counter returns the failure history of a message identity
func (p *Policy) Counter(ctx context.Context, messageID string) (*Counter, error) {
	return p.findCounter(ctx, messageID)
}

// Close closes the counter store when the policy created it
func (p *Policy) Close() error {
	if p.ownedStore == nil {
		return nil
	}
	return p.ownedStore.Close()
}

// Process implements contracts.Processor
func (p *Policy) Process(ctx context.Context, event *contracts.Event) (*contracts.Event, error) {
	messageID, err := p.MessageID(ctx, event)
	if err != nil {
		var exprErr *expression.Error
		if errors.As(err, &exprErr) {
			p.logger.Warn("failed to evaluate message id", "error", err)
			return nil, err
		}
		return nil, &RedeliveryExhaustedError{Max: p.config.MaxRedeliveryCount, Cause: err}
	}
	if messageID == "" {
		return nil, ErrBlankMessageID
	}

	unlock, err := p.config.Locks.Lock(ctx, p.lockPrefix+"-"+messageID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	counter, err := p.findCounter(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if counter != nil && counter.Count > p.config.MaxRedeliveryCount {
		p.logger.Warn("redelivery exhausted",
			"messageId", messageID,
			"count", counter.Count,
			"correlationId", event.CorrelationID(),
		)
		return nil, &RedeliveryExhaustedError{
			MessageID: messageID,
			Count:     counter.Count,
			Max:       p.config.MaxRedeliveryCount,
			Failures:  counter.Failures,
		}
	}

	out, processErr := p.processNested(ctx, event)
	if processErr != nil {
		if err := p.incrementCounter(ctx, messageID, counter, processErr); err != nil {
			p.logger.Error("failed to update redelivery counter", "messageId", messageID, "error", err)
		}
		return nil, processErr
	}

	if counter != nil {
		if err := p.config.Store.Remove(ctx, messageID); err != nil {
			p.logger.Error("failed to reset redelivery counter", "messageId", messageID, "error", err)
		}
	}
	return out, nil
}

func (p *Policy) processNested(ctx context.Context, event *contracts.Event) (out *contracts.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, future.AsError(r)
		}
	}()
	out, err = p.nested.Process(ctx, event)
	if err == nil && out == nil {
		out = event
	}
	return out, err
}

func (p *Policy) findCounter(ctx context.Context, messageID string) (*Counter, error) {
	counter, err := p.config.Store.Retrieve(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("retrieve redelivery counter: %w", err)
	}
	return &counter, nil
}

func (p *Policy) incrementCounter(ctx context.Context, messageID string, counter *Counter, cause error) error {
	next := Counter{}
	if counter != nil {
		next.Count = counter.Count
		next.Failures = append(next.Failures, counter.Failures...)
	}
	next.Count++
	next.Failures = append(next.Failures, failureRecord(cause))
	return p.config.Store.Store(ctx, messageID, next)
}

func failureRecord(err error) FailureRecord {
	record := FailureRecord{
		Type:     interceptors.TypeOf(err).String(),
		Message:  err.Error(),
		Occurred: time.Now().UTC(),
	}
	var pe *interceptors.PipelineError
	if errors.As(err, &pe) {
		record.Component = pe.Component.String()
	}
	return record
}
