package redelivery

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/glimte/procflow/contracts"
	"github.com/glimte/procflow/expression"
	"github.com/glimte/procflow/internal/reliability"
	"github.com/glimte/procflow/store"
)

// DefaultValidatorExpression identifies messages by correlation ID
const DefaultValidatorExpression = "#[correlationId]"

// ValidatorOption configures a Validator
type ValidatorOption func(*Validator)

// WithValidatorIDExpression sets the expression computing the message identity
func WithValidatorIDExpression(expr string) ValidatorOption {
	return func(v *Validator) {
		v.idExpression = expr
	}
}

// WithValueExpression sets the expression computing the stored value
func WithValueExpression(expr string) ValidatorOption {
	return func(v *Validator) {
		v.valueExpression = expr
	}
}

// WithIDStore sets the store of seen identities. The validator does not
// close a store it was given.
func WithIDStore(s store.Store[string]) ValidatorOption {
	return func(v *Validator) {
		v.store = s
	}
}

// WithValidatorExpressions sets the expression manager
func WithValidatorExpressions(m *expression.Manager) ValidatorOption {
	return func(v *Validator) {
		v.expressions = m
	}
}

// WithValidatorLogger sets the logger
func WithValidatorLogger(logger *slog.Logger) ValidatorOption {
	return func(v *Validator) {
		v.logger = logger
	}
}

// Validator passes each message identity once and rejects later deliveries
// with *DuplicateMessageError
type Validator struct {
	location        contracts.Location
	idExpression    string
	valueExpression string
	store           store.Store[string]
	ownedStore      io.Closer
	expressions     *expression.Manager
	locks           *reliability.KeyedLock
	logger          *slog.Logger
}

// NewValidator creates an idempotent message validator at location
func NewValidator(location contracts.Location, options ...ValidatorOption) (*Validator, error) {
	v := &Validator{
		location:        location,
		idExpression:    DefaultValidatorExpression,
		valueExpression: DefaultValidatorExpression,
		locks:           reliability.NewKeyedLock(),
	}
	for _, opt := range options {
		opt(v)
	}

	if v.expressions == nil {
		m, err := expression.NewManager()
		if err != nil {
			return nil, err
		}
		v.expressions = m
	}
	for _, expr := range []string{v.idExpression, v.valueExpression} {
		if !expression.IsExpression(expr) {
			continue
		}
		if err := v.expressions.Validate(expr); err != nil {
			return nil, fmt.Errorf("idempotent validator %s: %w", location, err)
		}
	}

	if v.store == nil {
		s := store.NewMemoryStore[string](
			store.WithTTL(DefaultCounterTTL),
			store.WithSweepInterval(counterSweepInterval),
		)
		v.store = s
		v.ownedStore = s
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	v.logger = v.logger.With("validator", location.String())
	return v, nil
}

// Location implements contracts.Component
func (v *Validator) Location() contracts.Location {
	return v.location
}

// ProcessingType implements contracts.Step
func (v *Validator) ProcessingType() contracts.ProcessingType {
	return contracts.ProcessingCPULite
}

// Close closes the id store when the validator created it
func (v *Validator) Close() error {
	if v.ownedStore == nil {
		return nil
	}
	return v.ownedStore.Close()
}

// Process implements contracts.Processor
func (v *Validator) Process(ctx context.Context, event *contracts.Event) (*contracts.Event, error) {
	id, err := v.expressions.EvaluateString(ctx, v.idExpression, event)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, ErrBlankMessageID
	}
	value, err := v.expressions.EvaluateString(ctx, v.valueExpression, event)
	if err != nil {
		return nil, err
	}

	unlock, err := v.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	seen, err := v.store.Contains(ctx, id)
	if err != nil {
		v.logger.Warn("could not determine idempotency of message", "messageId", id, "error", err)
		return nil, fmt.Errorf("idempotent validator %s: %w", v.location, err)
	}
	if seen {
		return nil, &DuplicateMessageError{MessageID: id}
	}

	if err := v.store.Store(ctx, id, value); err != nil {
		return nil, fmt.Errorf("idempotent validator %s: %w", v.location, err)
	}
	return event, nil
}
