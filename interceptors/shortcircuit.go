package interceptors

import (
	"context"
	"errors"

	"github.com/glimte/procflow/contracts"
	"github.com/glimte/procflow/expression"
	"github.com/glimte/procflow/future"
	"github.com/glimte/procflow/params"
	"github.com/glimte/procflow/store"
)

// ShortCircuitResult replaces the message when the step is short-circuited
type ShortCircuitResult struct {
	Message *contracts.Message
	Reason  string
}

// ShortCircuitEvaluator determines if the step should be bypassed
type ShortCircuitEvaluator interface {
	ShouldShortCircuit(ctx context.Context, event *contracts.Event) (bool, *ShortCircuitResult, error)
}

// ShortCircuitEvaluatorFunc is a function adapter for ShortCircuitEvaluator
type ShortCircuitEvaluatorFunc func(ctx context.Context, event *contracts.Event) (bool, *ShortCircuitResult, error)

// ShouldShortCircuit implements ShortCircuitEvaluator
func (f ShortCircuitEvaluatorFunc) ShouldShortCircuit(ctx context.Context, event *contracts.Event) (bool, *ShortCircuitResult, error) {
	return f(ctx, event)
}

// ExpressionShortCircuit bypasses the step when a boolean #[...] expression
// holds, leaving the message unchanged
type ExpressionShortCircuit struct {
	expressions *expression.Manager
	expr        string
	reason      string
}

// NewExpressionShortCircuit creates an evaluator from a boolean expression,
// validating it
func NewExpressionShortCircuit(expressions *expression.Manager, expr, reason string) (*ExpressionShortCircuit, error) {
	if err := expressions.Validate(expr); err != nil {
		return nil, err
	}
	return &ExpressionShortCircuit{expressions: expressions, expr: expr, reason: reason}, nil
}

// ShouldShortCircuit implements ShortCircuitEvaluator
func (s *ExpressionShortCircuit) ShouldShortCircuit(ctx context.Context, event *contracts.Event) (bool, *ShortCircuitResult, error) {
	matched, err := s.expressions.EvaluateBool(ctx, s.expr, event)
	if err != nil || !matched {
		return false, nil, err
	}
	return true, &ShortCircuitResult{Reason: s.reason}, nil
}

// ShortCircuitInterceptor skips the inner levels and the step when the
// evaluator answers in their place
type ShortCircuitInterceptor struct {
	Base
	evaluator ShortCircuitEvaluator
}

// NewShortCircuitInterceptor creates a new short-circuit interceptor
func NewShortCircuitInterceptor(evaluator ShortCircuitEvaluator) *ShortCircuitInterceptor {
	return &ShortCircuitInterceptor{evaluator: evaluator}
}

// Around implements Interceptor
func (i *ShortCircuitInterceptor) Around(ctx context.Context, _ contracts.Location, _ *params.View, event *InterceptionEvent, action *Action) *future.Future[*InterceptionEvent] {
	shouldShortCircuit, result, err := i.evaluator.ShouldShortCircuit(ctx, event.Event())
	if err != nil {
		return action.Fail(err)
	}
	if !shouldShortCircuit {
		return action.Proceed()
	}
	if result != nil && result.Message != nil {
		event.SetMessage(*result.Message)
	}
	return action.Skip()
}

// KeyFunc computes a cache key for an event
type KeyFunc func(ctx context.Context, event *contracts.Event) (string, error)

// CorrelationKey keys by correlation ID
func CorrelationKey(_ context.Context, event *contracts.Event) (string, error) {
	return event.CorrelationID(), nil
}

// ExpressionKey keys by the string value of a #[...] expression
func ExpressionKey(expressions *expression.Manager, expr string) (KeyFunc, error) {
	if err := expressions.Validate(expr); err != nil {
		return nil, err
	}
	return func(ctx context.Context, event *contracts.Event) (string, error) {
		return expressions.EvaluateString(ctx, expr, event)
	}, nil
}

// CachingInterceptor answers from a message store on a hit and stores the
// step's output message on a miss
type CachingInterceptor struct {
	Base
	cache store.Store[contracts.Message]
	key   KeyFunc
}

// NewCachingInterceptor creates a new caching interceptor. A nil key function
// keys by correlation ID.
func NewCachingInterceptor(cache store.Store[contracts.Message], key KeyFunc) *CachingInterceptor {
	if key == nil {
		key = CorrelationKey
	}
	return &CachingInterceptor{cache: cache, key: key}
}

// Around implements Interceptor
func (i *CachingInterceptor) Around(ctx context.Context, _ contracts.Location, _ *params.View, event *InterceptionEvent, action *Action) *future.Future[*InterceptionEvent] {
	key, err := i.key(ctx, event.Event())
	if err != nil {
		return action.Fail(err)
	}

	cached, err := i.cache.Retrieve(ctx, key)
	switch {
	case err == nil:
		event.SetMessage(cached)
		return action.Skip()
	case !errors.Is(err, store.ErrNotFound):
		return action.Fail(err)
	}

	return future.Then(action.Proceed(), func(ie *InterceptionEvent) (*InterceptionEvent, error) {
		if err := i.cache.Store(ctx, key, ie.Message()); err != nil {
			return nil, err
		}
		return ie, nil
	})
}
