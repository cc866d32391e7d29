package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/glimte/procflow/contracts"
	"github.com/glimte/procflow/expression"
	"github.com/glimte/procflow/future"
	"github.com/glimte/procflow/params"
)

// EventFilter defines the interface for event filtering
type EventFilter interface {
	// ShouldProcess returns true if the event should reach the step
	ShouldProcess(ctx context.Context, event *contracts.Event) (bool, error)
}

// EventFilterFunc is a function adapter for EventFilter
type EventFilterFunc func(ctx context.Context, event *contracts.Event) (bool, error)

// ShouldProcess implements EventFilter
func (f EventFilterFunc) ShouldProcess(ctx context.Context, event *contracts.Event) (bool, error) {
	return f(ctx, event)
}

// SkipBehavior defines what happens when an event is filtered out
type SkipBehavior int

const (
	// SkipSilently skips the step without error
	SkipSilently SkipBehavior = iota
	// SkipWithError fails the invocation
	SkipWithError
	// SkipWithLog logs that the step was skipped
	SkipWithLog
)

// FilteringInterceptor skips the step when the filter rejects the event
type FilteringInterceptor struct {
	Base
	filter       EventFilter
	skipBehavior SkipBehavior
	logger       *slog.Logger
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter EventFilter, skipBehavior SkipBehavior, logger *slog.Logger) *FilteringInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilteringInterceptor{
		filter:       filter,
		skipBehavior: skipBehavior,
		logger:       logger,
	}
}

// Around implements Interceptor
func (i *FilteringInterceptor) Around(ctx context.Context, location contracts.Location, _ *params.View, event *InterceptionEvent, action *Action) *future.Future[*InterceptionEvent] {
	current := event.Event()
	shouldProcess, err := i.filter.ShouldProcess(ctx, current)
	if err != nil {
		return action.Fail(fmt.Errorf("filter error: %w", err))
	}
	if shouldProcess {
		return action.Proceed()
	}

	switch i.skipBehavior {
	case SkipWithError:
		return action.FailWithType(contracts.ErrorTypeFiltered, fmt.Sprintf("event filtered: id=%s", current.ID()))
	case SkipWithLog:
		i.logger.Info("event filtered, skipping step",
			"location", location.String(),
			"eventId", current.ID(),
			"correlationId", current.CorrelationID(),
		)
	}
	return action.Skip()
}

// CompositeFilter combines multiple filters with AND logic
type CompositeFilter struct {
	filters []EventFilter
}

// NewCompositeFilter creates a new composite filter
func NewCompositeFilter(filters ...EventFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements EventFilter - all filters must return true
func (f *CompositeFilter) ShouldProcess(ctx context.Context, event *contracts.Event) (bool, error) {
	for _, filter := range f.filters {
		shouldProcess, err := filter.ShouldProcess(ctx, event)
		if err != nil {
			return false, err
		}
		if !shouldProcess {
			return false, nil
		}
	}
	return true, nil
}

// OrFilter combines multiple filters with OR logic
type OrFilter struct {
	filters []EventFilter
}

// NewOrFilter creates a new OR filter
func NewOrFilter(filters ...EventFilter) *OrFilter {
	return &OrFilter{filters: filters}
}

// ShouldProcess implements EventFilter - at least one filter must return true
func (f *OrFilter) ShouldProcess(ctx context.Context, event *contracts.Event) (bool, error) {
	for _, filter := range f.filters {
		shouldProcess, err := filter.ShouldProcess(ctx, event)
		if err != nil {
			return false, err
		}
		if shouldProcess {
			return true, nil
		}
	}
	return false, nil
}

// MediaTypeFilter filters events by message media type
type MediaTypeFilter struct {
	allowed map[string]bool
}

// NewMediaTypeFilter creates a filter that only allows specific media types
func NewMediaTypeFilter(mediaTypes ...string) *MediaTypeFilter {
	allowed := make(map[string]bool)
	for _, t := range mediaTypes {
		allowed[t] = true
	}
	return &MediaTypeFilter{allowed: allowed}
}

// ShouldProcess implements EventFilter
func (f *MediaTypeFilter) ShouldProcess(_ context.Context, event *contracts.Event) (bool, error) {
	return f.allowed[event.Message().MediaType], nil
}

// ExpressionFilter accepts events for which a boolean #[...] expression holds
type ExpressionFilter struct {
	expressions *expression.Manager
	expr        string
}

// NewExpressionFilter creates a filter from a boolean expression, validating it
func NewExpressionFilter(expressions *expression.Manager, expr string) (*ExpressionFilter, error) {
	if err := expressions.Validate(expr); err != nil {
		return nil, err
	}
	return &ExpressionFilter{expressions: expressions, expr: expr}, nil
}

// ShouldProcess implements EventFilter
func (f *ExpressionFilter) ShouldProcess(ctx context.Context, event *contracts.Event) (bool, error) {
	return f.expressions.EvaluateBool(ctx, f.expr, event)
}

// VariableFilter accepts events whose flow variable equals an expected value
type VariableFilter struct {
	name     string
	expected interface{}
}

// NewVariableFilter creates a filter that checks a flow variable
func NewVariableFilter(name string, expected interface{}) *VariableFilter {
	return &VariableFilter{name: name, expected: expected}
}

// ShouldProcess implements EventFilter
func (f *VariableFilter) ShouldProcess(_ context.Context, event *contracts.Event) (bool, error) {
	value, exists := event.Variable(f.name)
	if !exists {
		return false, nil
	}
	return reflect.DeepEqual(value, f.expected), nil
}
