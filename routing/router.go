// Package routing implements the fork-join router: an event is split into
// routing pairs that run concurrently, and their results are joined back into
// one event.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/glimte/procflow/contracts"
	"github.com/glimte/procflow/expression"
	"github.com/glimte/procflow/future"
)

const (
	// DefaultCollection is the collection expression of a parallel foreach
	DefaultCollection = "#[payload]"
	// DefaultTargetValue stores the joined list in the target variable
	DefaultTargetValue = "#[payload]"
	// MessageTargetValue stores the joined message in the target variable
	MessageTargetValue = "#[message]"
)

// RoutingPair is an event and the route it is sent to
type RoutingPair struct {
	Route contracts.Processor
	Event *contracts.Event
}

// Config configures a Router
type Config struct {
	// MaxConcurrency bounds the routes running at once; <= 0 is unbounded
	MaxConcurrency int
	// Timeout bounds each route; 0 disables it
	Timeout time.Duration
	// DelayErrors lets every route finish before failing. When false the
	// first failure cancels the context of the remaining routes.
	DelayErrors bool
	// Target stores the joined result in this variable instead of the message
	Target string
	// TargetValue is evaluated against the joined event to compute the
	// target variable value
	TargetValue string
	// Collection is the expression a parallel foreach splits
	Collection  string
	Expressions *expression.Manager
	Logger      *slog.Logger
}

// Option configures a Router
type Option func(*Config)

// WithMaxConcurrency bounds the routes running at once
func WithMaxConcurrency(n int) Option {
	return func(c *Config) {
		c.MaxConcurrency = n
	}
}

// WithTimeout bounds each route
func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.Timeout = d
	}
}

// WithDelayErrors sets whether every route finishes before failing
func WithDelayErrors(delay bool) Option {
	return func(c *Config) {
		c.DelayErrors = delay
	}
}

// WithTarget stores the result in a variable
func WithTarget(name string) Option {
	return func(c *Config) {
		c.Target = name
	}
}

// WithTargetValue sets the expression computing the target variable value
func WithTargetValue(expr string) Option {
	return func(c *Config) {
		c.TargetValue = expr
	}
}

// WithCollection sets the collection expression of a parallel foreach
func WithCollection(expr string) Option {
	return func(c *Config) {
		c.Collection = expr
	}
}

// WithExpressions sets the expression manager
func WithExpressions(m *expression.Manager) Option {
	return func(c *Config) {
		c.Expressions = m
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

type pairsFunc func(ctx context.Context, event *contracts.Event) ([]RoutingPair, error)

// Router is a fork-join router
type Router struct {
	location contracts.Location
	config   Config
	logger   *slog.Logger
	pairs    pairsFunc
}

// NewScatterGather sends a copy of the event to every route
func NewScatterGather(location contracts.Location, routes []contracts.Processor, options ...Option) (*Router, error) {
	if len(routes) < 2 {
		return nil, ErrNotEnoughRoutes
	}
	for _, route := range routes {
		if route == nil {
			return nil, ErrNilRoute
		}
	}

	r, err := newRouter(location, options)
	if err != nil {
		return nil, err
	}
	r.pairs = func(_ context.Context, event *contracts.Event) ([]RoutingPair, error) {
		pairs := make([]RoutingPair, len(routes))
		for i, route := range routes {
			pairs[i] = RoutingPair{Route: route, Event: event.Child(event.Message())}
		}
		return pairs, nil
	}
	return r, nil
}

// NewParallelForEach evaluates the collection expression and sends every
// element to route
func NewParallelForEach(location contracts.Location, route contracts.Processor, options ...Option) (*Router, error) {
	if route == nil {
		return nil, ErrNilRoute
	}

	r, err := newRouter(location, options)
	if err != nil {
		return nil, err
	}
	if err := r.config.Expressions.Validate(r.config.Collection); err != nil {
		return nil, fmt.Errorf("fork-join %s: collection: %w", location, err)
	}

	r.pairs = func(ctx context.Context, event *contracts.Event) ([]RoutingPair, error) {
		items, err := r.collection(ctx, event)
		if err != nil {
			return nil, err
		}
		pairs := make([]RoutingPair, len(items))
		for i, item := range items {
			msg, ok := item.(contracts.Message)
			if !ok {
				msg = contracts.NewMessage(item)
			}
			pairs[i] = RoutingPair{Route: route, Event: event.Child(msg)}
		}
		return pairs, nil
	}
	return r, nil
}

func newRouter(location contracts.Location, options []Option) (*Router, error) {
	config := Config{
		DelayErrors: true,
		TargetValue: DefaultTargetValue,
		Collection:  DefaultCollection,
	}
	for _, opt := range options {
		opt(&config)
	}

	if config.Expressions == nil {
		m, err := expression.NewManager()
		if err != nil {
			return nil, err
		}
		config.Expressions = m
	}
	if config.Target != "" && config.TargetValue != MessageTargetValue {
		if err := config.Expressions.Validate(config.TargetValue); err != nil {
			return nil, fmt.Errorf("fork-join %s: target value: %w", location, err)
		}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Router{
		location: location,
		config:   config,
		logger:   logger.With("router", location.String()),
	}, nil
}

// Location implements contracts.Component
func (r *Router) Location() contracts.Location {
	return r.location
}

// ProcessingType implements contracts.Step
func (r *Router) ProcessingType() contracts.ProcessingType {
	return contracts.ProcessingCPULiteAsync
}

// RoutingPairs returns the routing pairs event is split into
func (r *Router) RoutingPairs(ctx context.Context, event *contracts.Event) ([]RoutingPair, error) {
	return r.pairs(ctx, event)
}

// ProcessAsync implements contracts.AsyncProcessor
func (r *Router) ProcessAsync(ctx context.Context, event *contracts.Event) *future.Future[*contracts.Event] {
	return future.Go(func() (*contracts.Event, error) {
		return r.Process(ctx, event)
	})
}

// Process implements contracts.Processor. It returns once every route has
// completed, failed or timed out.
func (r *Router) Process(ctx context.Context, event *contracts.Event) (*contracts.Event, error) {
	pairs, err := r.pairs(ctx, event)
	if err != nil {
		return nil, err
	}

	results := make([]*contracts.Event, len(pairs))
	failures := make(map[int]error)
	var mu sync.Mutex

	var g *errgroup.Group
	groupCtx := ctx
	if r.config.DelayErrors {
		g = &errgroup.Group{}
	} else {
		g, groupCtx = errgroup.WithContext(ctx)
	}
	if r.config.MaxConcurrency > 0 {
		g.SetLimit(r.config.MaxConcurrency)
	}

	for i, pair := range pairs {
		i, pair := i, pair
		g.Go(func() error {
			out, err := r.runRoute(groupCtx, i, pair)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[i] = err
				if r.config.DelayErrors {
					return nil
				}
				return err
			}
			results[i] = out
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) > 0 {
		composite := &CompositeRoutingError{
			Failures: failures,
			Results:  make(map[int]*contracts.Event),
		}
		for i, out := range results {
			if out != nil {
				composite.Results[i] = out
			}
		}
		r.logger.Warn("fork-join routes failed",
			"failed", len(failures),
			"routes", len(pairs),
			"correlationId", event.CorrelationID(),
		)
		return nil, composite
	}

	return r.join(ctx, event, results)
}

func (r *Router) runRoute(ctx context.Context, i int, pair RoutingPair) (*contracts.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	routeCtx := ctx
	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		routeCtx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	f := future.Go(func() (*contracts.Event, error) {
		out, err := pair.Route.Process(routeCtx, pair.Event)
		if err == nil && out == nil {
			out = pair.Event
		}
		return out, err
	})

	out, err := f.Await(routeCtx)
	if err != nil && errors.Is(routeCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, &TimeoutError{Route: i, Timeout: r.config.Timeout}
	}
	return out, err
}

// join collects the route messages in route order and merges the route
// variables into the result
func (r *Router) join(ctx context.Context, event *contracts.Event, results []*contracts.Event) (*contracts.Event, error) {
	messages := make([]contracts.Message, len(results))
	joined := event
	for i, out := range results {
		messages[i] = out.Message()
		for _, name := range out.VariableNames() {
			v, _ := out.Variable(name)
			joined = joined.WithVariable(name, v)
		}
	}

	if r.config.Target == "" {
		return joined.WithMessage(contracts.NewMessage(messages)), nil
	}

	result := joined.WithMessage(contracts.NewMessage(messages))
	var value interface{}
	switch r.config.TargetValue {
	case DefaultTargetValue:
		value = messages
	case MessageTargetValue:
		value = result.Message()
	default:
		v, err := r.config.Expressions.Evaluate(ctx, r.config.TargetValue, result)
		if err != nil {
			return nil, err
		}
		value = v
	}
	return joined.WithVariable(r.config.Target, value), nil
}

func (r *Router) collection(ctx context.Context, event *contracts.Event) ([]interface{}, error) {
	var v interface{}
	if r.config.Collection == DefaultCollection {
		v = event.Payload()
	} else {
		var err error
		v, err = r.config.Expressions.Evaluate(ctx, r.config.Collection, event)
		if err != nil {
			return nil, err
		}
	}

	switch items := v.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		return items, nil
	case []contracts.Message:
		out := make([]interface{}, len(items))
		for i, item := range items {
			out[i] = item
		}
		return out, nil
	case []string:
		out := make([]interface{}, len(items))
		for i, item := range items {
			out[i] = item
		}
		return out, nil
	case []byte:
		// raw content, not a collection
		return []interface{}{items}, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]interface{}, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, nil
	default:
		return []interface{}{v}, nil
	}
}
