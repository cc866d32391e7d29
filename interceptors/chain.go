package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/procflow/contracts"
	"github.com/glimte/procflow/expression"
	"github.com/glimte/procflow/future"
	"github.com/glimte/procflow/params"
	"github.com/glimte/procflow/scheduler"
)

// ChainConfig configures a Chain
type ChainConfig struct {
	Logger *slog.Logger
	// Resolver resolves the step parameters exposed to hooks
	Resolver params.Resolver
	// IOScheduler runs blocking and IO steps when set
	IOScheduler scheduler.Scheduler
}

// ChainOption configures a Chain
type ChainOption func(*ChainConfig)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ChainOption {
	return func(c *ChainConfig) {
		c.Logger = logger
	}
}

// WithExpressions resolves #[...] parameters with m
func WithExpressions(m *expression.Manager) ChainOption {
	return func(c *ChainConfig) {
		c.Resolver = params.ExpressionResolver{Expressions: m}
	}
}

// WithParameterResolver replaces the parameter resolver
func WithParameterResolver(r params.Resolver) ChainOption {
	return func(c *ChainConfig) {
		c.Resolver = r
	}
}

// WithIOScheduler dispatches blocking and IO steps to s
func WithIOScheduler(s scheduler.Scheduler) ChainOption {
	return func(c *ChainConfig) {
		c.IOScheduler = s
	}
}

// Chain wraps one step with the interceptors whose factories apply to its
// location. It implements contracts.Step itself.
type Chain struct {
	step         contracts.Step
	location     contracts.Location
	interceptors []Interceptor
	names        []string
	declared     map[string]string
	config       ChainConfig
	logger       *slog.Logger

	mu        sync.RWMutex
	callbacks []func(ctx context.Context, err error)
}

// NewChain builds the chain for step. Factories are asked once, in order,
// whether they apply to the step location.
func NewChain(step contracts.Step, factories []Factory, options ...ChainOption) (*Chain, error) {
	if step == nil {
		return nil, ErrNilStep
	}

	config := ChainConfig{}
	for _, opt := range options {
		opt(&config)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.Resolver == nil {
		config.Resolver = params.ExpressionResolver{}
	}

	c := &Chain{
		step:     step,
		location: step.Location(),
		config:   config,
		logger:   logger.With("location", step.Location().String()),
	}
	if p, ok := step.(contracts.Parameterized); ok {
		c.declared = p.Parameters()
	}

	for _, f := range factories {
		applies, err := factoryApplies(f, c.location)
		if err != nil {
			return nil, fmt.Errorf("interceptor factory %s: %w", f.Name(), err)
		}
		if !applies {
			continue
		}
		interceptor := f.Create()
		if interceptor == nil {
			continue
		}
		c.interceptors = append(c.interceptors, interceptor)
		c.names = append(c.names, f.Name())
	}

	return c, nil
}

func factoryApplies(f Factory, location contracts.Location) (applies bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = future.AsError(r)
		}
	}()
	return f.Applies(location), nil
}

// Location implements contracts.Step
func (c *Chain) Location() contracts.Location {
	return c.location
}

// ProcessingType implements contracts.Step
func (c *Chain) ProcessingType() contracts.ProcessingType {
	return c.step.ProcessingType()
}

// Parameters implements contracts.Parameterized
func (c *Chain) Parameters() map[string]string {
	out := make(map[string]string, len(c.declared))
	for k, v := range c.declared {
		out[k] = v
	}
	return out
}

// Step returns the wrapped step
func (c *Chain) Step() contracts.Step {
	return c.step
}

// Interceptors returns the names of the applied interceptor factories, in order
func (c *Chain) Interceptors() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// OnError registers a callback receiving every *PipelineError the chain returns
func (c *Chain) OnError(fn func(ctx context.Context, err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, fn)
}

// Process runs the invocation, waiting for asynchronous around hooks and the
// step. The after phase runs on the calling goroutine.
func (c *Chain) Process(ctx context.Context, event *contracts.Event) (*contracts.Event, error) {
	inv, top, err := c.begin(ctx, event)
	if err != nil {
		return nil, err
	}
	ie, err := top.Wait()
	return inv.finish(ctx, ie, err)
}

// ProcessAsync runs the invocation without blocking on asynchronous hooks or
// steps. When the around phase completes on another goroutine the after phase
// is submitted back to the scheduler found in ctx. When that scheduler
// rejects it, the after phase runs on the completing goroutine with no
// scheduler label.
func (c *Chain) ProcessAsync(ctx context.Context, event *contracts.Event) *future.Future[*contracts.Event] {
	inv, top, err := c.begin(ctx, event)
	if err != nil {
		return future.Failed[*contracts.Event](err)
	}
	if top.IsDone() {
		ie, err := top.Wait()
		return resolved(inv.finish(ctx, ie, err))
	}

	out := future.New[*contracts.Event]()
	origin := scheduler.FromContext(ctx)
	top.OnComplete(func(ie *InterceptionEvent, err error) {
		complete := func(ctx context.Context) {
			out.Resolve(inv.finish(ctx, ie, err))
		}
		if origin == nil {
			complete(ctx)
			return
		}
		if serr := origin.Submit(ctx, complete); serr != nil {
			c.logger.Warn("could not return to scheduler, completing on current goroutine",
				"scheduler", origin.Name(),
				"error", serr,
			)
			complete(scheduler.WithoutScheduler(ctx))
		}
	})
	return out
}

func resolved(event *contracts.Event, err error) *future.Future[*contracts.Event] {
	if err != nil {
		return future.Failed[*contracts.Event](err)
	}
	return future.Completed(event)
}

// invocation is the state of one pass through the chain
type invocation struct {
	chain   *Chain
	event   *InterceptionEvent
	params  *params.View
	entered int
}

// begin runs the before phase and starts the around phase
func (c *Chain) begin(ctx context.Context, event *contracts.Event) (*invocation, *future.Future[*InterceptionEvent], error) {
	ie := NewInterceptionEvent(event)
	inv := &invocation{
		chain: c,
		event: ie,
	}
	inv.params = params.New(ctx, c.declared, ie,
		params.WithResolver(c.config.Resolver),
		params.WithLogger(c.logger),
	)

	for i := range c.interceptors {
		inv.entered = i + 1
		if err := inv.before(ctx, i); err != nil {
			c.logger.Debug("before hook failed",
				"interceptor", c.names[i],
				"error", err,
			)
			_, err = inv.finish(ctx, nil, err)
			return nil, nil, err
		}
	}

	return inv, inv.around(ctx, 0), nil
}

func (inv *invocation) before(ctx context.Context, i int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = future.AsError(r)
		}
	}()
	c := inv.chain
	return c.interceptors[i].Before(ctx, c.location, inv.params, inv.event)
}

// around returns the continuation of level i; the level past the last
// interceptor is the step
func (inv *invocation) around(ctx context.Context, i int) *future.Future[*InterceptionEvent] {
	c := inv.chain
	if i == len(c.interceptors) {
		return inv.invokeStep(ctx)
	}

	action := newAction(ctx, inv.event, func(ctx context.Context) *future.Future[*InterceptionEvent] {
		return inv.around(ctx, i+1)
	})
	f, err := inv.callAround(ctx, i, action)
	if err != nil {
		c.logger.Debug("around hook failed",
			"interceptor", c.names[i],
			"error", err,
		)
		return future.Failed[*InterceptionEvent](err)
	}
	return f
}

func (inv *invocation) callAround(ctx context.Context, i int, action *Action) (f *future.Future[*InterceptionEvent], err error) {
	defer func() {
		if r := recover(); r != nil {
			f, err = nil, future.AsError(r)
		}
	}()
	c := inv.chain
	f = c.interceptors[i].Around(ctx, c.location, inv.params, inv.event, action)
	if f == nil {
		return nil, ErrNilAroundFuture
	}
	return f, nil
}

func (inv *invocation) invokeStep(ctx context.Context) *future.Future[*InterceptionEvent] {
	c := inv.chain
	event := inv.event.Event()

	var result *future.Future[*contracts.Event]
	ioScheduler := c.config.IOScheduler
	if ioScheduler != nil && c.step.ProcessingType().IsBlocking() && scheduler.FromContext(ctx) != ioScheduler {
		result = future.Compose(
			scheduler.Run(ctx, ioScheduler, func(ctx context.Context) (*future.Future[*contracts.Event], error) {
				return contracts.Invoke(ctx, c.step, event), nil
			}),
			func(f *future.Future[*contracts.Event]) *future.Future[*contracts.Event] { return f },
		)
	} else {
		result = contracts.Invoke(ctx, c.step, event)
	}

	return future.Then(result, func(out *contracts.Event) (*InterceptionEvent, error) {
		inv.event.SetEvent(out)
		return inv.event, nil
	})
}

// finish runs the after phase for every entered interceptor, innermost
// first, disposes the parameters and normalizes the outcome
func (inv *invocation) finish(ctx context.Context, result *InterceptionEvent, err error) (*contracts.Event, error) {
	c := inv.chain
	if result != nil && result != inv.event {
		inv.event.SetEvent(result.Event())
	}

	cause := unhandledCallback(err)
	for i := inv.entered - 1; i >= 0; i-- {
		if afterErr := inv.after(ctx, i, cause); afterErr != nil {
			c.logger.Debug("after hook failed",
				"interceptor", c.names[i],
				"error", afterErr,
			)
			cause = unhandledCallback(afterErr)
		}
	}

	if err := inv.params.Dispose(); err != nil {
		c.logger.Warn("failed to dispose parameters", "error", err)
	}

	if cause == nil {
		return inv.event.Event(), nil
	}
	perr := c.normalize(cause, inv.event.Event())
	c.notifyError(ctx, perr)
	return nil, perr
}

func (inv *invocation) after(ctx context.Context, i int, thrown error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = future.AsError(r)
		}
	}()
	c := inv.chain
	return c.interceptors[i].After(ctx, c.location, inv.event, thrown)
}

// unhandledCallback rewraps a failure raised by a continuation nobody listened to
func unhandledCallback(err error) error {
	var cne *future.CallbackNotImplementedError
	if errors.As(err, &cne) {
		return &UnhandledCallbackError{Cause: cne.Cause}
	}
	return err
}

// normalize attributes cause to a component and classifies it
func (c *Chain) normalize(cause error, event *contracts.Event) *PipelineError {
	if pe, ok := cause.(*PipelineError); ok {
		return pe
	}

	pe := &PipelineError{
		Component: c.location,
		Cause:     cause,
		Type:      TypeOf(cause),
		Event:     event,
	}
	var ie *InterceptionError
	var inner *PipelineError
	switch {
	case errors.As(cause, &ie) && ie.Component != "":
		pe.Component = ie.Component
	case errors.As(cause, &inner) && inner.Component != "":
		pe.Component = inner.Component
	}
	return pe
}

func (c *Chain) notifyError(ctx context.Context, err *PipelineError) {
	c.mu.RLock()
	callbacks := make([]func(context.Context, error), len(c.callbacks))
	copy(callbacks, c.callbacks)
	c.mu.RUnlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("error callback panicked", "error", future.AsError(r))
				}
			}()
			cb(ctx, err)
		}()
	}
}
