// Package policy wraps a list of steps into a policy chain: the steps run as
// one sequential chain while the policy keeps the flow call stack and fires
// start and end notifications around them.
package policy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/procflow/contracts"
	"github.com/glimte/procflow/flow"
	"github.com/glimte/procflow/future"
)

// BeforeNextSuffix is appended to the policy location to name its flow stack element
const BeforeNextSuffix = "[before next]"

type config struct {
	serverID  string
	propagate bool
	listeners []Listener
	logger    *slog.Logger
	flowOpts  []flow.Option
}

// Option configures a Chain
type Option func(*config)

// WithServerID sets the server ID attached to notifications
func WithServerID(id string) Option {
	return func(c *config) {
		c.serverID = id
	}
}

// WithPropagateMessageTransformations keeps the message produced by the
// steps on the output event. When disabled the caller's message is restored
// while variables set by the steps are kept.
func WithPropagateMessageTransformations(propagate bool) Option {
	return func(c *config) {
		c.propagate = propagate
	}
}

// WithListener registers a notification listener
func WithListener(l Listener) Option {
	return func(c *config) {
		c.listeners = append(c.listeners, l)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithFlowOptions passes options to the inner step chain, e.g. interceptors
func WithFlowOptions(options ...flow.Option) Option {
	return func(c *config) {
		c.flowOpts = append(c.flowOpts, options...)
	}
}

// Chain is a policy chain
type Chain struct {
	location  contracts.Location
	entryName string
	inner     *flow.Chain
	config    config
	logger    *slog.Logger

	mu           sync.RWMutex
	chainErrorFn func(ctx context.Context, err error)
}

// New creates a policy chain at location running steps
func New(location contracts.Location, steps []contracts.Step, options ...Option) (*Chain, error) {
	cfg := config{serverID: "procflow", propagate: true}
	for _, opt := range options {
		opt(&cfg)
	}
	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	inner, err := flow.New(location, steps, append([]flow.Option{flow.WithLogger(logger)}, cfg.flowOpts...)...)
	if err != nil {
		return nil, err
	}

	return &Chain{
		location:  location,
		entryName: location.String() + BeforeNextSuffix,
		inner:     inner,
		config:    cfg,
		logger:    logger.With("policy", location.String()),
	}, nil
}

// Location implements contracts.Component
func (c *Chain) Location() contracts.Location {
	return c.location
}

// ProcessingType implements contracts.Step
func (c *Chain) ProcessingType() contracts.ProcessingType {
	return c.inner.ProcessingType()
}

// PropagateMessageTransformations reports whether the steps' message is kept
func (c *Chain) PropagateMessageTransformations() bool {
	return c.config.propagate
}

// OnChainError sets the callback invoked once per failed event, after the end
// notification and the flow stack pop
func (c *Chain) OnChainError(fn func(ctx context.Context, err error)) *Chain {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chainErrorFn = fn
	return c
}

// OnError implements contracts.ErrorCallbackRegistrar by registering fn on
// every inner step accepting component-level callbacks, so failures are
// reported by the component that raised them
func (c *Chain) OnError(fn func(ctx context.Context, err error)) {
	for _, step := range c.inner.Steps() {
		if r, ok := step.(contracts.ErrorCallbackRegistrar); ok {
			r.OnError(fn)
		}
	}
}

// Process implements contracts.Processor
func (c *Chain) Process(ctx context.Context, event *contracts.Event) (*contracts.Event, error) {
	c.start(ctx, event)
	out, err := c.inner.Process(ctx, event)
	return c.end(ctx, event, out, err)
}

// ProcessAsync implements contracts.AsyncProcessor
func (c *Chain) ProcessAsync(ctx context.Context, event *contracts.Event) *future.Future[*contracts.Event] {
	c.start(ctx, event)
	result := future.New[*contracts.Event]()
	c.inner.ProcessAsync(ctx, event).OnComplete(func(out *contracts.Event, err error) {
		result.Resolve(c.end(ctx, event, out, err))
	})
	return result
}

// Close closes the inner steps
func (c *Chain) Close() error {
	return c.inner.Close()
}

func (c *Chain) start(ctx context.Context, event *contracts.Event) {
	event.FlowStack().Push(contracts.FlowStackElement{
		Name:       c.entryName,
		Identifier: c.location.Root(),
	})
	c.notify(ctx, ProcessStart, event, nil)
}

func (c *Chain) end(ctx context.Context, in, out *contracts.Event, err error) (*contracts.Event, error) {
	if err != nil {
		c.notify(ctx, ProcessEnd, in, err)
		c.pop(in)
		c.chainError(ctx, err)
		return nil, err
	}

	if out == nil {
		out = in
	}
	c.pop(in)
	c.notify(ctx, ProcessEnd, out, nil)

	if !c.config.propagate {
		out = out.WithMessage(in.Message())
	}
	return out, nil
}

func (c *Chain) pop(event *contracts.Event) {
	top, ok := event.FlowStack().Peek()
	if !ok || top.Name != c.entryName {
		c.logger.Warn("flow stack out of balance", "expected", c.entryName, "top", top.Name)
		return
	}
	event.FlowStack().Pop()
}

func (c *Chain) chainError(ctx context.Context, err error) {
	c.mu.RLock()
	fn := c.chainErrorFn
	c.mu.RUnlock()
	if fn == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("chain error callback panicked", "panic", r)
		}
	}()
	fn(ctx, err)
}

func (c *Chain) notify(ctx context.Context, action Action, event *contracts.Event, err error) {
	n := Notification{
		Action:    action,
		ServerID:  c.config.serverID,
		Location:  c.location,
		Event:     event,
		Err:       err,
		Timestamp: time.Now(),
	}
	for _, l := range c.config.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("notification listener panicked", "action", string(action), "panic", r)
				}
			}()
			l.OnNotification(ctx, n)
		}()
	}
}
