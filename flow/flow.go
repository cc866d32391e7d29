// Package flow composes a list of steps into a single sequential step
package flow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/glimte/procflow/contracts"
	"github.com/glimte/procflow/future"
	"github.com/glimte/procflow/interceptors"
)

// ErrNoSteps is returned when building a chain without steps
var ErrNoSteps = errors.New("flow: no steps")

type config struct {
	manager      *interceptors.Manager
	chainOptions []interceptors.ChainOption
	logger       *slog.Logger
}

// Option configures a Chain
type Option func(*config)

// WithInterceptors wraps every step with the interceptors of m
func WithInterceptors(m *interceptors.Manager, options ...interceptors.ChainOption) Option {
	return func(c *config) {
		c.manager = m
		c.chainOptions = options
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// Chain runs its steps in order, handing the output event of each step to the
// next. The first failure stops the chain.
type Chain struct {
	location contracts.Location
	steps    []contracts.Step
	logger   *slog.Logger

	mu        sync.RWMutex
	callbacks []func(ctx context.Context, err error)
}

// New creates a chain at location
func New(location contracts.Location, steps []contracts.Step, options ...Option) (*Chain, error) {
	if len(steps) == 0 {
		return nil, ErrNoSteps
	}

	cfg := &config{}
	for _, opt := range options {
		opt(cfg)
	}
	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	wrapped := make([]contracts.Step, len(steps))
	for i, step := range steps {
		if step == nil {
			return nil, fmt.Errorf("flow %s: step %d is nil", location, i)
		}
		if cfg.manager == nil {
			wrapped[i] = step
			continue
		}
		chain, err := cfg.manager.Wrap(step, cfg.chainOptions...)
		if err != nil {
			return nil, fmt.Errorf("flow %s: wrap step %s: %w", location, step.Location(), err)
		}
		wrapped[i] = chain
	}

	return &Chain{
		location: location,
		steps:    wrapped,
		logger:   logger.With("flow", location.String()),
	}, nil
}

// Location implements contracts.Component
func (c *Chain) Location() contracts.Location {
	return c.location
}

// ProcessingType is blocking when any step is
func (c *Chain) ProcessingType() contracts.ProcessingType {
	for _, step := range c.steps {
		if step.ProcessingType().IsBlocking() {
			return contracts.ProcessingBlocking
		}
	}
	return contracts.ProcessingCPULite
}

// Steps returns the steps of the chain, wrapped when interceptors are configured
func (c *Chain) Steps() []contracts.Step {
	out := make([]contracts.Step, len(c.steps))
	copy(out, c.steps)
	return out
}

// OnError implements contracts.ErrorCallbackRegistrar
func (c *Chain) OnError(fn func(ctx context.Context, err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, fn)
}

// Process implements contracts.Processor. Each step runs to completion on the
// calling goroutine before the next one starts.
func (c *Chain) Process(ctx context.Context, event *contracts.Event) (*contracts.Event, error) {
	current := event
	for _, step := range c.steps {
		out, err := processStep(ctx, step, current)
		if err != nil {
			c.notifyError(ctx, err)
			return nil, err
		}
		if out != nil {
			current = out
		}
	}
	return current, nil
}

// ProcessAsync implements contracts.AsyncProcessor
func (c *Chain) ProcessAsync(ctx context.Context, event *contracts.Event) *future.Future[*contracts.Event] {
	f := future.Completed(event)
	for _, step := range c.steps {
		step := step
		f = future.Compose(f, func(current *contracts.Event) *future.Future[*contracts.Event] {
			return contracts.Invoke(ctx, step, current)
		})
	}

	result := future.New[*contracts.Event]()
	f.OnComplete(func(out *contracts.Event, err error) {
		if err != nil {
			c.notifyError(ctx, err)
		}
		result.Resolve(out, err)
	})
	return result
}

// Close closes every step implementing io.Closer
func (c *Chain) Close() error {
	var errs []error
	for _, step := range c.steps {
		if closer, ok := step.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func processStep(ctx context.Context, step contracts.Step, event *contracts.Event) (out *contracts.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, future.AsError(r)
		}
	}()
	return step.Process(ctx, event)
}

func (c *Chain) notifyError(ctx context.Context, err error) {
	c.mu.RLock()
	callbacks := make([]func(context.Context, error), len(c.callbacks))
	copy(callbacks, c.callbacks)
	c.mu.RUnlock()

	for _, fn := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("error callback panicked", "panic", r)
				}
			}()
			fn(ctx, err)
		}()
	}
}
