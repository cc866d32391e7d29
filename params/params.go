package params

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/glimte/procflow/contracts"
	"github.com/glimte/procflow/expression"
)

var (
	// ErrUnknownParameter is returned for a name the step does not declare
	ErrUnknownParameter = errors.New("unknown parameter")
	// ErrDisposed is returned when reading a view after Dispose
	ErrDisposed = errors.New("parameter view disposed")
)

// Source supplies the event parameters resolve against. Revision changes
// whenever the event is replaced; resolved values are memoized per revision.
type Source interface {
	Event() *contracts.Event
	Revision() uint64
}

type staticSource struct {
	event *contracts.Event
}

func (s staticSource) Event() *contracts.Event { return s.event }
func (s staticSource) Revision() uint64        { return 0 }

// StaticSource binds a view to a single event
func StaticSource(event *contracts.Event) Source {
	return staticSource{event: event}
}

// Resolver turns a declared parameter into a value. The optional dispose
// function releases whatever the resolution opened.
type Resolver interface {
	Resolve(ctx context.Context, name, raw string, event *contracts.Event) (value interface{}, dispose func() error, err error)
}

// ResolverFunc is a function adapter for Resolver
type ResolverFunc func(ctx context.Context, name, raw string, event *contracts.Event) (interface{}, func() error, error)

// Resolve implements Resolver
func (f ResolverFunc) Resolve(ctx context.Context, name, raw string, event *contracts.Event) (interface{}, func() error, error) {
	return f(ctx, name, raw, event)
}

// ExpressionResolver resolves #[...] values with an expression manager and
// returns literals unchanged
type ExpressionResolver struct {
	Expressions *expression.Manager
}

// Resolve implements Resolver
func (r ExpressionResolver) Resolve(ctx context.Context, name, raw string, event *contracts.Event) (interface{}, func() error, error) {
	if !expression.IsExpression(raw) {
		return raw, nil, nil
	}
	if r.Expressions == nil {
		return nil, nil, fmt.Errorf("parameter %s: no expression manager configured", name)
	}
	v, err := r.Expressions.Evaluate(ctx, raw, event)
	if err != nil {
		return nil, nil, err
	}
	return v, nil, nil
}

// Parameter is a resolved parameter value or the failure to resolve it
type Parameter struct {
	name  string
	value interface{}
	err   error
}

// Name returns the parameter name
func (p Parameter) Name() string {
	return p.name
}

// Resolve returns the value or the resolution error
func (p Parameter) Resolve() (interface{}, error) {
	return p.value, p.err
}

// Failed reports whether resolution failed
func (p Parameter) Failed() bool {
	return p.err != nil
}

// Option configures a View
type Option func(*View)

// WithResolver replaces the resolver
func WithResolver(r Resolver) Option {
	return func(v *View) {
		v.resolver = r
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(v *View) {
		v.logger = logger
	}
}

// View is the lazily resolved, invocation-scoped view of a step's parameters
type View struct {
	ctx      context.Context
	declared map[string]string
	source   Source
	resolver Resolver
	logger   *slog.Logger

	mu         sync.Mutex
	revision   uint64
	memo       map[string]Parameter
	disposers  []func() error
	disposed   bool
	once       sync.Once
	disposeErr error
}

// New creates a view over declared parameters resolved against source.
// Nothing is resolved until a parameter is read.
func New(ctx context.Context, declared map[string]string, source Source, opts ...Option) *View {
	v := &View{
		ctx:      ctx,
		declared: make(map[string]string, len(declared)),
		source:   source,
		resolver: ExpressionResolver{},
		memo:     make(map[string]Parameter),
	}
	for k, raw := range declared {
		v.declared[k] = raw
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	return v
}

// Names returns the declared parameter names, sorted
func (v *View) Names() []string {
	names := make([]string, 0, len(v.declared))
	for k := range v.declared {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Has reports whether the step declares name
func (v *View) Has(name string) bool {
	_, ok := v.declared[name]
	return ok
}

// Get resolves name against the current event. A failing parameter does not
// affect the others.
func (v *View) Get(name string) Parameter {
	raw, ok := v.declared[name]
	if !ok {
		return Parameter{name: name, err: fmt.Errorf("%w: %s", ErrUnknownParameter, name)}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.disposed {
		return Parameter{name: name, err: ErrDisposed}
	}

	if rev := v.source.Revision(); rev != v.revision {
		v.revision = rev
		v.memo = make(map[string]Parameter)
	}
	if p, ok := v.memo[name]; ok {
		return p
	}

	p := v.resolve(name, raw)
	v.memo[name] = p
	return p
}

// All resolves every declared parameter
func (v *View) All() map[string]Parameter {
	out := make(map[string]Parameter, len(v.declared))
	for _, name := range v.Names() {
		out[name] = v.Get(name)
	}
	return out
}

func (v *View) resolve(name, raw string) (p Parameter) {
	p.name = name
	defer func() {
		if r := recover(); r != nil {
			p.value = nil
			p.err = fmt.Errorf("parameter %s: resolver panicked: %v", name, r)
		}
	}()

	value, dispose, err := v.resolver.Resolve(v.ctx, name, raw, v.source.Event())
	if dispose != nil {
		v.disposers = append(v.disposers, dispose)
	}
	if err != nil {
		p.err = err
		return p
	}
	if c, ok := value.(io.Closer); ok {
		v.disposers = append(v.disposers, c.Close)
	}
	p.value = value
	return p
}

// Dispose releases every resource opened during resolution. Only the first
// call does any work.
func (v *View) Dispose() error {
	v.once.Do(func() {
		v.mu.Lock()
		v.disposed = true
		disposers := v.disposers
		v.disposers = nil
		v.memo = nil
		v.mu.Unlock()

		var errs []error
		for i := len(disposers) - 1; i >= 0; i-- {
			if err := disposers[i](); err != nil {
				v.logger.Debug("failed to dispose parameter resource", "error", err)
				errs = append(errs, err)
			}
		}
		v.disposeErr = errors.Join(errs...)
	})
	return v.disposeErr
}
