package interceptors

import (
	"context"
	"path"
	"strings"

	"github.com/glimte/procflow/contracts"
	"github.com/glimte/procflow/future"
	"github.com/glimte/procflow/params"
)

// Interceptor wraps a step with before, around and after hooks. Embed Base to
// implement only the hooks you need.
type Interceptor interface {
	// Before runs in configured order before the step. Returning an error
	// stops the invocation and unwinds through After.
	Before(ctx context.Context, location contracts.Location, params *params.View, event *InterceptionEvent) error

	// Around decides whether the invocation proceeds to the next level, is
	// skipped or fails
	Around(ctx context.Context, location contracts.Location, params *params.View, event *InterceptionEvent, action *Action) *future.Future[*InterceptionEvent]

	// After runs innermost first for every interceptor whose Before ran.
	// thrown is the failure so far, nil on success.
	After(ctx context.Context, location contracts.Location, event *InterceptionEvent, thrown error) error
}

// Base provides no-op hooks
type Base struct{}

// Before implements Interceptor
func (Base) Before(context.Context, contracts.Location, *params.View, *InterceptionEvent) error {
	return nil
}

// Around implements Interceptor
func (Base) Around(_ context.Context, _ contracts.Location, _ *params.View, _ *InterceptionEvent, action *Action) *future.Future[*InterceptionEvent] {
	return action.Proceed()
}

// After implements Interceptor
func (Base) After(context.Context, contracts.Location, *InterceptionEvent, error) error {
	return nil
}

// Funcs is an Interceptor built from optional functions. Nil fields behave
// like Base.
type Funcs struct {
	BeforeFunc func(ctx context.Context, location contracts.Location, params *params.View, event *InterceptionEvent) error
	AroundFunc func(ctx context.Context, location contracts.Location, params *params.View, event *InterceptionEvent, action *Action) *future.Future[*InterceptionEvent]
	AfterFunc  func(ctx context.Context, location contracts.Location, event *InterceptionEvent, thrown error) error
}

// Before implements Interceptor
func (f Funcs) Before(ctx context.Context, location contracts.Location, params *params.View, event *InterceptionEvent) error {
	if f.BeforeFunc == nil {
		return nil
	}
	return f.BeforeFunc(ctx, location, params, event)
}

// Around implements Interceptor
func (f Funcs) Around(ctx context.Context, location contracts.Location, params *params.View, event *InterceptionEvent, action *Action) *future.Future[*InterceptionEvent] {
	if f.AroundFunc == nil {
		return action.Proceed()
	}
	return f.AroundFunc(ctx, location, params, event, action)
}

// After implements Interceptor
func (f Funcs) After(ctx context.Context, location contracts.Location, event *InterceptionEvent, thrown error) error {
	if f.AfterFunc == nil {
		return nil
	}
	return f.AfterFunc(ctx, location, event, thrown)
}

// Factory selects and creates interceptors per step location. Applies is
// evaluated once per location when a chain is built.
type Factory interface {
	Name() string
	Applies(location contracts.Location) bool
	Create() Interceptor
}

// FactoryOption configures a factory created by NewFactory
type FactoryOption func(*factory)

// Include restricts the factory to locations matching any of the glob patterns
func Include(patterns ...string) FactoryOption {
	return func(f *factory) {
		f.include = append(f.include, patterns...)
	}
}

// Exclude removes locations matching any of the glob patterns
func Exclude(patterns ...string) FactoryOption {
	return func(f *factory) {
		f.exclude = append(f.exclude, patterns...)
	}
}

// AppliesWhen adds a custom applicability predicate
func AppliesWhen(pred func(contracts.Location) bool) FactoryOption {
	return func(f *factory) {
		f.predicates = append(f.predicates, pred)
	}
}

type factory struct {
	name       string
	create     func() Interceptor
	include    []string
	exclude    []string
	predicates []func(contracts.Location) bool
}

// NewFactory creates a factory calling create for each chain it applies to.
// Without Include patterns it applies everywhere.
func NewFactory(name string, create func() Interceptor, options ...FactoryOption) Factory {
	f := &factory{name: name, create: create}
	for _, opt := range options {
		opt(f)
	}
	return f
}

// Singleton creates a factory sharing one interceptor between chains
func Singleton(name string, interceptor Interceptor, options ...FactoryOption) Factory {
	return NewFactory(name, func() Interceptor { return interceptor }, options...)
}

func (f *factory) Name() string {
	return f.name
}

func (f *factory) Applies(location contracts.Location) bool {
	loc := string(location)
	if len(f.include) > 0 && !matchAny(f.include, loc) {
		return false
	}
	if matchAny(f.exclude, loc) {
		return false
	}
	for _, pred := range f.predicates {
		if !pred(location) {
			return false
		}
	}
	return true
}

func (f *factory) Create() Interceptor {
	return f.create()
}

// matchAny matches loc against glob patterns. "*" matches within one path
// segment; a trailing "/**" matches any descendant.
func matchAny(patterns []string, loc string) bool {
	for _, p := range patterns {
		if p == "**" || p == loc {
			return true
		}
		if prefix, ok := strings.CutSuffix(p, "/**"); ok {
			if ok, _ := path.Match(prefix, loc); ok {
				return true
			}
			if hasMatchingAncestor(prefix, loc) {
				return true
			}
			continue
		}
		if ok, _ := path.Match(p, loc); ok {
			return true
		}
	}
	return false
}

func hasMatchingAncestor(prefix, loc string) bool {
	for i := 0; i < len(loc); i++ {
		if loc[i] != '/' {
			continue
		}
		if ok, _ := path.Match(prefix, loc[:i]); ok {
			return true
		}
	}
	return false
}
