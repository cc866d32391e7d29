package interceptors

import (
	"context"
	"sync"

	"github.com/glimte/procflow/contracts"
	"github.com/glimte/procflow/future"
)

// Action is handed to Around to decide how the invocation continues
type Action struct {
	ctx   context.Context
	event *InterceptionEvent
	next  func(ctx context.Context) *future.Future[*InterceptionEvent]

	once    sync.Once
	proceed *future.Future[*InterceptionEvent]
}

func newAction(ctx context.Context, event *InterceptionEvent, next func(context.Context) *future.Future[*InterceptionEvent]) *Action {
	return &Action{ctx: ctx, event: event, next: next}
}

// Proceed invokes the next level: the next interceptor's Around, or the step
// itself for the innermost interceptor. The next level runs at most once;
// repeated calls return the same future.
func (a *Action) Proceed() *future.Future[*InterceptionEvent] {
	return a.ProceedContext(a.ctx)
}

// ProceedContext is Proceed with a context derived by the interceptor, which
// inner levels and the step receive
func (a *Action) ProceedContext(ctx context.Context) *future.Future[*InterceptionEvent] {
	a.once.Do(func() {
		a.proceed = a.next(ctx)
	})
	return a.proceed
}

// Skip completes without calling inner levels or the step
func (a *Action) Skip() *future.Future[*InterceptionEvent] {
	return future.Completed(a.event)
}

// Fail completes with cause
func (a *Action) Fail(cause error) *future.Future[*InterceptionEvent] {
	return future.Failed[*InterceptionEvent](cause)
}

// FailWithType completes with an *InterceptionError of the given classification
func (a *Action) FailWithType(errorType contracts.ErrorType, msg string) *future.Future[*InterceptionEvent] {
	return a.Fail(&InterceptionError{Type: errorType, Message: msg})
}
