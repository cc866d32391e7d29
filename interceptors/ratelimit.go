package interceptors

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/glimte/procflow/contracts"
	"github.com/glimte/procflow/future"
	"github.com/glimte/procflow/params"
)

// RateLimitInterceptor fails invocations exceeding the limiter's rate with
// the RATE_LIMITED classification. With waiting enabled it delays the
// invocation in Before instead.
type RateLimitInterceptor struct {
	Base
	limiter *rate.Limiter
	wait    bool
}

// RateLimitOption configures a RateLimitInterceptor
type RateLimitOption func(*RateLimitInterceptor)

// WithWait makes the interceptor wait for a token instead of failing
func WithWait() RateLimitOption {
	return func(i *RateLimitInterceptor) {
		i.wait = true
	}
}

// NewRateLimitInterceptor creates a new rate limiting interceptor
func NewRateLimitInterceptor(limiter *rate.Limiter, options ...RateLimitOption) *RateLimitInterceptor {
	i := &RateLimitInterceptor{limiter: limiter}
	for _, opt := range options {
		opt(i)
	}
	return i
}

// Before implements Interceptor
func (i *RateLimitInterceptor) Before(ctx context.Context, location contracts.Location, _ *params.View, _ *InterceptionEvent) error {
	if !i.wait {
		return nil
	}
	if err := i.limiter.Wait(ctx); err != nil {
		return &InterceptionError{
			Type:    contracts.ErrorTypeRateLimited,
			Message: fmt.Sprintf("rate limit wait for %s", location),
			Cause:   err,
		}
	}
	return nil
}

// Around implements Interceptor
func (i *RateLimitInterceptor) Around(_ context.Context, location contracts.Location, _ *params.View, _ *InterceptionEvent, action *Action) *future.Future[*InterceptionEvent] {
	if !i.wait && !i.limiter.Allow() {
		return action.FailWithType(contracts.ErrorTypeRateLimited, fmt.Sprintf("rate limit exceeded for %s", location))
	}
	return action.Proceed()
}
