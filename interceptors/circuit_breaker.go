package interceptors

import (
	"context"

	"github.com/glimte/procflow/contracts"
	"github.com/glimte/procflow/future"
	"github.com/glimte/procflow/params"
)

// CircuitBreaker defines the interface for circuit breaker functionality.
// Allow reserves a call; Record reports its outcome.
type CircuitBreaker interface {
	Allow() error
	Record(err error)
}

// CircuitBreakerInterceptor fails fast with the CIRCUIT_OPEN classification
// while the breaker rejects calls
type CircuitBreakerInterceptor struct {
	Base
	circuitBreaker CircuitBreaker
}

// NewCircuitBreakerInterceptor creates a new circuit breaker interceptor
func NewCircuitBreakerInterceptor(circuitBreaker CircuitBreaker) *CircuitBreakerInterceptor {
	return &CircuitBreakerInterceptor{circuitBreaker: circuitBreaker}
}

// Around implements Interceptor
func (i *CircuitBreakerInterceptor) Around(_ context.Context, location contracts.Location, _ *params.View, _ *InterceptionEvent, action *Action) *future.Future[*InterceptionEvent] {
	if err := i.circuitBreaker.Allow(); err != nil {
		return action.Fail(&InterceptionError{
			Type:    contracts.ErrorTypeCircuitOpen,
			Message: "circuit open for " + location.String(),
			Cause:   err,
		})
	}

	f := action.Proceed()
	f.OnComplete(func(_ *InterceptionEvent, err error) {
		i.circuitBreaker.Record(err)
	})
	return f
}
