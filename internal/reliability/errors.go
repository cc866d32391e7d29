package reliability

import (
	"errors"
	"fmt"
	"time"

	"github.com/glimte/procflow/contracts"
)

var (
	// ErrUnknownState is returned by a circuit breaker in an invalid state
	ErrUnknownState = errors.New("circuit breaker: unknown state")
	// ErrNonRetryable marks an error that retry policies must not retry
	ErrNonRetryable = errors.New("retry: error is not retryable")
	// ErrEmptyLockKey is returned when locking an empty key
	ErrEmptyLockKey = errors.New("lock: empty key")
)

// CircuitBreakerError is returned while the breaker rejects calls
type CircuitBreakerError struct {
	Name             string
	State            State
	Failures         int
	FailureThreshold int
	LastFailure      time.Time
	NextRetry        time.Time
}

func (e *CircuitBreakerError) Error() string {
	switch e.State {
	case StateOpen:
		retryIn := time.Until(e.NextRetry).Round(time.Second)
		return fmt.Sprintf("circuit breaker %s open (failures=%d/%d, retry in %v)",
			e.Name, e.Failures, e.FailureThreshold, retryIn)
	case StateHalfOpen:
		return fmt.Sprintf("circuit breaker %s half-open: request limit reached", e.Name)
	default:
		return fmt.Sprintf("circuit breaker %s rejected call in state %v", e.Name, e.State)
	}
}

// ErrorType classifies the rejection as CIRCUIT_OPEN
func (e *CircuitBreakerError) ErrorType() contracts.ErrorType {
	return contracts.ErrorTypeCircuitOpen
}

// RetryError is returned when a retry policy gives up
type RetryError struct {
	Op        string
	Attempts  int
	LastError error
	Duration  time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed: %s after %d attempts over %v: %v",
		e.Op, e.Attempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}

// IsRetryableError reports whether err should be retried. Errors may opt out
// by implementing IsRetryable() bool or by wrapping ErrNonRetryable.
func IsRetryableError(err error) bool {
	if err == nil || errors.Is(err, ErrNonRetryable) {
		return false
	}

	var r interface{ IsRetryable() bool }
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	var cbErr *CircuitBreakerError
	if errors.As(err, &cbErr) {
		return time.Now().After(cbErr.NextRetry)
	}

	return true
}

// RetryableError marks the wrapped error as retryable or not
type RetryableError struct {
	Err       error
	Retryable bool
}

func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable reports whether the error is retryable
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

func (r RetryableError) Unwrap() error {
	return r.Err
}
