package interceptors

import (
	"errors"
	"fmt"

	"github.com/glimte/procflow/contracts"
)

var (
	// ErrNilAroundFuture is returned when an around hook returns no future
	ErrNilAroundFuture = errors.New("interceptor: around returned a nil future")
	// ErrNilStep is returned when building a chain without a step
	ErrNilStep = errors.New("interceptor: nil step")
)

// ErrorTyper is implemented by errors carrying their own classification
type ErrorTyper interface {
	ErrorType() contracts.ErrorType
}

// PipelineError is the single error surfaced by an intercepted step
type PipelineError struct {
	// Component is the location the failure is attributed to
	Component contracts.Location
	Cause     error
	Type      contracts.ErrorType
	// Event is the latest event seen when the failure surfaced
	Event *contracts.Event
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s failed with %s: %v", e.Component, e.Type, e.Cause)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorTyper
func (e *PipelineError) ErrorType() contracts.ErrorType {
	return e.Type
}

// InterceptionError is raised by an interceptor to fail the invocation with a
// classification and, optionally, a component of its own
type InterceptionError struct {
	Type      contracts.ErrorType
	Message   string
	Component contracts.Location
	Cause     error
}

func (e *InterceptionError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "interception failed"
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, msg)
}

func (e *InterceptionError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorTyper
func (e *InterceptionError) ErrorType() contracts.ErrorType {
	return e.Type
}

// UnhandledCallbackError replaces a failure raised by an asynchronous
// continuation that had no error callback
type UnhandledCallbackError struct {
	Cause error
}

func (e *UnhandledCallbackError) Error() string {
	return fmt.Sprintf("unhandled error in asynchronous callback: %v", e.Cause)
}

func (e *UnhandledCallbackError) Unwrap() error {
	return e.Cause
}

// TypeOf returns the classification carried by err, or ErrorTypeUnknown
func TypeOf(err error) contracts.ErrorType {
	var typed ErrorTyper
	if errors.As(err, &typed) {
		if t := typed.ErrorType(); !t.IsZero() {
			return t
		}
	}
	return contracts.ErrorTypeUnknown
}
