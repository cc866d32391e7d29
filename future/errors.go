package future

import (
	"errors"
	"fmt"
)

var (
	// ErrNilFailure replaces a nil error passed to Fail
	ErrNilFailure = errors.New("future: failed with nil error")
	// ErrNilFuture is returned when a composed computation yields no future
	ErrNilFuture = errors.New("future: continuation returned nil future")
)

// CallbackNotImplementedError signals that an asynchronous continuation
// raised an error while nobody was registered to handle it
type CallbackNotImplementedError struct {
	Cause error
}

// CallbackNotImplemented wraps cause as a *CallbackNotImplementedError
func CallbackNotImplemented(cause error) error {
	return &CallbackNotImplementedError{Cause: cause}
}

func (e *CallbackNotImplementedError) Error() string {
	return fmt.Sprintf("error callback not implemented: %v", e.Cause)
}

func (e *CallbackNotImplementedError) Unwrap() error {
	return e.Cause
}

// PanicError carries a recovered panic value that was not an error
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// AsError returns r itself when it is an error, otherwise a *PanicError
func AsError(r interface{}) error {
	if err, ok := r.(error); ok {
		return err
	}
	return &PanicError{Value: r}
}
