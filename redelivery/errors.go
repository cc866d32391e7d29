package redelivery

import (
	"errors"
	"fmt"
	"time"

	"github.com/glimte/procflow/contracts"
)

var (
	// ErrNoIdentity is returned when neither an id expression nor a secure hash is configured
	ErrNoIdentity = errors.New("redelivery: no method for identifying messages was specified")
	// ErrBlankMessageID is returned when the id expression yields an empty id
	ErrBlankMessageID = errors.New("redelivery: message id is blank")
	// ErrUnsupportedDigest is returned for an unknown message digest algorithm
	ErrUnsupportedDigest = errors.New("redelivery: unsupported message digest algorithm")
)

// FailureRecord describes one failed delivery of a message
type FailureRecord struct {
	Component string    `json:"component,omitempty"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Occurred  time.Time `json:"occurred"`
}

// RedeliveryExhaustedError is returned once a message failed more often than
// the policy allows, or when its identity could not be computed
type RedeliveryExhaustedError struct {
	MessageID string
	Count     int
	Max       int
	Failures  []FailureRecord
	Cause     error
}

func (e *RedeliveryExhaustedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("message %q redelivered %d times (max %d): %v", e.MessageID, e.Count, e.Max, e.Cause)
	}
	return fmt.Sprintf("message %q redelivered %d times (max %d)", e.MessageID, e.Count, e.Max)
}

func (e *RedeliveryExhaustedError) Unwrap() error {
	return e.Cause
}

// ErrorType classifies the failure as REDELIVERY_EXHAUSTED
func (e *RedeliveryExhaustedError) ErrorType() contracts.ErrorType {
	return contracts.ErrorTypeRedeliveryExhausted
}

// DuplicateMessageError is returned by the idempotent validator for an
// already seen message
type DuplicateMessageError struct {
	MessageID string
}

func (e *DuplicateMessageError) Error() string {
	return fmt.Sprintf("duplicate message %q", e.MessageID)
}

// ErrorType classifies the failure as DUPLICATE_MESSAGE
func (e *DuplicateMessageError) ErrorType() contracts.ErrorType {
	return contracts.ErrorTypeDuplicateMessage
}
