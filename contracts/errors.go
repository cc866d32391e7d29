package contracts

import (
	"errors"
	"strings"
)

// ErrNilFuture is returned when an asynchronous processor returns no future
var ErrNilFuture = errors.New("processor returned a nil future")

// ErrorType classifies a pipeline failure by namespace and identifier
type ErrorType struct {
	Namespace  string `json:"namespace" yaml:"namespace"`
	Identifier string `json:"identifier" yaml:"identifier"`
}

// Well-known error classifications
var (
	ErrorTypeUnknown             = ErrorType{Namespace: "PROCFLOW", Identifier: "UNKNOWN"}
	ErrorTypeExpression          = ErrorType{Namespace: "PROCFLOW", Identifier: "EXPRESSION"}
	ErrorTypeTimeout             = ErrorType{Namespace: "PROCFLOW", Identifier: "TIMEOUT"}
	ErrorTypeCompositeRouting    = ErrorType{Namespace: "PROCFLOW", Identifier: "COMPOSITE_ROUTING"}
	ErrorTypeRedeliveryExhausted = ErrorType{Namespace: "PROCFLOW", Identifier: "REDELIVERY_EXHAUSTED"}
	ErrorTypeDuplicateMessage    = ErrorType{Namespace: "PROCFLOW", Identifier: "DUPLICATE_MESSAGE"}
	ErrorTypeRateLimited         = ErrorType{Namespace: "PROCFLOW", Identifier: "RATE_LIMITED"}
	ErrorTypeCircuitOpen         = ErrorType{Namespace: "PROCFLOW", Identifier: "CIRCUIT_OPEN"}
	ErrorTypeConnectivity        = ErrorType{Namespace: "PROCFLOW", Identifier: "CONNECTIVITY"}
	ErrorTypeFiltered            = ErrorType{Namespace: "PROCFLOW", Identifier: "FILTERED"}
)

// ParseErrorType parses "NAMESPACE:IDENTIFIER". A bare identifier gets the PROCFLOW namespace.
func ParseErrorType(s string) ErrorType {
	ns, id, found := strings.Cut(s, ":")
	if !found {
		return ErrorType{Namespace: "PROCFLOW", Identifier: strings.ToUpper(s)}
	}
	return ErrorType{Namespace: strings.ToUpper(ns), Identifier: strings.ToUpper(id)}
}

// String returns "NAMESPACE:IDENTIFIER"
func (t ErrorType) String() string {
	return t.Namespace + ":" + t.Identifier
}

// IsZero reports whether no classification is set
func (t ErrorType) IsZero() bool {
	return t.Namespace == "" && t.Identifier == ""
}
