// Package contracts provides the core types that flow through a procflow pipeline.
//
// This package defines:
//   - Message: a payload plus its media type and transport attributes
//   - Event: the immutable unit handed from step to step, carrying a message,
//     flow variables, a correlation ID and the flow call stack
//   - Location: the opaque path identifying a step inside a pipeline
//   - ErrorType: the classification attached to pipeline failures
//   - Step: the processor contract every pipeline unit implements
//
// Events are never mutated in place. Every With* method returns a new Event
// sharing the unchanged parts with its parent, so an event may be handed across
// goroutines without copying.
package contracts
