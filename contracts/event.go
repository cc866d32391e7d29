package contracts

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Event is the immutable unit of work passed between steps
type Event struct {
	id            string
	correlationID string
	timestamp     time.Time
	message       Message
	variables     map[string]interface{}
	flowStack     *FlowCallStack
}

// EventOption configures a new event
type EventOption func(*Event)

// WithCorrelationID sets the correlation ID of a new event
func WithCorrelationID(correlationID string) EventOption {
	return func(e *Event) {
		e.correlationID = correlationID
	}
}

// WithVariables seeds the flow variables of a new event
func WithVariables(vars map[string]interface{}) EventOption {
	return func(e *Event) {
		for k, v := range vars {
			e.variables[k] = v
		}
	}
}

// WithMediaType sets the media type of the new event's message
func WithMediaType(mediaType string) EventOption {
	return func(e *Event) {
		e.message.MediaType = mediaType
	}
}

// NewEvent creates a new event with a generated ID.
// The correlation ID defaults to the event ID.
func NewEvent(payload interface{}, options ...EventOption) *Event {
	e := &Event{
		id:        uuid.New().String(),
		timestamp: time.Now().UTC(),
		message:   NewMessage(payload),
		variables: make(map[string]interface{}),
		flowStack: NewFlowCallStack(),
	}
	for _, opt := range options {
		opt(e)
	}
	if e.correlationID == "" {
		e.correlationID = e.id
	}
	return e
}

// NewEventFromMessage creates a new event around an existing message
func NewEventFromMessage(msg Message, options ...EventOption) *Event {
	e := NewEvent(nil, options...)
	mediaType := e.message.MediaType
	e.message = msg
	if msg.MediaType == "" {
		e.message.MediaType = mediaType
	}
	return e
}

// ID returns the event ID
func (e *Event) ID() string {
	return e.id
}

// CorrelationID returns the correlation ID
func (e *Event) CorrelationID() string {
	return e.correlationID
}

// Timestamp returns the creation time of the original event
func (e *Event) Timestamp() time.Time {
	return e.timestamp
}

// Message returns the event message
func (e *Event) Message() Message {
	return e.message
}

// Payload is a shortcut for Message().Payload
func (e *Event) Payload() interface{} {
	return e.message.Payload
}

// Variable returns a flow variable
func (e *Event) Variable(name string) (interface{}, bool) {
	v, ok := e.variables[name]
	return v, ok
}

// Variables returns a copy of the flow variables
func (e *Event) Variables() map[string]interface{} {
	vars := make(map[string]interface{}, len(e.variables))
	for k, v := range e.variables {
		vars[k] = v
	}
	return vars
}

// VariableNames returns the sorted flow variable names
func (e *Event) VariableNames() []string {
	names := make([]string, 0, len(e.variables))
	for k := range e.variables {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// FlowStack returns the flow call stack shared by every event derived from the same root
func (e *Event) FlowStack() *FlowCallStack {
	return e.flowStack
}

// WithMessage returns a new event carrying msg
func (e *Event) WithMessage(msg Message) *Event {
	c := *e
	c.message = msg
	return &c
}

// WithPayload returns a new event whose message payload is replaced
func (e *Event) WithPayload(payload interface{}) *Event {
	msg := e.message
	msg.Payload = payload
	return e.WithMessage(msg)
}

// WithVariable returns a new event with the flow variable set
func (e *Event) WithVariable(name string, value interface{}) *Event {
	c := *e
	c.variables = e.Variables()
	c.variables[name] = value
	return &c
}

// WithoutVariable returns a new event without the flow variable
func (e *Event) WithoutVariable(name string) *Event {
	if _, ok := e.variables[name]; !ok {
		return e
	}
	c := *e
	c.variables = e.Variables()
	delete(c.variables, name)
	return &c
}

// WithVariablesFrom returns a new event whose variables are replaced by other's
func (e *Event) WithVariablesFrom(other *Event) *Event {
	c := *e
	c.variables = other.Variables()
	return &c
}

// Child creates a new event for a forked route. The child shares the
// correlation ID and flow variables but gets its own ID, message and flow stack.
func (e *Event) Child(msg Message) *Event {
	return &Event{
		id:            uuid.New().String(),
		correlationID: e.correlationID,
		timestamp:     e.timestamp,
		message:       msg,
		variables:     e.Variables(),
		flowStack:     e.flowStack.Copy(),
	}
}
