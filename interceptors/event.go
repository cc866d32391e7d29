package interceptors

import (
	"sync"

	"github.com/glimte/procflow/contracts"
)

// InterceptionEvent is the invocation-owned holder of the in-flight event.
// Hooks read the latest event from it and install replacements; the next hook
// and the step always see the latest replacement.
type InterceptionEvent struct {
	mu       sync.RWMutex
	event    *contracts.Event
	revision uint64
	values   map[interface{}]interface{}
}

// NewInterceptionEvent wraps event
func NewInterceptionEvent(event *contracts.Event) *InterceptionEvent {
	return &InterceptionEvent{
		event:  event,
		values: make(map[interface{}]interface{}),
	}
}

// Event returns the latest event
func (e *InterceptionEvent) Event() *contracts.Event {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.event
}

// Revision is incremented each time the event is replaced
func (e *InterceptionEvent) Revision() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.revision
}

// SetEvent replaces the event
func (e *InterceptionEvent) SetEvent(event *contracts.Event) {
	if event == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if event == e.event {
		return
	}
	e.event = event
	e.revision++
}

// update replaces the event with fn applied to the current one
func (e *InterceptionEvent) update(fn func(*contracts.Event) *contracts.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.event = fn(e.event)
	e.revision++
}

// Message returns the message of the latest event
func (e *InterceptionEvent) Message() contracts.Message {
	return e.Event().Message()
}

// Payload returns the payload of the latest event
func (e *InterceptionEvent) Payload() interface{} {
	return e.Event().Payload()
}

// CorrelationID returns the correlation ID of the event
func (e *InterceptionEvent) CorrelationID() string {
	return e.Event().CorrelationID()
}

// Variable returns a flow variable of the latest event
func (e *InterceptionEvent) Variable(name string) (interface{}, bool) {
	return e.Event().Variable(name)
}

// SetMessage replaces the message
func (e *InterceptionEvent) SetMessage(msg contracts.Message) {
	e.update(func(ev *contracts.Event) *contracts.Event { return ev.WithMessage(msg) })
}

// SetPayload replaces the message payload
func (e *InterceptionEvent) SetPayload(payload interface{}) {
	e.update(func(ev *contracts.Event) *contracts.Event { return ev.WithPayload(payload) })
}

// AddVariable sets a flow variable
func (e *InterceptionEvent) AddVariable(name string, value interface{}) {
	e.update(func(ev *contracts.Event) *contracts.Event { return ev.WithVariable(name, value) })
}

// RemoveVariable removes a flow variable
func (e *InterceptionEvent) RemoveVariable(name string) {
	e.update(func(ev *contracts.Event) *contracts.Event { return ev.WithoutVariable(name) })
}

// Set stores an invocation-scoped value. Interceptors are shared between
// concurrent invocations and keep per-invocation state (timers, spans) here
// under a key type they own.
func (e *InterceptionEvent) Set(key, value interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.values[key] = value
}

// Get retrieves an invocation-scoped value
func (e *InterceptionEvent) Get(key interface{}) (interface{}, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.values[key]
	return v, ok
}

// Delete removes an invocation-scoped value
func (e *InterceptionEvent) Delete(key interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.values, key)
}
