package policy

import (
	"context"
	"time"

	"github.com/glimte/procflow/contracts"
)

// Action identifies a policy notification
type Action string

const (
	ProcessStart Action = "PROCESS_START"
	ProcessEnd   Action = "PROCESS_END"
)

// Notification is fired when an event enters and leaves a policy chain
type Notification struct {
	Action    Action
	ServerID  string
	Location  contracts.Location
	Event     *contracts.Event
	Err       error
	Timestamp time.Time
}

// Listener receives policy notifications. Listeners run on the goroutine
// processing the event and must not block.
type Listener interface {
	OnNotification(ctx context.Context, n Notification)
}

// ListenerFunc is a function adapter for Listener
type ListenerFunc func(ctx context.Context, n Notification)

// OnNotification implements Listener
func (f ListenerFunc) OnNotification(ctx context.Context, n Notification) {
	f(ctx, n)
}
