// Package bus carries coarse lifecycle notifications between components.
// Per-session ordered event delivery stays on the store's subscriber
// queues; the bus only announces that something happened, for consumers
// like the web UI's session list.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one notification on the bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent stamps a fresh notification with an id and UTC timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler consumes one event. Returned errors are logged by the bus,
// never propagated to the publisher.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active handler registration.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is implemented in-memory (default) and over NATS. Subject
// patterns use NATS wildcards on both: * matches one token, > matches the
// rest.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}
