// Package bus carries task lifecycle events between components. The default
// implementation is in-process; pointing EVENT_BUS_URL at a NATS server
// swaps in the networked bus without touching publishers.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/webai/webai/internal/common/logger"
)

// Event is one message on the bus. Type doubles as the subject it was
// published on; Source names the emitting node.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent stamps a fresh event with an id and UTC timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler consumes one delivered event. Returning an error is logged
// by the bus; delivery is not retried.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a live handler registration.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the publish side plus subscription management. Subjects use
// NATS conventions: dot-separated tokens, "*" for one token, ">" for the
// rest.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}

// New selects a bus implementation by URL: an empty URL yields the
// in-process bus, anything else is treated as a NATS URL.
func New(url, clientID string, log *logger.Logger) (EventBus, error) {
	if url == "" {
		return NewMemoryEventBus(log), nil
	}
	return NewNATSEventBus(url, clientID, log)
}
