// Package bus provides event bus abstractions for ralph-tui.
// The engine publishes its lifecycle events on the bus; the remote
// server (and any other in-process consumer) subscribes to them.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event represents a message on the event bus
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"` // Component that produced the event
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations
type EventBus interface {
	// Publish sends an event to a subject
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}

// Engine event subjects. The engine publishes each of its events on
// "engine.<kind>" so consumers can subscribe with "engine.>".
const (
	SubjectPrefix   = "engine"
	SubjectWildcard = "engine.>"
)

// BuildEngineSubject returns the bus subject for an engine event kind.
// Event kinds use colons ("iteration:started"); subjects use dots.
func BuildEngineSubject(kind string) string {
	out := make([]byte, 0, len(SubjectPrefix)+1+len(kind))
	out = append(out, SubjectPrefix...)
	out = append(out, '.')
	for i := 0; i < len(kind); i++ {
		if kind[i] == ':' {
			out = append(out, '.')
		} else {
			out = append(out, kind[i])
		}
	}
	return string(out)
}
