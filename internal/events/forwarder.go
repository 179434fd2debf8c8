// Package events bridges the engine's subscriber fan-out onto the
// event bus so out-of-package consumers (the remote server, loggers)
// can subscribe by subject.
package events

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/m1nuzz/ralph-tui/internal/common/logger"
	"github.com/m1nuzz/ralph-tui/internal/engine"
	"github.com/m1nuzz/ralph-tui/internal/events/bus"
)

// Forwarder publishes every engine event on the bus. It implements
// engine.Subscriber; register it with engine.Subscribe.
type Forwarder struct {
	bus    bus.EventBus
	logger *logger.Logger
}

// NewForwarder creates a bus forwarder.
func NewForwarder(b bus.EventBus, log *logger.Logger) *Forwarder {
	return &Forwarder{
		bus:    b,
		logger: log.WithFields(zap.String("component", "event-forwarder")),
	}
}

// Receive implements engine.Subscriber.
func (f *Forwarder) Receive(ev engine.Event) {
	busEvent := &bus.Event{
		ID:        uuid.New().String(),
		Type:      ev.Kind,
		Source:    "engine",
		Timestamp: ev.Timestamp,
		Data:      ev.Data,
	}
	if err := f.bus.Publish(context.Background(), bus.BuildEngineSubject(ev.Kind), busEvent); err != nil {
		f.logger.Warn("failed to forward engine event", zap.String("kind", ev.Kind), zap.Error(err))
	}
}
