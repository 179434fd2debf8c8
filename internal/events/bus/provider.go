package bus

import "github.com/m1nuzz/ralph-tui/internal/common/logger"

// New returns the NATS bus when a URL is configured and the in-memory
// bus otherwise.
func New(natsURL string, log *logger.Logger) (EventBus, error) {
	if natsURL == "" {
		return NewMemoryEventBus(log), nil
	}
	return NewNATSEventBus(natsURL, log)
}
