package engine

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/m1nuzz/ralph-tui/internal/common/logger"
)

// Event kinds emitted by the engine.
const (
	EventEngineStarted = "engine:started"
	EventEngineStopped = "engine:stopped"
	EventEnginePaused  = "engine:paused"
	EventEngineResumed = "engine:resumed"

	EventIterationStarted   = "iteration:started"
	EventIterationCompleted = "iteration:completed"
	EventIterationFailed    = "iteration:failed"

	EventTaskSelected  = "task:selected"
	EventTaskCompleted = "task:completed"

	EventAgentOutput = "agent:output"
)

// Event is one engine lifecycle event.
type Event struct {
	Kind      string         `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscriber receives engine events. Implementations must not assume
// they run on the engine goroutine: delivery happens on a dedicated
// goroutine per subscription.
type Subscriber interface {
	Receive(Event)
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(Event)

// Receive implements Subscriber.
func (f SubscriberFunc) Receive(ev Event) { f(ev) }

// defaultQueueSize bounds each subscriber's delivery queue.
const defaultQueueSize = 256

// Subscription is one registered subscriber. Events are delivered in
// emission order through a bounded queue; when the queue overflows the
// oldest event is dropped and the subscription is marked lagging.
type Subscription struct {
	sub    Subscriber
	queue  chan Event
	done   chan struct{}
	logger *logger.Logger

	mu      sync.Mutex
	lagging bool
	closed  bool
}

// Lagging reports whether deliveries have been dropped.
func (s *Subscription) Lagging() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lagging
}

// enqueue adds an event, dropping the oldest on overflow so a slow
// subscriber never stalls the engine.
func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	for {
		select {
		case s.queue <- ev:
			return
		default:
		}
		select {
		case <-s.queue:
			s.mu.Lock()
			s.lagging = true
			s.mu.Unlock()
		default:
		}
	}
}

// deliver runs on the subscription's goroutine until Unsubscribe.
// Events enqueued before the unsubscribe are still delivered.
func (s *Subscription) deliver() {
	for {
		select {
		case ev := <-s.queue:
			s.receive(ev)
		case <-s.done:
			for {
				select {
				case ev := <-s.queue:
					s.receive(ev)
				default:
					return
				}
			}
		}
	}
}

// receive invokes the subscriber, containing panics so a faulty
// subscriber cannot corrupt the engine.
func (s *Subscription) receive(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("subscriber panicked", zap.Any("panic", r), zap.String("event", ev.Kind))
		}
	}()
	s.sub.Receive(ev)
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// Subscribe registers a subscriber for all engine events.
func (e *Engine) Subscribe(sub Subscriber) *Subscription {
	s := &Subscription{
		sub:    sub,
		queue:  make(chan Event, defaultQueueSize),
		done:   make(chan struct{}),
		logger: e.logger,
	}
	go s.deliver()

	e.subMu.Lock()
	e.subscribers = append(e.subscribers, s)
	e.subMu.Unlock()
	return s
}

// Unsubscribe removes a subscription. Events already queued may still
// be delivered before the delivery goroutine observes the close.
func (e *Engine) Unsubscribe(sub *Subscription) {
	e.subMu.Lock()
	for i, s := range e.subscribers {
		if s == sub {
			e.subscribers = append(e.subscribers[:i], e.subscribers[i+1:]...)
			break
		}
	}
	e.subMu.Unlock()
	sub.close()
}

// emit fans an event out to a snapshot of the subscriber set. The
// snapshot is taken under the lock, delivery happens without it.
func (e *Engine) emit(kind string, data map[string]any) {
	ev := Event{Kind: kind, Timestamp: time.Now().UTC(), Data: data}

	e.subMu.RLock()
	subs := make([]*Subscription, len(e.subscribers))
	copy(subs, e.subscribers)
	e.subMu.RUnlock()

	for _, s := range subs {
		s.enqueue(ev)
	}
}
