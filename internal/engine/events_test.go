package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/m1nuzz/ralph-tui/internal/agent/agenttest"
	"github.com/m1nuzz/ralph-tui/internal/tracker"
)

func newIdleEngine() *Engine {
	return New(agenttest.New("test"), tracker.NewMemoryTracker(nil), Options{})
}

func TestFanOutOrder(t *testing.T) {
	e := newIdleEngine()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	e.Subscribe(SubscriberFunc(func(ev Event) {
		mu.Lock()
		got = append(got, ev.Kind)
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
	}))

	e.emit("a", nil)
	e.emit("b", nil)
	e.emit("c", nil)

	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("events not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"a", "b", "c"} {
		if got[i] != want {
			t.Fatalf("delivery out of order: %v", got)
		}
	}
}

func TestSubscriberPanicIsContained(t *testing.T) {
	e := newIdleEngine()

	e.Subscribe(SubscriberFunc(func(ev Event) {
		panic("subscriber bug")
	}))
	healthy := make(chan Event, 1)
	e.Subscribe(SubscriberFunc(func(ev Event) {
		select {
		case healthy <- ev:
		default:
		}
	}))

	e.emit("x", nil)

	select {
	case <-healthy:
	case <-time.After(testTimeout):
		t.Fatal("healthy subscriber starved by panicking one")
	}
}

func TestSlowSubscriberMarkedLagging(t *testing.T) {
	e := newIdleEngine()

	block := make(chan struct{})
	sub := e.Subscribe(SubscriberFunc(func(ev Event) {
		<-block
	}))

	// One event is consumed by the delivery goroutine and blocks; the
	// queue absorbs defaultQueueSize more; anything beyond drops oldest.
	for i := 0; i < defaultQueueSize+10; i++ {
		e.emit("flood", nil)
	}

	deadline := time.Now().Add(testTimeout)
	for !sub.Lagging() {
		if time.Now().After(deadline) {
			t.Fatal("subscription never marked lagging")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(block)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	e := newIdleEngine()

	var mu sync.Mutex
	count := 0
	sub := e.Subscribe(SubscriberFunc(func(ev Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}))

	e.emit("one", nil)
	// Let the queued event drain before unsubscribing.
	time.Sleep(50 * time.Millisecond)
	e.Unsubscribe(sub)
	e.emit("two", nil)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("expected 1 delivery, got %d", count)
	}
}
