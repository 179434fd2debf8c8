// Package agenttest provides a deterministic Agent for engine tests and
// dry runs: each invocation plays back the next scripted step.
package agenttest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/m1nuzz/ralph-tui/internal/agent"
)

// Step describes one scripted invocation.
type Step struct {
	Stdout   []string        // lines emitted on stdout
	Stderr   []string        // lines emitted on stderr
	Messages []string        // JSONL messages emitted after the output
	ExitCode int
	Err      error
	Delay    time.Duration // pause before the end event

	// WaitInterrupt blocks the execution until Interrupt is called,
	// then ends with Interrupted=true.
	WaitInterrupt bool

	// OnExecute runs before any events are emitted; tests use it to
	// flip task state in the tracker mid-flight.
	OnExecute func(req agent.ExecuteRequest)
}

// ScriptedAgent plays back steps in order. When the script runs out the
// last step repeats.
type ScriptedAgent struct {
	id    string
	steps []Step

	mu       sync.Mutex
	next     int
	Requests []agent.ExecuteRequest
}

// New creates a scripted agent.
func New(id string, steps ...Step) *ScriptedAgent {
	return &ScriptedAgent{id: id, steps: steps}
}

// ID identifies the adapter plugin.
func (a *ScriptedAgent) ID() string {
	return a.id
}

// Execute plays back the next step.
func (a *ScriptedAgent) Execute(ctx context.Context, req agent.ExecuteRequest) (agent.Execution, error) {
	a.mu.Lock()
	if len(a.steps) == 0 {
		a.mu.Unlock()
		return nil, fmt.Errorf("scripted agent %q has no steps", a.id)
	}
	step := a.steps[a.next]
	if a.next < len(a.steps)-1 {
		a.next++
	}
	a.Requests = append(a.Requests, req)
	a.mu.Unlock()

	if step.OnExecute != nil {
		step.OnExecute(req)
	}

	e := &scriptedExecution{
		events:    make(chan agent.Event, 64),
		interrupt: make(chan struct{}),
	}
	go e.run(ctx, step)
	return e, nil
}

// Invocations returns how many times Execute was called.
func (a *ScriptedAgent) Invocations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Requests)
}

type scriptedExecution struct {
	events    chan agent.Event
	interrupt chan struct{}
	once      sync.Once
}

func (e *scriptedExecution) Events() <-chan agent.Event {
	return e.events
}

func (e *scriptedExecution) Interrupt() error {
	e.once.Do(func() { close(e.interrupt) })
	return nil
}

func (e *scriptedExecution) run(ctx context.Context, step Step) {
	defer close(e.events)

	for _, line := range step.Stdout {
		e.events <- agent.Event{Type: agent.EventOutput, Stream: agent.StreamStdout, Data: line + "\n"}
	}
	for _, line := range step.Stderr {
		e.events <- agent.Event{Type: agent.EventOutput, Stream: agent.StreamStderr, Data: line + "\n"}
	}
	for _, msg := range step.Messages {
		e.events <- agent.Event{Type: agent.EventMessage, Message: json.RawMessage(msg)}
	}

	interrupted := false
	if step.WaitInterrupt {
		select {
		case <-e.interrupt:
			interrupted = true
		case <-ctx.Done():
		}
	} else if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-e.interrupt:
			interrupted = true
		case <-ctx.Done():
		}
	} else {
		select {
		case <-e.interrupt:
			interrupted = true
		default:
		}
	}

	e.events <- agent.Event{
		Type:        agent.EventEnd,
		ExitCode:    step.ExitCode,
		Err:         step.Err,
		Interrupted: interrupted,
	}
}
