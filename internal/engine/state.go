package engine

import (
	"encoding/json"
	"time"

	"github.com/m1nuzz/ralph-tui/internal/tracker"
)

// Status is the engine-level state, distinct from session status.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusStopping Status = "stopping"
)

// IterationStatus classifies one loop pass.
type IterationStatus string

const (
	IterationCompleted   IterationStatus = "completed"
	IterationFailed      IterationStatus = "failed"
	IterationInterrupted IterationStatus = "interrupted"
	IterationSkipped     IterationStatus = "skipped"
)

// Termination reasons reported when the loop ends.
const (
	ReasonNoTasks       = "no_tasks"
	ReasonMaxIterations = "max_iterations"
	ReasonError         = "error"
	ReasonStopped       = "stopped"
)

// IterationResult records one pass of the loop. Immutable once appended.
type IterationResult struct {
	Iteration     uint            `json:"iteration"` // 1-based
	Status        IterationStatus `json:"status"`
	Task          tracker.Task    `json:"task"`
	TaskCompleted bool            `json:"taskCompleted"`
	DurationMs    uint64          `json:"durationMs"`
	Error         *string         `json:"error,omitempty"`
	StartedAt     time.Time       `json:"startedAt"`
	EndedAt       time.Time       `json:"endedAt"`
}

// State is the engine's observable state. GetState returns deep copies;
// the single mutable instance lives inside the Engine and is written
// only by the loop.
type State struct {
	Status           Status            `json:"status"`
	CurrentIteration uint              `json:"currentIteration"`
	CurrentTask      *tracker.Task     `json:"currentTask,omitempty"`
	CurrentOutput    string            `json:"currentOutput"`
	CurrentStderr    string            `json:"currentStderr"`
	Iterations       []IterationResult `json:"iterations"`
	TasksCompleted   uint              `json:"tasksCompleted"`
	TotalTasks       uint              `json:"totalTasks"`
	MaxIterations    uint              `json:"maxIterations"`
	StartedAt        *time.Time        `json:"startedAt,omitempty"`
	ActiveAgent      string            `json:"activeAgent,omitempty"`
	RateLimitState   json.RawMessage   `json:"rateLimitState,omitempty"`
	SkippedTaskIDs   []string          `json:"skippedTaskIds"`
}

// clone deep-copies the state for snapshot readers.
func (s *State) clone() State {
	out := *s
	if s.CurrentTask != nil {
		t := *s.CurrentTask
		out.CurrentTask = &t
	}
	if s.StartedAt != nil {
		ts := *s.StartedAt
		out.StartedAt = &ts
	}
	out.Iterations = make([]IterationResult, len(s.Iterations))
	copy(out.Iterations, s.Iterations)
	out.SkippedTaskIDs = make([]string, len(s.SkippedTaskIDs))
	copy(out.SkippedTaskIDs, s.SkippedTaskIDs)
	if s.RateLimitState != nil {
		out.RateLimitState = make(json.RawMessage, len(s.RateLimitState))
		copy(out.RateLimitState, s.RateLimitState)
	}
	return out
}
