// Package session persists the durable state of a single continuous run
// in one working directory: crash-safe save/load of the session file and
// the pure mutators the engine driver applies to it.
package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/m1nuzz/ralph-tui/internal/tracker"
)

// FileName is the session file inside the working directory.
const FileName = ".ralph-tui-session.json"

// SchemaVersion is the current session file schema.
const SchemaVersion = 1

// Status is the session-level lifecycle state.
type Status string

const (
	StatusRunning     Status = "running"
	StatusPaused      Status = "paused"
	StatusInterrupted Status = "interrupted"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Resumable reports whether a session in this status can be picked up.
func (s Status) Resumable() bool {
	switch s {
	case StatusRunning, StatusPaused, StatusInterrupted:
		return true
	}
	return false
}

// IterationResult is one persisted loop pass.
type IterationResult struct {
	Iteration     uint         `json:"iteration"`
	Status        string       `json:"status"`
	Task          tracker.Task `json:"task"`
	TaskCompleted bool         `json:"taskCompleted"`
	DurationMs    uint64       `json:"durationMs"`
	Error         *string      `json:"error,omitempty"`
	StartedAt     time.Time    `json:"startedAt"`
	EndedAt       time.Time    `json:"endedAt"`
}

// Session is the durable state stored at <cwd>/.ralph-tui-session.json.
type Session struct {
	Version          int               `json:"version"`
	SessionID        string            `json:"sessionId"`
	Status           Status            `json:"status"`
	StartedAt        time.Time         `json:"startedAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
	PausedAt         *time.Time        `json:"pausedAt,omitempty"`
	CurrentIteration uint              `json:"currentIteration"`
	MaxIterations    uint              `json:"maxIterations"`
	TasksCompleted   uint              `json:"tasksCompleted"`
	IsPaused         bool              `json:"isPaused"`
	AgentPlugin      string            `json:"agentPlugin"`
	Model            *string           `json:"model,omitempty"`
	TrackerState     tracker.State     `json:"trackerState"`
	Iterations       []IterationResult `json:"iterations"`
	SkippedTaskIDs   []string          `json:"skippedTaskIds"`
	Cwd              string            `json:"cwd"`
}

// NewParams configures a fresh persisted session.
type NewParams struct {
	Cwd           string
	AgentPlugin   string
	Model         *string
	MaxIterations uint
	TrackerState  tracker.State
}

// NewPersisted creates a new running session with a fresh id.
func NewPersisted(p NewParams) Session {
	now := time.Now().UTC()
	return Session{
		Version:        SchemaVersion,
		SessionID:      uuid.New().String(),
		Status:         StatusRunning,
		StartedAt:      now,
		UpdatedAt:      now,
		MaxIterations:  p.MaxIterations,
		AgentPlugin:    p.AgentPlugin,
		Model:          p.Model,
		TrackerState:   p.TrackerState,
		Iterations:     []IterationResult{},
		SkippedTaskIDs: []string{},
		Cwd:            p.Cwd,
	}
}

// UpdateAfterIteration appends one result and advances the counters.
func UpdateAfterIteration(s Session, result IterationResult, tasksCompleted uint, trackerState tracker.State) Session {
	s.CurrentIteration = result.Iteration
	s.TasksCompleted = tasksCompleted
	s.TrackerState = trackerState
	s.Iterations = append(append([]IterationResult{}, s.Iterations...), result)
	return touch(s)
}

// Pause marks the session paused.
func Pause(s Session) Session {
	now := time.Now().UTC()
	s.Status = StatusPaused
	s.IsPaused = true
	s.PausedAt = &now
	return touch(s)
}

// Resume clears the paused state.
func Resume(s Session) Session {
	s.Status = StatusRunning
	s.IsPaused = false
	s.PausedAt = nil
	return touch(s)
}

// Complete marks the session finished successfully.
func Complete(s Session) Session {
	s.Status = StatusCompleted
	s.IsPaused = false
	return touch(s)
}

// Fail marks the session failed.
func Fail(s Session) Session {
	s.Status = StatusFailed
	s.IsPaused = false
	return touch(s)
}

// MarkInterrupted marks the session interrupted (resumable).
func MarkInterrupted(s Session) Session {
	s.Status = StatusInterrupted
	return touch(s)
}

// AddSkippedTask records a skipped task id, deduplicated.
func AddSkippedTask(s Session, taskID string) Session {
	for _, id := range s.SkippedTaskIDs {
		if id == taskID {
			return s
		}
	}
	s.SkippedTaskIDs = append(append([]string{}, s.SkippedTaskIDs...), taskID)
	return touch(s)
}

func touch(s Session) Session {
	s.UpdatedAt = time.Now().UTC()
	if s.UpdatedAt.Before(s.StartedAt) {
		s.UpdatedAt = s.StartedAt
	}
	return s
}
