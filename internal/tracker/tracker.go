// Package tracker defines the task source the engine iterates over.
// Concrete backends (beads, markdown PRDs, external issue trackers) live
// behind the Tracker interface; the engine treats tasks as opaque
// records addressed by id.
package tracker

import (
	"context"
	"errors"
)

// Status is the lifecycle state of a task, owned by the tracker.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusBlocked    Status = "blocked"
	StatusFailed     Status = "failed"
)

// ErrTaskNotFound is returned when a task id is unknown to the tracker.
var ErrTaskNotFound = errors.New("task not found")

// Task is one unit of work. Higher Priority is selected first.
type Task struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      Status `json:"status"`
	Priority    int    `json:"priority,omitempty"`
}

// State describes the tracker for session persistence.
type State struct {
	Plugin     string `json:"plugin"`
	EpicID     *string `json:"epicId,omitempty"`
	PRDPath    *string `json:"prdPath,omitempty"`
	TotalTasks int    `json:"totalTasks"`
	Tasks      []Task `json:"tasks"`
}

// Tracker enumerates tasks and updates their statuses.
type Tracker interface {
	// Plugin returns the tracker plugin name for persistence.
	Plugin() string

	// Tasks returns a snapshot of all tasks.
	Tasks(ctx context.Context) ([]Task, error)

	// Get returns a single task by id.
	Get(ctx context.Context, id string) (*Task, error)

	// UpdateStatus moves a task to the given status.
	UpdateStatus(ctx context.Context, id string, status Status) error

	// Refresh re-reads the underlying source, if any.
	Refresh(ctx context.Context) error
}

// Snapshot builds the persisted tracker state from a live tracker.
func Snapshot(ctx context.Context, t Tracker) (*State, error) {
	tasks, err := t.Tasks(ctx)
	if err != nil {
		return nil, err
	}
	return &State{
		Plugin:     t.Plugin(),
		TotalTasks: len(tasks),
		Tasks:      tasks,
	}, nil
}
