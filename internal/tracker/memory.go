package tracker

import (
	"context"
	"sync"
)

// MemoryTracker is an in-memory tracker over a static task list.
// It backs the "static" tracker plugin and the engine test suite.
type MemoryTracker struct {
	mu     sync.RWMutex
	plugin string
	tasks  []Task
	index  map[string]int
}

// NewMemoryTracker creates a tracker over a copy of the given tasks.
func NewMemoryTracker(tasks []Task) *MemoryTracker {
	m := &MemoryTracker{
		plugin: "static",
		tasks:  make([]Task, len(tasks)),
		index:  make(map[string]int, len(tasks)),
	}
	copy(m.tasks, tasks)
	for i, t := range m.tasks {
		m.index[t.ID] = i
	}
	return m
}

// Plugin returns the tracker plugin name.
func (m *MemoryTracker) Plugin() string {
	return m.plugin
}

// Tasks returns a snapshot of all tasks.
func (m *MemoryTracker) Tasks(ctx context.Context) ([]Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Task, len(m.tasks))
	copy(out, m.tasks)
	return out, nil
}

// Get returns a single task by id.
func (m *MemoryTracker) Get(ctx context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.index[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	t := m.tasks[i]
	return &t, nil
}

// UpdateStatus moves a task to the given status.
func (m *MemoryTracker) UpdateStatus(ctx context.Context, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.index[id]
	if !ok {
		return ErrTaskNotFound
	}
	m.tasks[i].Status = status
	return nil
}

// Refresh is a no-op for the in-memory tracker.
func (m *MemoryTracker) Refresh(ctx context.Context) error {
	return nil
}
