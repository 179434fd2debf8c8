package tracker

import (
	"context"
	"errors"
	"testing"
)

func testTasks() []Task {
	return []Task{
		{ID: "a", Title: "Task A", Status: StatusPending, Priority: 2},
		{ID: "b", Title: "Task B", Status: StatusPending, Priority: 1},
	}
}

func TestMemoryTrackerTasksIsolated(t *testing.T) {
	m := NewMemoryTracker(testTasks())

	tasks, err := m.Tasks(context.Background())
	if err != nil {
		t.Fatalf("Tasks failed: %v", err)
	}
	tasks[0].Status = StatusCompleted

	again, _ := m.Tasks(context.Background())
	if again[0].Status != StatusPending {
		t.Error("Tasks snapshot should not alias internal state")
	}
}

func TestMemoryTrackerUpdateStatus(t *testing.T) {
	m := NewMemoryTracker(testTasks())

	if err := m.UpdateStatus(context.Background(), "a", StatusInProgress); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	got, err := m.Get(context.Background(), "a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusInProgress {
		t.Errorf("expected in_progress, got %s", got.Status)
	}
}

func TestMemoryTrackerUnknownTask(t *testing.T) {
	m := NewMemoryTracker(testTasks())

	if _, err := m.Get(context.Background(), "nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
	if err := m.UpdateStatus(context.Background(), "nope", StatusFailed); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestSnapshot(t *testing.T) {
	m := NewMemoryTracker(testTasks())

	st, err := Snapshot(context.Background(), m)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if st.Plugin != "static" {
		t.Errorf("expected plugin 'static', got %q", st.Plugin)
	}
	if st.TotalTasks != 2 || len(st.Tasks) != 2 {
		t.Errorf("expected 2 tasks, got total=%d len=%d", st.TotalTasks, len(st.Tasks))
	}
}
