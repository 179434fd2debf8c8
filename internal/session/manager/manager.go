// Package manager ties a live engine to the durable session: it
// persists after every iteration and mirrors engine lifecycle events
// into session and registry status.
package manager

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/m1nuzz/ralph-tui/internal/common/logger"
	"github.com/m1nuzz/ralph-tui/internal/engine"
	"github.com/m1nuzz/ralph-tui/internal/session"
	"github.com/m1nuzz/ralph-tui/internal/session/registry"
	"github.com/m1nuzz/ralph-tui/internal/tracker"
)

// Manager implements engine.Persister and engine.Subscriber.
type Manager struct {
	store    *session.Store
	registry *registry.Registry
	tracker  tracker.Tracker
	logger   *logger.Logger

	mu      sync.Mutex
	current session.Session
}

// New wraps an existing session value. The registry is optional.
func New(s session.Session, store *session.Store, reg *registry.Registry, tr tracker.Tracker, log *logger.Logger) *Manager {
	return &Manager{
		store:    store,
		registry: reg,
		tracker:  tr,
		logger:   log.WithSessionID(s.SessionID),
		current:  s,
	}
}

// Begin creates, saves and registers a fresh session.
func Begin(p session.NewParams, trackerPlugin string, store *session.Store, reg *registry.Registry, tr tracker.Tracker, log *logger.Logger) (*Manager, error) {
	s := session.NewPersisted(p)
	if err := store.Save(s); err != nil {
		return nil, err
	}
	m := New(s, store, reg, tr, log)
	m.register(trackerPlugin)
	return m, nil
}

// Session returns a copy of the current session value.
func (m *Manager) Session() session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) register(trackerPlugin string) {
	if m.registry == nil {
		return
	}
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()

	err := m.registry.Register(registry.Entry{
		SessionID:     s.SessionID,
		Cwd:           s.Cwd,
		Status:        s.Status,
		StartedAt:     s.StartedAt,
		UpdatedAt:     s.UpdatedAt,
		AgentPlugin:   s.AgentPlugin,
		TrackerPlugin: trackerPlugin,
		EpicID:        s.TrackerState.EpicID,
		PRDPath:       s.TrackerState.PRDPath,
	})
	if err != nil {
		m.logger.Warn("failed to register session", zap.Error(err))
	}
}

// PersistIteration implements engine.Persister.
func (m *Manager) PersistIteration(ctx context.Context, state engine.State, result engine.IterationResult) error {
	trackerState, err := tracker.Snapshot(ctx, m.tracker)
	if err != nil {
		m.logger.Warn("failed to snapshot tracker", zap.Error(err))
		m.mu.Lock()
		st := m.current.TrackerState
		m.mu.Unlock()
		trackerState = &st
	}

	m.mu.Lock()
	s := session.UpdateAfterIteration(m.current, session.IterationResult{
		Iteration:     result.Iteration,
		Status:        string(result.Status),
		Task:          result.Task,
		TaskCompleted: result.TaskCompleted,
		DurationMs:    result.DurationMs,
		Error:         result.Error,
		StartedAt:     result.StartedAt,
		EndedAt:       result.EndedAt,
	}, state.TasksCompleted, *trackerState)
	s.MaxIterations = state.MaxIterations
	s.SkippedTaskIDs = append([]string{}, state.SkippedTaskIDs...)
	m.current = s
	m.mu.Unlock()

	return m.store.Save(s)
}

// Receive implements engine.Subscriber: lifecycle events flip the
// session status and mirror it into the registry.
func (m *Manager) Receive(ev engine.Event) {
	switch ev.Kind {
	case engine.EventEnginePaused:
		m.apply(session.Pause)
	case engine.EventEngineResumed:
		m.apply(session.Resume)
	case engine.EventEngineStopped:
		reason, _ := ev.Data["reason"].(string)
		switch reason {
		case engine.ReasonNoTasks:
			m.apply(session.Complete)
		case engine.ReasonError:
			m.apply(session.Fail)
		default:
			// stopped and max_iterations leave work behind; the
			// session stays resumable.
			m.apply(session.MarkInterrupted)
		}
	}
}

func (m *Manager) apply(mutate func(session.Session) session.Session) {
	m.mu.Lock()
	s := mutate(m.current)
	m.current = s
	m.mu.Unlock()

	if err := m.store.Save(s); err != nil {
		m.logger.Error("failed to save session", zap.Error(err))
	}
	if m.registry != nil {
		if err := m.registry.UpdateStatus(s.SessionID, s.Status); err != nil {
			m.logger.Warn("failed to update registry status", zap.Error(err))
		}
	}
}
