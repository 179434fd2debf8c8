// Package engine implements the iteration loop that drives an external
// coding agent over a tracker's pending tasks: task selection, agent
// invocation, pause/resume/interrupt semantics, error policy, and event
// fan-out. State is mutated only by the loop goroutine; control
// operations signal it through a wakeup inbox and flags.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/m1nuzz/ralph-tui/internal/agent"
	"github.com/m1nuzz/ralph-tui/internal/common/logger"
	"github.com/m1nuzz/ralph-tui/internal/tracker"
)

// Sentinel errors per the public contract.
var (
	ErrAlreadyRunning = errors.New("already_running")
	ErrInvalidState   = errors.New("invalid_state")
	ErrNoActiveAgent  = errors.New("no_active_agent")
	ErrBadArg         = errors.New("bad_arg")
	ErrWouldEndLoop   = errors.New("would_end_loop")
	ErrNotTerminated  = errors.New("not_terminated")
	ErrNoPendingTasks = errors.New("no pending tasks")
)

// Persister saves the session after every iteration. Failures are
// logged and retried on the next save; the loop keeps going.
type Persister interface {
	PersistIteration(ctx context.Context, state State, result IterationResult) error
}

// Recorder archives full per-iteration output for later inspection.
type Recorder interface {
	Record(ctx context.Context, sessionID string, iteration uint, output, stderr string) error
}

// DefaultPromptTemplate is used when the config does not set one.
const DefaultPromptTemplate = "Work on the following task.\n\n" +
	"Task {{task_id}}: {{task_title}}\n\n{{task_description}}\n"

// Options configures an Engine.
type Options struct {
	SessionID        string
	WorkDir          string
	Model            string
	MaxIterations    uint // 0 means unlimited
	IterationDelay   time.Duration
	PromptTemplate   string
	Strategy         ErrorStrategy
	MaxRetries       int
	InitialIteration uint // non-zero when resuming a session

	Persister Persister // optional
	Recorder  Recorder  // optional
	Logger    *logger.Logger
}

// Engine drives the iteration loop.
type Engine struct {
	agent   agent.Agent
	tracker tracker.Tracker
	opts    Options
	policy  *ErrorPolicy
	logger  *logger.Logger

	mu          sync.RWMutex
	state       State
	skipped     map[string]struct{}
	currentExec agent.Execution
	pauseReq    bool
	resumeReq   bool
	stopReq     bool
	terminated  bool
	dirty       bool
	loopDone    chan struct{}
	cancel      context.CancelFunc

	// wake pokes the loop when a control flag changes
	wake chan struct{}

	subMu       sync.RWMutex
	subscribers []*Subscription
}

// New creates an idle engine.
func New(ag agent.Agent, tr tracker.Tracker, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	e := &Engine{
		agent:   ag,
		tracker: tr,
		opts:    opts,
		policy:  NewErrorPolicy(opts.Strategy, opts.MaxRetries),
		logger:  log.WithFields(zap.String("component", "engine")),
		skipped: make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
	}
	e.state = State{
		Status:           StatusIdle,
		CurrentIteration: opts.InitialIteration,
		MaxIterations:    opts.MaxIterations,
		SkippedTaskIDs:   []string{},
		Iterations:       []IterationResult{},
	}
	return e
}

// GetState returns an immutable snapshot.
func (e *Engine) GetState() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.clone()
}

// Done returns a channel closed when the current loop run terminates.
// Returns nil if the engine was never started.
func (e *Engine) Done() <-chan struct{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.loopDone
}

// Start schedules the iteration loop. Valid only when idle.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state.Status != StatusIdle {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.beginRunLocked(cancel)
	if e.state.StartedAt == nil {
		now := time.Now().UTC()
		e.state.StartedAt = &now
	}
	e.mu.Unlock()

	e.refreshTotals(loopCtx)
	e.emit(EventEngineStarted, map[string]any{
		"maxIterations": e.opts.MaxIterations,
		"sessionId":     e.opts.SessionID,
	})
	go e.runLoop(loopCtx)
	return nil
}

// Continue resumes a terminated loop with the same state, typically
// after AddIterations. Rejected if the engine never ran.
func (e *Engine) Continue(ctx context.Context) error {
	e.mu.Lock()
	if e.state.Status != StatusIdle {
		e.mu.Unlock()
		return ErrInvalidState
	}
	if !e.terminated {
		e.mu.Unlock()
		return ErrNotTerminated
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.beginRunLocked(cancel)
	e.mu.Unlock()

	e.emit(EventEngineStarted, map[string]any{
		"continued": true,
		"sessionId": e.opts.SessionID,
	})
	go e.runLoop(loopCtx)
	return nil
}

// beginRunLocked resets per-run control state. Caller holds e.mu.
func (e *Engine) beginRunLocked(cancel context.CancelFunc) {
	e.state.Status = StatusRunning
	e.pauseReq, e.resumeReq, e.stopReq = false, false, false
	e.loopDone = make(chan struct{})
	e.cancel = cancel
}

// Pause requests a pause. The in-flight agent runs to completion; the
// loop parks before the next iteration and emits engine:paused there.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Status != StatusRunning || e.stopReq {
		return ErrInvalidState
	}
	e.pauseReq = true
	e.wakeLoop()
	return nil
}

// Resume leaves the paused state (or cancels a not-yet-applied pause).
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopReq {
		return ErrInvalidState
	}
	switch {
	case e.state.Status == StatusPaused:
		e.resumeReq = true
	case e.state.Status == StatusRunning && e.pauseReq:
		e.pauseReq = false
	default:
		return ErrInvalidState
	}
	e.wakeLoop()
	return nil
}

// Stop terminates the loop. The in-flight agent is signalled; the
// iteration is recorded as interrupted; the engine returns to idle.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.state.Status != StatusRunning && e.state.Status != StatusPaused {
		e.mu.Unlock()
		return ErrInvalidState
	}
	if e.stopReq {
		e.mu.Unlock()
		return ErrInvalidState
	}
	e.stopReq = true
	exec := e.currentExec
	e.mu.Unlock()

	if exec != nil {
		_ = exec.Interrupt()
	}
	e.wakeLoop()
	return nil
}

// Interrupt signals the current agent only; the iteration is recorded
// as interrupted and the loop continues unless stopping.
func (e *Engine) Interrupt() error {
	e.mu.RLock()
	exec := e.currentExec
	e.mu.RUnlock()
	if exec == nil {
		return ErrNoActiveAgent
	}
	return exec.Interrupt()
}

// AddIterations raises the iteration budget.
func (e *Engine) AddIterations(n uint) error {
	if n == 0 {
		return ErrBadArg
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.MaxIterations += n
	return nil
}

// RemoveIterations lowers the iteration budget; the result must not end
// the loop out from under the current iteration.
func (e *Engine) RemoveIterations(n uint) error {
	if n == 0 {
		return ErrBadArg
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.MaxIterations == 0 || n > e.state.MaxIterations {
		return ErrWouldEndLoop
	}
	if e.state.MaxIterations-n < e.state.CurrentIteration {
		return ErrWouldEndLoop
	}
	e.state.MaxIterations -= n
	return nil
}

// RefreshTasks re-reads the tracker and updates the task totals.
func (e *Engine) RefreshTasks(ctx context.Context) error {
	if err := e.tracker.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh tracker: %w", err)
	}
	e.refreshTotals(ctx)
	return nil
}

// refreshTotals updates totalTasks from the tracker, best effort.
func (e *Engine) refreshTotals(ctx context.Context) {
	tasks, err := e.tracker.Tasks(ctx)
	if err != nil {
		e.logger.Warn("failed to read tracker tasks", zap.Error(err))
		return
	}
	e.mu.Lock()
	e.state.TotalTasks = uint(len(tasks))
	e.mu.Unlock()
}

// BuildPrompt renders the prompt for a task.
func (e *Engine) BuildPrompt(task tracker.Task) string {
	tmpl := e.opts.PromptTemplate
	if tmpl == "" {
		tmpl = DefaultPromptTemplate
	}
	r := strings.NewReplacer(
		"{{task_id}}", task.ID,
		"{{task_title}}", task.Title,
		"{{task_description}}", task.Description,
	)
	return r.Replace(tmpl)
}

// PromptPreview renders the prompt the next iteration would send.
func (e *Engine) PromptPreview(ctx context.Context) (string, error) {
	task, err := e.selectNextTask(ctx)
	if err != nil {
		return "", err
	}
	if task == nil {
		return "", ErrNoPendingTasks
	}
	return e.BuildPrompt(*task), nil
}

// wakeLoop pokes the loop without blocking.
func (e *Engine) wakeLoop() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// selectNextTask returns the highest-priority pending task outside the
// skip set, ties broken by id. Nil when none remain.
func (e *Engine) selectNextTask(ctx context.Context) (*tracker.Task, error) {
	tasks, err := e.tracker.Tasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	e.mu.Lock()
	e.state.TotalTasks = uint(len(tasks))
	skipped := make(map[string]struct{}, len(e.skipped))
	for id := range e.skipped {
		skipped[id] = struct{}{}
	}
	e.mu.Unlock()

	var candidates []tracker.Task
	for _, t := range tasks {
		if t.Status != tracker.StatusPending {
			continue
		}
		if _, skip := skipped[t.ID]; skip {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].ID < candidates[j].ID
	})
	t := candidates[0]
	return &t, nil
}
