package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/m1nuzz/ralph-tui/internal/agent"
	"github.com/m1nuzz/ralph-tui/internal/common/logger"
	"github.com/m1nuzz/ralph-tui/internal/tracker"
)

type gateResult int

const (
	gateProceed gateResult = iota
	gateExit
)

// runLoop is the engine's dedicated goroutine. All status transitions
// happen here; control operations only set flags and wake it.
func (e *Engine) runLoop(ctx context.Context) {
	reason := ReasonNoTasks
	defer func() { e.finishLoop(reason) }()

	for {
		if e.controlGate(ctx) == gateExit {
			reason = ReasonStopped
			return
		}

		e.mu.RLock()
		cur, max := e.state.CurrentIteration, e.state.MaxIterations
		e.mu.RUnlock()
		if max > 0 && cur >= max {
			reason = ReasonMaxIterations
			return
		}

		task, err := e.selectNextTask(ctx)
		if err != nil {
			e.logger.Error("task selection failed", zap.Error(err))
			reason = ReasonError
			return
		}
		if task == nil {
			reason = ReasonNoTasks
			return
		}

		exit, exitReason := e.runIteration(ctx, *task)
		if exit {
			reason = exitReason
			return
		}

		if !e.sleepBetweenIterations(ctx) {
			reason = ReasonStopped
			return
		}
	}
}

// controlGate is the between-iterations safe point: it applies pending
// stop and pause requests, parking until resume while paused.
func (e *Engine) controlGate(ctx context.Context) gateResult {
	for {
		if ctx.Err() != nil {
			return gateExit
		}

		e.mu.Lock()
		if e.stopReq {
			e.state.Status = StatusStopping
			e.mu.Unlock()
			return gateExit
		}
		if !e.pauseReq {
			e.mu.Unlock()
			return gateProceed
		}
		e.pauseReq = false
		e.state.Status = StatusPaused
		e.mu.Unlock()
		e.emit(EventEnginePaused, nil)

		for {
			select {
			case <-ctx.Done():
				return gateExit
			case <-e.wake:
			}

			e.mu.Lock()
			if e.stopReq {
				e.state.Status = StatusStopping
				e.mu.Unlock()
				return gateExit
			}
			if e.resumeReq {
				e.resumeReq = false
				e.state.Status = StatusRunning
				e.mu.Unlock()
				e.emit(EventEngineResumed, nil)
				break
			}
			e.mu.Unlock()
		}
	}
}

// sleepBetweenIterations honors the configured delay, waking early for
// control requests. Returns false when the loop should exit.
func (e *Engine) sleepBetweenIterations(ctx context.Context) bool {
	delay := e.opts.IterationDelay
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-e.wake:
		// A control flag changed; let the gate handle it. Re-arm the
		// wakeup so the gate sees it too.
		e.wakeLoop()
		return true
	case <-ctx.Done():
		return false
	}
}

// runIteration executes one full pass for the selected task.
func (e *Engine) runIteration(ctx context.Context, task tracker.Task) (exit bool, reason string) {
	startedAt := time.Now().UTC()

	e.mu.Lock()
	e.state.CurrentIteration++
	iter := e.state.CurrentIteration
	t := task
	e.state.CurrentTask = &t
	e.state.CurrentOutput = ""
	e.state.CurrentStderr = ""
	e.mu.Unlock()

	log := e.logger.WithIteration(iter).WithTaskID(task.ID)
	log.Info("iteration started", zap.String("title", task.Title))

	e.emit(EventTaskSelected, map[string]any{"task": task})
	e.emit(EventIterationStarted, map[string]any{"iteration": iter, "task": task})

	if err := e.tracker.UpdateStatus(ctx, task.ID, tracker.StatusInProgress); err != nil {
		log.Warn("failed to mark task in_progress", zap.Error(err))
	}

	end := e.invokeAgent(ctx, task)

	endedAt := time.Now().UTC()
	result := IterationResult{
		Iteration: iter,
		Task:      task,
		StartedAt: startedAt,
		EndedAt:   endedAt,
		DurationMs: uint64(endedAt.Sub(startedAt).Milliseconds()),
	}

	exit, reason = e.classify(ctx, &result, end, log)

	e.mu.Lock()
	e.state.Iterations = append(e.state.Iterations, result)
	output, stderr := e.state.CurrentOutput, e.state.CurrentStderr
	e.mu.Unlock()

	e.persist(ctx, result)
	e.record(ctx, iter, output, stderr)

	if result.Status == IterationFailed {
		e.emit(EventIterationFailed, map[string]any{"iteration": iter, "result": result})
	} else {
		e.emit(EventIterationCompleted, map[string]any{"iteration": iter, "result": result})
	}

	log.Info("iteration finished",
		zap.String("status", string(result.Status)),
		zap.Bool("task_completed", result.TaskCompleted),
		zap.Uint64("duration_ms", result.DurationMs))
	return exit, reason
}

// invokeAgent starts the agent and consumes its event stream until the
// end event, processing control requests at the select.
func (e *Engine) invokeAgent(ctx context.Context, task tracker.Task) agent.Event {
	req := agent.ExecuteRequest{
		Prompt:  e.BuildPrompt(task),
		Task:    task.ID,
		WorkDir: e.opts.WorkDir,
		Model:   e.opts.Model,
	}

	exec, err := e.agent.Execute(ctx, req)
	if err != nil {
		return agent.Event{Type: agent.EventEnd, ExitCode: -1, Err: err}
	}

	e.mu.Lock()
	e.currentExec = exec
	e.state.ActiveAgent = e.agent.ID()
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.currentExec = nil
		e.state.ActiveAgent = ""
		e.mu.Unlock()
	}()

	ctxDone := ctx.Done()
	for {
		select {
		case ev, ok := <-exec.Events():
			if !ok {
				return agent.Event{
					Type: agent.EventEnd, ExitCode: -1,
					Err: errors.New("agent stream closed without end event"),
				}
			}
			switch ev.Type {
			case agent.EventOutput:
				e.mu.Lock()
				if ev.Stream == agent.StreamStderr {
					e.state.CurrentStderr += ev.Data
				} else {
					e.state.CurrentOutput += ev.Data
				}
				e.mu.Unlock()
				e.emit(EventAgentOutput, map[string]any{"stream": ev.Stream, "data": ev.Data})
			case agent.EventMessage:
				e.logger.Debug("agent message", zap.ByteString("message", ev.Message))
			case agent.EventEnd:
				return ev
			}

		case <-e.wake:
			// Stop interrupts the in-flight agent; pause waits for the
			// iteration to finish and is handled at the gate.
			e.mu.RLock()
			stop := e.stopReq
			e.mu.RUnlock()
			if stop {
				_ = exec.Interrupt()
			}

		case <-ctxDone:
			_ = exec.Interrupt()
			ctxDone = nil // keep draining until the end event
		}
	}
}

// classify turns the agent's end event into an iteration result and the
// follow-up tracker/policy actions.
func (e *Engine) classify(ctx context.Context, result *IterationResult, end agent.Event, log *logger.Logger) (exit bool, reason string) {
	task := result.Task

	if end.Interrupted {
		result.Status = IterationInterrupted
		if err := e.tracker.UpdateStatus(ctx, task.ID, tracker.StatusPending); err != nil {
			log.Warn("failed to reset interrupted task", zap.Error(err))
		}
		return false, ""
	}

	if end.ExitCode == 0 && end.Err == nil {
		result.Status = IterationCompleted
		e.policy.OnSuccess(task.ID)

		if e.taskReportedComplete(ctx, task.ID) {
			result.TaskCompleted = true
			if err := e.tracker.UpdateStatus(ctx, task.ID, tracker.StatusCompleted); err != nil {
				log.Warn("failed to mark task completed", zap.Error(err))
			}
			e.mu.Lock()
			e.state.TasksCompleted++
			e.mu.Unlock()
			e.emit(EventTaskCompleted, map[string]any{"task": task})
		} else {
			// Same task stays eligible for the next iteration.
			if err := e.tracker.UpdateStatus(ctx, task.ID, tracker.StatusPending); err != nil {
				log.Warn("failed to reset incomplete task", zap.Error(err))
			}
		}
		return false, ""
	}

	// Non-zero exit or spawn/parse error: apply the error policy.
	result.Status = IterationFailed
	msg := fmtAgentError(end)
	result.Error = &msg
	log.Warn("iteration failed", zap.String("error", msg))

	switch e.policy.OnFailure(task.ID) {
	case DecisionAbort:
		if err := e.tracker.UpdateStatus(ctx, task.ID, tracker.StatusFailed); err != nil {
			log.Warn("failed to mark task failed", zap.Error(err))
		}
		return true, ReasonError
	case DecisionSkip:
		e.addSkippedTask(task.ID)
		if err := e.tracker.UpdateStatus(ctx, task.ID, tracker.StatusFailed); err != nil {
			log.Warn("failed to mark task failed", zap.Error(err))
		}
	case DecisionContinue:
		if err := e.tracker.UpdateStatus(ctx, task.ID, tracker.StatusPending); err != nil {
			log.Warn("failed to reset failed task", zap.Error(err))
		}
	}
	return false, ""
}

// taskReportedComplete re-reads the task; the agent marks completion in
// the tracker's own store, so a refresh precedes the check.
func (e *Engine) taskReportedComplete(ctx context.Context, taskID string) bool {
	if err := e.tracker.Refresh(ctx); err != nil {
		e.logger.Warn("tracker refresh failed", zap.Error(err))
	}
	t, err := e.tracker.Get(ctx, taskID)
	if err != nil {
		e.logger.Warn("failed to re-read task", zap.String("task_id", taskID), zap.Error(err))
		return false
	}
	return t.Status == tracker.StatusCompleted
}

// addSkippedTask records a task id in the skip set, deduplicated.
func (e *Engine) addSkippedTask(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.skipped[id]; ok {
		return
	}
	e.skipped[id] = struct{}{}
	e.state.SkippedTaskIDs = append(e.state.SkippedTaskIDs, id)
}

// persist saves the session snapshot; failures mark the state dirty and
// the next save retries.
func (e *Engine) persist(ctx context.Context, result IterationResult) {
	if e.opts.Persister == nil {
		return
	}
	snapshot := e.GetState()
	if err := e.opts.Persister.PersistIteration(ctx, snapshot, result); err != nil {
		e.logger.Error("session persistence failed", zap.Error(err))
		e.mu.Lock()
		e.dirty = true
		e.mu.Unlock()
		return
	}
	e.mu.Lock()
	e.dirty = false
	e.mu.Unlock()
}

// record archives the iteration's full output, best effort.
func (e *Engine) record(ctx context.Context, iteration uint, output, stderr string) {
	if e.opts.Recorder == nil {
		return
	}
	if err := e.opts.Recorder.Record(ctx, e.opts.SessionID, iteration, output, stderr); err != nil {
		e.logger.Warn("failed to record iteration output", zap.Error(err))
	}
}

// finishLoop returns the engine to idle and publishes the stop event.
func (e *Engine) finishLoop(reason string) {
	e.mu.Lock()
	e.state.Status = StatusIdle
	e.state.CurrentTask = nil
	e.terminated = true
	e.pauseReq, e.resumeReq, e.stopReq = false, false, false
	done := e.loopDone
	cancel := e.cancel
	e.mu.Unlock()

	e.emit(EventEngineStopped, map[string]any{"reason": reason})
	e.logger.Info("loop terminated", zap.String("reason", reason))

	if cancel != nil {
		cancel()
	}
	close(done)
}

func fmtAgentError(end agent.Event) string {
	if end.Err != nil {
		return end.Err.Error()
	}
	return fmt.Sprintf("agent exited with code %d", end.ExitCode)
}
