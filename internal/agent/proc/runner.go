// Package proc manages the agent subprocess lifecycle: spawning the CLI,
// streaming its output as structured events, and interrupt handling.
// Concrete agent adapters embed a Runner and add their own argv and
// output conventions on top.
package proc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/m1nuzz/ralph-tui/internal/agent"
	"github.com/m1nuzz/ralph-tui/internal/common/logger"
)

const (
	// eventBufferSize bounds the event channel between the readers and
	// the engine loop.
	eventBufferSize = 256

	// killGrace is how long Interrupt waits before escalating to SIGKILL.
	killGrace = 10 * time.Second

	// maxLineSize caps a single output line (agents can emit huge JSONL).
	maxLineSize = 4 * 1024 * 1024
)

// Runner spawns agent CLI processes. One Runner can run many executions
// sequentially; each Start returns an independent Execution.
type Runner struct {
	command []string
	logger  *logger.Logger
	buffer  *OutputBuffer
}

// NewRunner creates a runner for the given argv.
func NewRunner(command []string, log *logger.Logger) *Runner {
	return &Runner{
		command: command,
		logger:  log.WithFields(zap.String("component", "proc-runner")),
		buffer:  NewOutputBuffer(4096),
	}
}

// Buffer returns the shared ring buffer of recent output lines.
func (r *Runner) Buffer() *OutputBuffer {
	return r.buffer
}

// Execution is one running agent process.
type Execution struct {
	cmd    *exec.Cmd
	events chan agent.Event
	logger *logger.Logger
	buffer *OutputBuffer

	interrupted atomic.Bool
	done        chan struct{}
	interruptMu sync.Mutex
}

var _ agent.Execution = (*Execution)(nil)

// Start launches the process and begins streaming events.
func (r *Runner) Start(ctx context.Context, req agent.ExecuteRequest) (*Execution, error) {
	if len(r.command) == 0 {
		return nil, fmt.Errorf("no agent command configured")
	}

	// The prompt travels on stdin so arbitrary content never hits argv.
	cmd := exec.Command(r.command[0], r.command[1:]...)
	cmd.Dir = req.WorkDir
	cmd.Env = os.Environ()
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent: %w", err)
	}

	e := &Execution{
		cmd:    cmd,
		events: make(chan agent.Event, eventBufferSize),
		logger: r.logger.WithFields(zap.Int("pid", cmd.Process.Pid), zap.String("task_id", req.Task)),
		buffer: r.buffer,
		done:   make(chan struct{}),
	}

	e.logger.Info("agent process started",
		zap.Strings("args", r.command),
		zap.String("workdir", req.WorkDir))

	go func() {
		defer func() { _ = stdin.Close() }()
		if _, err := stdin.Write([]byte(req.Prompt)); err != nil {
			e.logger.Warn("failed to write prompt to agent stdin", zap.Error(err))
		}
	}()

	var readers errgroup.Group
	readers.Go(func() error {
		e.readStream(stdout, agent.StreamStdout)
		return nil
	})
	readers.Go(func() error {
		e.readStream(stderr, agent.StreamStderr)
		return nil
	})

	go e.waitForExit(ctx, &readers)

	return e, nil
}

// Events returns the event stream.
func (e *Execution) Events() <-chan agent.Event {
	return e.events
}

// Interrupt signals the process with SIGINT; after a grace period the
// process is killed. Readers keep draining until EOF either way.
func (e *Execution) Interrupt() error {
	e.interruptMu.Lock()
	defer e.interruptMu.Unlock()

	select {
	case <-e.done:
		return agent.ErrNotRunning
	default:
	}

	if e.interrupted.CompareAndSwap(false, true) {
		e.logger.Info("interrupting agent process")
		if err := e.cmd.Process.Signal(os.Interrupt); err != nil {
			return fmt.Errorf("failed to signal agent: %w", err)
		}
		go func() {
			select {
			case <-e.done:
			case <-time.After(killGrace):
				e.logger.Warn("agent ignored interrupt, killing")
				_ = e.cmd.Process.Kill()
			}
		}()
	}
	return nil
}

// readStream scans one pipe line by line. Stdout lines that parse as a
// JSON object are additionally surfaced as structured messages.
func (e *Execution) readStream(r io.Reader, stream string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Text()
		e.buffer.Add(OutputLine{Timestamp: time.Now().UTC(), Stream: stream, Content: line})

		e.emit(agent.Event{Type: agent.EventOutput, Stream: stream, Data: line + "\n"})

		if stream == agent.StreamStdout && len(line) > 0 && line[0] == '{' {
			if json.Valid([]byte(line)) {
				e.emit(agent.Event{Type: agent.EventMessage, Message: json.RawMessage(line)})
			}
		}
	}
	if err := scanner.Err(); err != nil {
		e.logger.Debug("stream reader stopped", zap.String("stream", stream), zap.Error(err))
	}
}

// emit delivers an event, blocking until the consumer keeps up. The
// engine drains the channel from its select loop, so backpressure here
// is intentional: output is never dropped mid-iteration.
func (e *Execution) emit(ev agent.Event) {
	e.events <- ev
}

// waitForExit reaps the process after the readers hit EOF, then emits
// the terminal event.
func (e *Execution) waitForExit(ctx context.Context, readers *errgroup.Group) {
	// Kill the process if the engine's context ends first.
	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = e.cmd.Process.Kill()
		case <-ctxDone:
		}
	}()

	_ = readers.Wait()
	err := e.cmd.Wait()
	close(ctxDone)

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	close(e.done)

	e.logger.Info("agent process exited", zap.Int("exit_code", exitCode))

	e.events <- agent.Event{
		Type:        agent.EventEnd,
		ExitCode:    exitCode,
		Err:         err,
		Interrupted: e.interrupted.Load(),
	}
	close(e.events)
}
