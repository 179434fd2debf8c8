package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/m1nuzz/ralph-tui/internal/agent"
	"github.com/m1nuzz/ralph-tui/internal/agent/proc"
	"github.com/m1nuzz/ralph-tui/internal/common/config"
	"github.com/m1nuzz/ralph-tui/internal/common/fsutil"
	"github.com/m1nuzz/ralph-tui/internal/common/logger"
	"github.com/m1nuzz/ralph-tui/internal/engine"
	"github.com/m1nuzz/ralph-tui/internal/events"
	"github.com/m1nuzz/ralph-tui/internal/events/bus"
	"github.com/m1nuzz/ralph-tui/internal/history"
	"github.com/m1nuzz/ralph-tui/internal/remote/server"
	"github.com/m1nuzz/ralph-tui/internal/session"
	"github.com/m1nuzz/ralph-tui/internal/session/manager"
	"github.com/m1nuzz/ralph-tui/internal/session/registry"
	"github.com/m1nuzz/ralph-tui/internal/tracker"
)

func runCmd() *cobra.Command {
	var (
		remoteEnabled bool
		port          int
		rotateToken   bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the iteration loop in the current directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Remote.Port = port
			}
			if rotateToken {
				cfg.Remote.RotateToken = true
			}
			return runEngine(cmd.Context(), cfg, log, remoteEnabled)
		},
	}
	cmd.Flags().BoolVar(&remoteEnabled, "remote", false, "expose the remote control plane")
	cmd.Flags().IntVar(&port, "port", 0, "remote control plane port (default 7890)")
	cmd.Flags().BoolVar(&rotateToken, "rotate-token", false, "regenerate the server token")
	return cmd
}

// buildAgent resolves the configured agent plugin into a CLI adapter.
func buildAgent(cfg *config.Config, log *logger.Logger) (agent.Agent, error) {
	name := cfg.Agent
	if name == "" {
		name = cfg.DefaultAgent
	}
	plugin, ok := cfg.AgentByName(name)
	if !ok {
		return nil, fmt.Errorf("no agent configured (set agent or [[agents]] in config.toml)")
	}

	command, err := commandOption(plugin.Options)
	if err != nil {
		return nil, fmt.Errorf("agent %q: %w", plugin.Name, err)
	}

	runner := proc.NewRunner(command, log)
	return agent.NewCLIAgent(plugin.Plugin, agent.StarterFunc(
		func(ctx context.Context, req agent.ExecuteRequest) (agent.Execution, error) {
			return runner.Start(ctx, req)
		})), nil
}

// commandOption extracts options.command as argv.
func commandOption(options map[string]any) ([]string, error) {
	raw, ok := options["command"]
	if !ok {
		return nil, fmt.Errorf("options.command is required")
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("options.command must be an array of strings")
	}
	out := make([]string, len(list))
	for i, v := range list {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("options.command must be an array of strings")
		}
		out[i] = s
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("options.command is empty")
	}
	return out, nil
}

// buildTracker resolves the configured tracker plugin.
func buildTracker(cfg *config.Config) (tracker.Tracker, error) {
	name := cfg.Tracker
	if name == "" {
		name = cfg.DefaultTracker
	}
	plugin, ok := cfg.TrackerByName(name)
	if !ok {
		return nil, fmt.Errorf("no tracker configured (set tracker or [[trackers]] in config.toml)")
	}

	switch plugin.Plugin {
	case "static":
		return staticTracker(plugin.Options)
	default:
		return nil, fmt.Errorf("unknown tracker plugin %q", plugin.Plugin)
	}
}

// staticTracker builds the in-memory tracker from options.tasks.
func staticTracker(options map[string]any) (tracker.Tracker, error) {
	raw, _ := options["tasks"].([]any)
	tasks := make([]tracker.Task, 0, len(raw))
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		t := tracker.Task{Status: tracker.StatusPending}
		if id, ok := entry["id"].(string); ok {
			t.ID = id
		}
		if title, ok := entry["title"].(string); ok {
			t.Title = title
		}
		if desc, ok := entry["description"].(string); ok {
			t.Description = desc
		}
		switch pri := entry["priority"].(type) {
		case int64:
			t.Priority = int(pri)
		case int:
			t.Priority = pri
		case float64:
			t.Priority = int(pri)
		}
		if t.ID != "" {
			tasks = append(tasks, t)
		}
	}
	return tracker.NewMemoryTracker(tasks), nil
}

// runEngine wires everything together and drives the loop to completion.
func runEngine(ctx context.Context, cfg *config.Config, log *logger.Logger, remoteEnabled bool) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve working directory: %w", err)
	}

	ag, err := buildAgent(cfg, log)
	if err != nil {
		return err
	}
	tr, err := buildTracker(cfg)
	if err != nil {
		return err
	}

	eventBus, err := bus.New(cfg.Events.NATSURL, log)
	if err != nil {
		return fmt.Errorf("failed to connect event bus: %w", err)
	}
	defer eventBus.Close()

	store := session.NewStore(log)
	reg, err := registry.Default(log)
	if err != nil {
		return err
	}

	trackerState, err := tracker.Snapshot(ctx, tr)
	if err != nil {
		return fmt.Errorf("snapshot tracker: %w", err)
	}
	mgr, err := manager.Begin(session.NewParams{
		Cwd:           cwd,
		AgentPlugin:   ag.ID(),
		MaxIterations: uint(cfg.MaxIterations),
		TrackerState:  *trackerState,
	}, tr.Plugin(), store, reg, tr, log)
	if err != nil {
		return fmt.Errorf("begin session: %w", err)
	}
	sess := mgr.Session()
	log.Info("session started", zap.String("session_id", sess.SessionID))

	historyPath := cfg.History.Path
	if historyPath == "" {
		home, err := fsutil.ConfigHome()
		if err != nil {
			return err
		}
		historyPath = filepath.Join(home, "history.db")
	}
	hist, err := history.NewStore(historyPath, log)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer func() { _ = hist.Close() }()

	eng := engine.New(ag, tr, engine.Options{
		SessionID:      sess.SessionID,
		WorkDir:        cwd,
		MaxIterations:  uint(cfg.MaxIterations),
		IterationDelay: cfg.IterationDelayDuration(),
		PromptTemplate: cfg.PromptTemplate,
		Strategy:       engine.ErrorStrategy(cfg.ErrorHandling.Strategy),
		MaxRetries:     cfg.ErrorHandling.MaxRetries,
		Persister:      mgr,
		Recorder:       hist,
		Logger:         log,
	})
	eng.Subscribe(mgr)
	eng.Subscribe(events.NewForwarder(eventBus, log))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if remoteEnabled {
		tokenPath, err := server.DefaultTokenPath()
		if err != nil {
			return err
		}
		tokens, err := server.LoadOrCreateTokenStore(tokenPath, cfg.Remote.RotateToken, log)
		if err != nil {
			return err
		}
		srv := server.New(eng, tr, tokens, eventBus, hist, server.Options{
			Port:      cfg.Remote.Port,
			WorkDir:   cwd,
			SessionID: sess.SessionID,
		}, log)
		go func() {
			if err := srv.Run(runCtx); err != nil {
				log.Error("remote server stopped", zap.Error(err))
			}
		}()
	}

	if err := eng.Start(runCtx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	// Run until the loop terminates or a signal arrives. On SIGINT the
	// engine stops gracefully: the in-flight agent is signalled and the
	// session persisted before exit.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-eng.Done():
	case <-quit:
		log.Info("shutting down...")
		if err := eng.Stop(); err != nil {
			log.Warn("engine stop failed", zap.Error(err))
			cancel()
		}
		select {
		case <-eng.Done():
		case <-time.After(30 * time.Second):
			log.Warn("engine did not stop in time")
			cancel()
		}
	}

	final := mgr.Session()
	log.Info("session finished",
		zap.String("status", string(final.Status)),
		zap.Uint("iterations", final.CurrentIteration),
		zap.Uint("tasks_completed", final.TasksCompleted))
	return nil
}
