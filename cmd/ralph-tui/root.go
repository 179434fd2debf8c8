package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/m1nuzz/ralph-tui/internal/common/config"
	"github.com/m1nuzz/ralph-tui/internal/common/logger"
)

var configPath string

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ralph-tui",
		Short:         "Autonomous coding-agent execution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a directory containing config.toml")

	cmd.AddCommand(runCmd())
	cmd.AddCommand(remoteCmd())
	return cmd
}

// loadConfig loads config + logger in the standard bootstrap order.
func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetDefault(log)
	return cfg, log, nil
}

// exitCode terminates the process with the remote CLI exit codes:
// 0 success, 1 transport/protocol failure, 2 argument error, 3 remote
// refused.
func exitCode(code int, format string, args ...any) error {
	if format != "" {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
	os.Exit(code)
	return nil
}
