package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/m1nuzz/ralph-tui/internal/common/config"
	"github.com/m1nuzz/ralph-tui/internal/common/fsutil"
	"github.com/m1nuzz/ralph-tui/internal/common/logger"
	"github.com/m1nuzz/ralph-tui/internal/remote/client"
	"github.com/m1nuzz/ralph-tui/pkg/remote/protocol"
)

func remoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Control and configure remote engine hosts",
	}
	cmd.AddCommand(pushConfigCmd())
	return cmd
}

func pushConfigCmd() *cobra.Command {
	var (
		scope   string
		preview bool
		force   bool
		all     bool
	)

	cmd := &cobra.Command{
		Use:   "push-config [alias]",
		Short: "Push the local config file to a remote engine host",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return exitCode(2, "%v", err)
			}
			if scope != protocol.ScopeGlobal && scope != protocol.ScopeProject {
				return exitCode(2, "invalid --scope %q (want global or project)", scope)
			}

			var targets []config.RemoteHostConfig
			switch {
			case all:
				if len(args) != 0 {
					return exitCode(2, "--all does not take an alias")
				}
				targets = cfg.Remotes
				if len(targets) == 0 {
					return exitCode(2, "no [[remotes]] configured")
				}
			case len(args) == 1:
				remote, ok := cfg.RemoteByName(args[0])
				if !ok {
					return exitCode(2, "unknown remote %q", args[0])
				}
				targets = []config.RemoteHostConfig{remote}
			default:
				return exitCode(2, "expected exactly one remote alias (or --all)")
			}

			content, err := localConfigContent()
			if err != nil {
				return exitCode(2, "%v", err)
			}

			if preview {
				fmt.Printf("Would push to scope %q:\n\n%s\n", scope, content)
				return previewRemotes(cmd.Context(), targets, log)
			}

			refused := false
			for _, remote := range targets {
				ok, err := pushToRemote(cmd.Context(), remote, scope, content, force, log)
				if err != nil {
					return exitCode(1, "%s: %v", remote.Name, err)
				}
				if !ok {
					refused = true
				}
			}
			if refused {
				return exitCode(3, "")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&scope, "scope", protocol.ScopeGlobal, "config scope: global or project")
	cmd.Flags().BoolVar(&preview, "preview", false, "show what would be pushed without writing")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing remote config")
	cmd.Flags().BoolVar(&all, "all", false, "push to every configured remote")
	return cmd
}

// localConfigContent reads the local global config file to push.
func localConfigContent() (string, error) {
	home, err := fsutil.ConfigHome()
	if err != nil {
		return "", err
	}
	path := filepath.Join(home, "config.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("no local config to push at %s", path)
		}
		return "", err
	}
	return string(data), nil
}

// connectRemote dials and authenticates against one remote.
func connectRemote(ctx context.Context, remote config.RemoteHostConfig, log *logger.Logger) (*client.Client, error) {
	c := client.New(remote.URL, remote.Token, client.Handler{}, log)
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := c.Connect(dialCtx); err != nil {
		return nil, err
	}
	return c, nil
}

func previewRemotes(ctx context.Context, targets []config.RemoteHostConfig, log *logger.Logger) error {
	for _, remote := range targets {
		c, err := connectRemote(ctx, remote, log)
		if err != nil {
			return exitCode(1, "%s: %v", remote.Name, err)
		}
		check, err := c.CheckConfig(ctx)
		c.Disconnect()
		if err != nil {
			return exitCode(1, "%s: %v", remote.Name, err)
		}
		fmt.Printf("%s: global=%v (%s) project=%v (%s)\n",
			remote.Name, check.GlobalExists, check.GlobalPath,
			check.ProjectExists, check.ProjectPath)
	}
	return nil
}

// pushToRemote pushes to one remote. Returns false when the remote
// refused (existing file without --force).
func pushToRemote(ctx context.Context, remote config.RemoteHostConfig, scope, content string, force bool, log *logger.Logger) (bool, error) {
	c, err := connectRemote(ctx, remote, log)
	if err != nil {
		if errors.Is(err, client.ErrAuthRejected) {
			return false, fmt.Errorf("authentication rejected: %w", err)
		}
		return false, err
	}
	defer c.Disconnect()

	reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	resp, err := c.PushConfig(reqCtx, scope, content, force)
	if err != nil {
		return false, err
	}
	if !resp.Success {
		fmt.Fprintf(os.Stderr, "%s: refused: %s\n", remote.Name, resp.Error)
		return false, nil
	}

	fmt.Printf("%s: wrote %s", remote.Name, resp.ConfigPath)
	if resp.BackupPath != nil {
		fmt.Printf(" (backup %s)", *resp.BackupPath)
	}
	if resp.RequiresRestart {
		fmt.Printf(" — restart required")
	}
	fmt.Println()
	return true, nil
}
