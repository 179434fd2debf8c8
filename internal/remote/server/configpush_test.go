package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/m1nuzz/ralph-tui/pkg/remote/protocol"
)

// useConfigHome points the process config home at a temp dir.
func useConfigHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("RALPH_TUI_CONFIG_HOME", home)
	return home
}

func pushConfig(t *testing.T, conn *websocket.Conn, scope, content string, overwrite bool) protocol.PushConfigResponsePayload {
	t.Helper()
	send(t, conn, protocol.TypePushConfig, protocol.PushConfigPayload{
		Scope:         scope,
		ConfigContent: content,
		Overwrite:     overwrite,
	})
	resp := readType(t, conn, protocol.TypePushConfigResponse)
	var p protocol.PushConfigResponsePayload
	require.NoError(t, resp.ParsePayload(&p))
	return p
}

func TestPushConfigFreshGlobal(t *testing.T) {
	home := useConfigHome(t)
	env := newTestEnv(t, Options{})
	conn := env.dial()
	env.authenticate(conn)

	p := pushConfig(t, conn, protocol.ScopeGlobal, "maxIterations = 5\n", false)
	require.True(t, p.Success)
	require.Nil(t, p.BackupPath)
	require.False(t, p.RequiresRestart)

	data, err := os.ReadFile(filepath.Join(home, ConfigFileName))
	require.NoError(t, err)
	require.Equal(t, "maxIterations = 5\n", string(data))
}

func TestPushConfigInvalidTOML(t *testing.T) {
	useConfigHome(t)
	env := newTestEnv(t, Options{})
	conn := env.dial()
	env.authenticate(conn)

	p := pushConfig(t, conn, protocol.ScopeGlobal, "this is = = not toml", false)
	require.False(t, p.Success)
	require.Contains(t, p.Error, "Invalid TOML")
}

func TestPushConfigExistsWithoutOverwrite(t *testing.T) {
	home := useConfigHome(t)
	env := newTestEnv(t, Options{})
	conn := env.dial()
	env.authenticate(conn)

	target := filepath.Join(home, ConfigFileName)
	require.NoError(t, os.MkdirAll(home, 0755))
	require.NoError(t, os.WriteFile(target, []byte("maxIterations = 1\n"), 0644))

	p := pushConfig(t, conn, protocol.ScopeGlobal, "maxIterations = 2\n", false)
	require.False(t, p.Success)
	require.Contains(t, p.Error, "already exists")
	require.Contains(t, p.Error, "overwrite=true")

	// Target untouched.
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "maxIterations = 1\n", string(data))
}

func TestPushConfigOverwriteWithBackup(t *testing.T) {
	home := useConfigHome(t)
	env := newTestEnv(t, Options{})
	conn := env.dial()
	env.authenticate(conn)

	target := filepath.Join(home, ConfigFileName)
	require.NoError(t, os.MkdirAll(home, 0755))
	require.NoError(t, os.WriteFile(target, []byte("maxIterations = 1\n"), 0644))

	p := pushConfig(t, conn, protocol.ScopeGlobal, "maxIterations = 2\n", true)
	require.True(t, p.Success)
	require.NotNil(t, p.BackupPath)
	require.False(t, p.RequiresRestart, "a maxIterations-only change must not require restart")
	require.False(t, p.MigrationTriggered)

	// Target holds the new content, the backup the old.
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "maxIterations = 2\n", string(data))

	backup, err := os.ReadFile(*p.BackupPath)
	require.NoError(t, err)
	require.Equal(t, "maxIterations = 1\n", string(backup))

	// Backup name embeds a timestamp with colons replaced by dashes.
	base := filepath.Base(*p.BackupPath)
	require.True(t, strings.HasPrefix(base, ConfigFileName+".backup."))
	require.NotContains(t, base, ":")
}

func TestPushConfigPortChangeRequiresRestart(t *testing.T) {
	home := useConfigHome(t)
	env := newTestEnv(t, Options{})
	conn := env.dial()
	env.authenticate(conn)

	target := filepath.Join(home, ConfigFileName)
	require.NoError(t, os.MkdirAll(home, 0755))
	require.NoError(t, os.WriteFile(target, []byte("[remote]\nport = 7890\n"), 0644))

	p := pushConfig(t, conn, protocol.ScopeGlobal, "[remote]\nport = 9999\n", true)
	require.True(t, p.Success)
	require.True(t, p.RequiresRestart)
}

func TestPushConfigVersionChangeTriggersMigration(t *testing.T) {
	home := useConfigHome(t)
	env := newTestEnv(t, Options{})
	conn := env.dial()
	env.authenticate(conn)

	target := filepath.Join(home, ConfigFileName)
	require.NoError(t, os.MkdirAll(home, 0755))
	require.NoError(t, os.WriteFile(target, []byte("version = 1\n"), 0644))

	p := pushConfig(t, conn, protocol.ScopeGlobal, "version = 2\n", true)
	require.True(t, p.Success)
	require.True(t, p.MigrationTriggered)
}

func TestPushConfigProjectScope(t *testing.T) {
	useConfigHome(t)
	workDir := t.TempDir()
	env := newTestEnv(t, Options{WorkDir: workDir})
	conn := env.dial()
	env.authenticate(conn)

	p := pushConfig(t, conn, protocol.ScopeProject, "agent = \"claude\"\n", false)
	require.True(t, p.Success)

	data, err := os.ReadFile(filepath.Join(workDir, ".ralph-tui", ConfigFileName))
	require.NoError(t, err)
	require.Equal(t, "agent = \"claude\"\n", string(data))
}

func TestCheckConfig(t *testing.T) {
	home := useConfigHome(t)
	workDir := t.TempDir()
	env := newTestEnv(t, Options{WorkDir: workDir})
	conn := env.dial()
	env.authenticate(conn)

	require.NoError(t, os.MkdirAll(home, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(home, ConfigFileName), []byte("maxIterations = 3\n"), 0644))

	send(t, conn, protocol.TypeCheckConfig, nil)
	resp := readType(t, conn, protocol.TypeCheckConfigResponse)
	var p protocol.CheckConfigResponsePayload
	require.NoError(t, resp.ParsePayload(&p))

	require.True(t, p.GlobalExists)
	require.False(t, p.ProjectExists)
	require.NotNil(t, p.GlobalContent)
	require.Equal(t, "maxIterations = 3\n", *p.GlobalContent)
	require.Nil(t, p.ProjectContent)
	require.Equal(t, workDir, p.RemoteCwd)
}
