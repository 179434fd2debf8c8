package server

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"github.com/m1nuzz/ralph-tui/internal/common/fsutil"
	"github.com/m1nuzz/ralph-tui/pkg/remote/protocol"
)

// ConfigFileName is the pushed config file name in both scopes.
const ConfigFileName = "config.toml"

// globalConfigPath is <home>/.config/ralph-tui/config.toml.
func (s *Server) globalConfigPath() (string, error) {
	home, err := fsutil.ConfigHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigFileName), nil
}

// projectConfigPath is <remote_cwd>/.ralph-tui/config.toml.
func (s *Server) projectConfigPath() string {
	return filepath.Join(s.opts.WorkDir, ".ralph-tui", ConfigFileName)
}

// checkConfigResponse reports existence and content of both scopes.
func (s *Server) checkConfigResponse(requestID string) (*protocol.Message, error) {
	globalPath, err := s.globalConfigPath()
	if err != nil {
		return nil, err
	}
	projectPath := s.projectConfigPath()

	payload := protocol.CheckConfigResponsePayload{
		GlobalPath:  globalPath,
		ProjectPath: projectPath,
		RemoteCwd:   s.opts.WorkDir,
	}
	if data, err := os.ReadFile(globalPath); err == nil {
		payload.GlobalExists = true
		content := string(data)
		payload.GlobalContent = &content
	}
	if data, err := os.ReadFile(projectPath); err == nil {
		payload.ProjectExists = true
		content := string(data)
		payload.ProjectContent = &content
	}

	return protocol.NewResponse(requestID, protocol.TypeCheckConfigResponse, payload)
}

// pushConfigResponse validates and writes a pushed config file,
// backing up any overwritten content.
func (s *Server) pushConfigResponse(msg *protocol.Message) (*protocol.Message, error) {
	var p protocol.PushConfigPayload
	if err := msg.ParsePayload(&p); err != nil {
		return protocol.NewError(msg.ID, protocol.ErrCodeBadRequest, "invalid payload: "+err.Error())
	}

	fail := func(err string) (*protocol.Message, error) {
		return protocol.NewResponse(msg.ID, protocol.TypePushConfigResponse, protocol.PushConfigResponsePayload{
			Success: false,
			Error:   err,
		})
	}

	var newDoc map[string]any
	if _, err := toml.Decode(p.ConfigContent, &newDoc); err != nil {
		return fail("Invalid TOML: " + err.Error())
	}

	var target string
	switch p.Scope {
	case protocol.ScopeGlobal:
		path, err := s.globalConfigPath()
		if err != nil {
			return nil, err
		}
		target = path
	case protocol.ScopeProject:
		target = s.projectConfigPath()
	default:
		return fail(fmt.Sprintf("unknown scope %q", p.Scope))
	}

	existing, err := os.ReadFile(target)
	exists := err == nil
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read existing config: %w", err)
	}

	if exists && !p.Overwrite {
		return fail(fmt.Sprintf("Config already exists at %s. Use overwrite=true to replace it", target))
	}

	payload := protocol.PushConfigResponsePayload{ConfigPath: target}

	var oldDoc map[string]any
	if exists {
		// Best effort: an unparsable existing file still gets backed up.
		_, _ = toml.Decode(string(existing), &oldDoc)

		stamp := strings.ReplaceAll(time.Now().UTC().Format(time.RFC3339), ":", "-")
		backupPath := target + ".backup." + stamp
		if err := os.WriteFile(backupPath, existing, 0644); err != nil {
			return nil, fmt.Errorf("write config backup: %w", err)
		}
		payload.BackupPath = &backupPath
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}
	if err := fsutil.WriteFileAtomic(target, []byte(p.ConfigContent), 0644); err != nil {
		return nil, fmt.Errorf("write config: %w", err)
	}

	payload.Success = true
	payload.MigrationTriggered = migrationTriggered(oldDoc, newDoc)
	payload.RequiresRestart = requiresRestart(oldDoc, newDoc)

	s.logger.Info("config pushed",
		zap.String("scope", p.Scope),
		zap.String("path", target),
		zap.Bool("requires_restart", payload.RequiresRestart))

	return protocol.NewResponse(msg.ID, protocol.TypePushConfigResponse, payload)
}

// migrationTriggered is true when the top-level schema version changed.
func migrationTriggered(oldDoc, newDoc map[string]any) bool {
	oldVersion := oldDoc["version"]
	newVersion := newDoc["version"]
	// An absent version key counts as 0.
	if oldVersion == nil {
		oldVersion = int64(0)
	}
	if newVersion == nil {
		newVersion = int64(0)
	}
	return !reflect.DeepEqual(oldVersion, newVersion)
}

// requiresRestart is true when keys affecting bound listeners changed.
func requiresRestart(oldDoc, newDoc map[string]any) bool {
	for _, key := range []string{"port", "daemon"} {
		if !reflect.DeepEqual(remoteKey(oldDoc, key), remoteKey(newDoc, key)) {
			return true
		}
	}
	return false
}

func remoteKey(doc map[string]any, key string) any {
	if doc == nil {
		return nil
	}
	remote, ok := doc["remote"].(map[string]any)
	if !ok {
		return nil
	}
	return remote[key]
}
