// Package registry maintains the global index of known sessions, keyed
// by session id, in <config_home>/ralph-tui/sessions.json. Writers
// serialize through a file lock so concurrent processes cannot corrupt
// the file.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/m1nuzz/ralph-tui/internal/common/fsutil"
	"github.com/m1nuzz/ralph-tui/internal/common/logger"
	"github.com/m1nuzz/ralph-tui/internal/session"
)

// FileName is the registry file inside the config home.
const FileName = "sessions.json"

// SchemaVersion is the current registry file schema.
const SchemaVersion = 1

// Entry is one registered session.
type Entry struct {
	SessionID     string         `json:"sessionId"`
	Cwd           string         `json:"cwd"`
	Status        session.Status `json:"status"`
	StartedAt     time.Time      `json:"startedAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	AgentPlugin   string         `json:"agentPlugin"`
	TrackerPlugin string         `json:"trackerPlugin"`
	EpicID        *string        `json:"epicId,omitempty"`
	PRDPath       *string        `json:"prdPath,omitempty"`
	Sandbox       *bool          `json:"sandbox,omitempty"`
}

// Filter selects which entries List returns.
type Filter string

const (
	FilterAll       Filter = "all"
	FilterResumable Filter = "resumable"
)

type registryFile struct {
	Version  int              `json:"version"`
	Sessions map[string]Entry `json:"sessions"`
}

// Registry is the on-disk session index.
type Registry struct {
	path   string
	lock   *flock.Flock
	logger *logger.Logger

	// mu serializes same-process access; the flock guards other
	// processes (it short-circuits for a lock already held here).
	mu sync.Mutex
}

// New creates a registry at the given file path.
func New(path string, log *logger.Logger) *Registry {
	return &Registry{
		path:   path,
		lock:   flock.New(path + ".lock"),
		logger: log.WithFields(zap.String("component", "session-registry")),
	}
}

// Default creates the registry at <config_home>/ralph-tui/sessions.json.
func Default(log *logger.Logger) (*Registry, error) {
	home, err := fsutil.ConfigHome()
	if err != nil {
		return nil, err
	}
	return New(filepath.Join(home, FileName), log), nil
}

// withLock runs fn while holding both the in-process mutex and the
// cross-process file lock.
func (r *Registry) withLock(fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("create registry directory: %w", err)
	}
	if err := r.lock.Lock(); err != nil {
		return fmt.Errorf("acquire registry lock: %w", err)
	}
	defer func() {
		if err := r.lock.Unlock(); err != nil {
			r.logger.Warn("failed to release registry lock", zap.Error(err))
		}
	}()
	return fn()
}

// read loads the registry file; a missing file yields an empty registry.
func (r *Registry) read() (*registryFile, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &registryFile{Version: SchemaVersion, Sessions: map[string]Entry{}}, nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}

	var f registryFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", r.path, err)
	}
	if f.Version != SchemaVersion {
		r.logger.Warn("unexpected registry schema version", zap.Int("version", f.Version))
	}
	if f.Sessions == nil {
		f.Sessions = map[string]Entry{}
	}
	return &f, nil
}

func (r *Registry) write(f *registryFile) error {
	f.Version = SchemaVersion
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	if err := fsutil.WriteFileAtomic(r.path, data, 0644); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	return nil
}

// Register inserts or replaces an entry by session id.
func (r *Registry) Register(entry Entry) error {
	return r.withLock(func() error {
		f, err := r.read()
		if err != nil {
			return err
		}
		f.Sessions[entry.SessionID] = entry
		return r.write(f)
	})
}

// UpdateStatus updates one entry's status; a missing id is a silent no-op.
func (r *Registry) UpdateStatus(id string, status session.Status) error {
	return r.withLock(func() error {
		f, err := r.read()
		if err != nil {
			return err
		}
		entry, ok := f.Sessions[id]
		if !ok {
			return nil
		}
		entry.Status = status
		entry.UpdatedAt = time.Now().UTC()
		f.Sessions[id] = entry
		return r.write(f)
	})
}

// Unregister removes an entry by id.
func (r *Registry) Unregister(id string) error {
	return r.withLock(func() error {
		f, err := r.read()
		if err != nil {
			return err
		}
		delete(f.Sessions, id)
		return r.write(f)
	})
}

// GetByID returns an entry by session id, or nil.
func (r *Registry) GetByID(id string) (*Entry, error) {
	var out *Entry
	err := r.withLock(func() error {
		f, err := r.read()
		if err != nil {
			return err
		}
		if e, ok := f.Sessions[id]; ok {
			out = &e
		}
		return nil
	})
	return out, err
}

// GetByCwd returns the newest resumable entry for the working
// directory, or nil.
func (r *Registry) GetByCwd(cwd string) (*Entry, error) {
	var out *Entry
	err := r.withLock(func() error {
		f, err := r.read()
		if err != nil {
			return err
		}
		for _, e := range f.Sessions {
			if e.Cwd != cwd || !e.Status.Resumable() {
				continue
			}
			if out == nil || e.UpdatedAt.After(out.UpdatedAt) {
				entry := e
				out = &entry
			}
		}
		return nil
	})
	return out, err
}

// List returns entries matching the filter, newest first.
func (r *Registry) List(filter Filter) ([]Entry, error) {
	var out []Entry
	err := r.withLock(func() error {
		f, err := r.read()
		if err != nil {
			return err
		}
		for _, e := range f.Sessions {
			if filter == FilterResumable && !e.Status.Resumable() {
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// FindByPrefix returns entries whose session id starts with the prefix.
func (r *Registry) FindByPrefix(prefix string) ([]Entry, error) {
	var out []Entry
	err := r.withLock(func() error {
		f, err := r.read()
		if err != nil {
			return err
		}
		for id, e := range f.Sessions {
			if strings.HasPrefix(id, prefix) {
				out = append(out, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// CleanupStale removes entries whose cwd the checker declares
// unoccupied and returns how many were removed.
func (r *Registry) CleanupStale(checker func(cwd string) bool) (int, error) {
	removed := 0
	err := r.withLock(func() error {
		f, err := r.read()
		if err != nil {
			return err
		}
		for id, e := range f.Sessions {
			if checker(e.Cwd) {
				continue
			}
			delete(f.Sessions, id)
			removed++
			r.logger.Info("removed stale session",
				zap.String("session_id", id),
				zap.String("cwd", e.Cwd))
		}
		if removed == 0 {
			return nil
		}
		return r.write(f)
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
