package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/m1nuzz/ralph-tui/internal/common/fsutil"
	"github.com/m1nuzz/ralph-tui/internal/common/logger"
)

// Store reads and writes session files. Writes are atomic
// (temp + fsync + rename) and serialized per file.
type Store struct {
	logger *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a session store.
func NewStore(log *logger.Logger) *Store {
	return &Store{
		logger: log.WithFields(zap.String("component", "session-store")),
		locks:  make(map[string]*sync.Mutex),
	}
}

// Path returns the session file path for a working directory.
func Path(cwd string) string {
	return filepath.Join(cwd, FileName)
}

func (st *Store) lock(path string) *sync.Mutex {
	st.mu.Lock()
	defer st.mu.Unlock()
	l, ok := st.locks[path]
	if !ok {
		l = &sync.Mutex{}
		st.locks[path] = l
	}
	return l
}

// Has reports whether a session file exists for the working directory.
func (st *Store) Has(cwd string) bool {
	_, err := os.Stat(Path(cwd))
	return err == nil
}

// Load reads the session for a working directory. Absent file means no
// session: (nil, nil). An unexpected schema version logs a warning but
// the parse is still attempted.
func (st *Store) Load(cwd string) (*Session, error) {
	path := Path(cwd)
	l := st.lock(path)
	l.Lock()
	defer l.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session file: %w", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse session file %s: %w", path, err)
	}
	if s.Version != SchemaVersion {
		st.logger.Warn("unexpected session schema version",
			zap.Int("version", s.Version),
			zap.Int("expected", SchemaVersion),
			zap.String("path", path))
	}
	return &s, nil
}

// Save writes the session to its working directory, refreshing UpdatedAt.
func (st *Store) Save(s Session) error {
	s = touch(s)
	path := Path(s.Cwd)
	l := st.lock(path)
	l.Lock()
	defer l.Unlock()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := fsutil.WriteFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	return nil
}

// Delete removes the session file; missing files are not an error.
func (st *Store) Delete(cwd string) error {
	path := Path(cwd)
	l := st.lock(path)
	l.Lock()
	defer l.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session file: %w", err)
	}
	return nil
}
