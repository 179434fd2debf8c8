// Package history archives full per-iteration agent output in a sqlite
// database so remote clients can inspect iterations that have already
// scrolled out of the in-memory engine state.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/m1nuzz/ralph-tui/internal/common/logger"
)

// ErrNotFound is returned when no output is recorded for the iteration.
var ErrNotFound = errors.New("iteration output not found")

const schema = `
CREATE TABLE IF NOT EXISTS iteration_outputs (
	session_id TEXT NOT NULL,
	iteration  INTEGER NOT NULL,
	output     TEXT NOT NULL,
	stderr     TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, iteration)
);
CREATE INDEX IF NOT EXISTS idx_iteration_outputs_session
	ON iteration_outputs (session_id);
`

// IterationOutput is one archived iteration.
type IterationOutput struct {
	SessionID string    `db:"session_id"`
	Iteration uint      `db:"iteration"`
	Output    string    `db:"output"`
	Stderr    string    `db:"stderr"`
	CreatedAt time.Time `db:"created_at"`
}

// Store is the sqlite-backed output archive.
type Store struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// NewStore opens (and if needed bootstraps) the database at path.
func NewStore(path string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap history schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: log.WithFields(zap.String("component", "history-store")),
	}, nil
}

// Record stores (or replaces) the output for one iteration. Implements
// engine.Recorder.
func (s *Store) Record(ctx context.Context, sessionID string, iteration uint, output, stderr string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO iteration_outputs
		 (session_id, iteration, output, stderr, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sessionID, iteration, output, stderr, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record iteration output: %w", err)
	}
	return nil
}

// Get returns the archived output for one iteration.
func (s *Store) Get(ctx context.Context, sessionID string, iteration uint) (*IterationOutput, error) {
	var out IterationOutput
	err := s.db.GetContext(ctx, &out,
		`SELECT session_id, iteration, output, stderr, created_at
		 FROM iteration_outputs WHERE session_id = ? AND iteration = ?`,
		sessionID, iteration)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load iteration output: %w", err)
	}
	return &out, nil
}

// List returns the iterations recorded for a session, oldest first.
func (s *Store) List(ctx context.Context, sessionID string) ([]IterationOutput, error) {
	var out []IterationOutput
	err := s.db.SelectContext(ctx, &out,
		`SELECT session_id, iteration, output, stderr, created_at
		 FROM iteration_outputs WHERE session_id = ? ORDER BY iteration`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list iteration outputs: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
