package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/m1nuzz/ralph-tui/internal/common/fsutil"
	"github.com/m1nuzz/ralph-tui/internal/common/logger"
)

// Token lifetimes.
const (
	ServerTokenDays       = 90
	ConnectionTokenHours  = 24
	RefreshThresholdHours = 1
)

// ErrInvalidToken rejects an auth or refresh attempt.
var ErrInvalidToken = errors.New("invalid or expired token")

// ServerToken is the long-lived credential distributed to operators.
type ServerToken struct {
	Token     string    `json:"token"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// TokenStore holds the persisted server token and the in-memory
// connection tokens it issues.
type TokenStore struct {
	path   string
	logger *logger.Logger

	mu     sync.Mutex
	server ServerToken
	conns  map[string]time.Time // token -> expiry
}

// TokenFileName is the server token file inside the config home.
const TokenFileName = "remote-token.json"

// LoadOrCreateTokenStore loads the persisted server token, generating a
// new one on first launch, expiry, or when rotate is set.
func LoadOrCreateTokenStore(path string, rotate bool, log *logger.Logger) (*TokenStore, error) {
	st := &TokenStore{
		path:   path,
		logger: log.WithFields(zap.String("component", "token-store")),
		conns:  make(map[string]time.Time),
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil && !rotate:
		if jsonErr := json.Unmarshal(data, &st.server); jsonErr != nil {
			return nil, fmt.Errorf("parse token file %s: %w", path, jsonErr)
		}
		if time.Now().Before(st.server.ExpiresAt) {
			return st, nil
		}
		st.logger.Info("server token expired, rotating")
	case err != nil && !os.IsNotExist(err):
		return nil, fmt.Errorf("read token file: %w", err)
	}

	if err := st.generate(); err != nil {
		return nil, err
	}
	return st, nil
}

// DefaultTokenPath returns <config_home>/ralph-tui/remote-token.json.
func DefaultTokenPath() (string, error) {
	home, err := fsutil.ConfigHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, TokenFileName), nil
}

// generate mints and persists a fresh server token.
func (st *TokenStore) generate() error {
	now := time.Now().UTC()
	st.server = ServerToken{
		Token:     uuid.New().String(),
		IssuedAt:  now,
		ExpiresAt: now.Add(ServerTokenDays * 24 * time.Hour),
	}

	if err := os.MkdirAll(filepath.Dir(st.path), 0700); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}
	data, err := json.MarshalIndent(st.server, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal server token: %w", err)
	}
	if err := fsutil.WriteFileAtomic(st.path, data, 0600); err != nil {
		return fmt.Errorf("persist server token: %w", err)
	}
	st.logger.Info("server token generated", zap.Time("expires_at", st.server.ExpiresAt))
	return nil
}

// ServerToken returns the current server token.
func (st *TokenStore) ServerToken() ServerToken {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.server
}

// Validate accepts either the server token or a live connection token.
// Comparison is constant time.
func (st *TokenStore) Validate(token string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	if time.Now().Before(st.server.ExpiresAt) &&
		subtle.ConstantTimeCompare([]byte(token), []byte(st.server.Token)) == 1 {
		return true
	}

	now := time.Now()
	for t, expiry := range st.conns {
		if now.After(expiry) {
			delete(st.conns, t)
			continue
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(t)) == 1 {
			return true
		}
	}
	return false
}

// IssueConnectionToken mints a 24h connection token.
func (st *TokenStore) IssueConnectionToken() (string, time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()

	token := uuid.New().String()
	expiry := time.Now().UTC().Add(ConnectionTokenHours * time.Hour)
	st.conns[token] = expiry
	return token, expiry
}

// RefreshConnectionToken revokes the old token and issues a new one.
// The old token must still be valid.
func (st *TokenStore) RefreshConnectionToken(old string) (string, time.Time, error) {
	st.mu.Lock()
	expiry, ok := st.conns[old]
	if ok && time.Now().After(expiry) {
		delete(st.conns, old)
		ok = false
	}
	if ok {
		delete(st.conns, old)
	}
	st.mu.Unlock()

	if !ok {
		return "", time.Time{}, ErrInvalidToken
	}
	token, exp := st.IssueConnectionToken()
	return token, exp, nil
}

// RevokeConnectionToken drops a connection token.
func (st *TokenStore) RevokeConnectionToken(token string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.conns, token)
}
