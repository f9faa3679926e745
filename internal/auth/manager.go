package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// RefreshObserver is notified after every acquisition attempt
type RefreshObserver interface {
	ObserveAuthRefresh(err error)
}

// Manager owns the single shared token of the process
type Manager struct {
	source       TokenSource
	refreshAfter time.Duration
	logger       *zap.Logger
	observer     RefreshObserver
	now          func() time.Time

	current      atomic.Pointer[Token]
	mu           sync.Mutex // held for the whole refresh
	acquisitions atomic.Int64

	tokenDir  string
	tokenPath string
	ownsDir   bool
	published atomic.Pointer[string] // tokenPath, readable without mu
}

// Option configures a Manager
type Option func(*Manager)

// WithObserver reports refreshes to o
func WithObserver(o RefreshObserver) Option {
	return func(m *Manager) { m.observer = o }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithTokenDir sets the directory holding the token file instead of a
// private temporary directory.
func WithTokenDir(dir string) Option {
	return func(m *Manager) { m.tokenDir = dir }
}

// NewManager creates a manager. The token is acquired lazily.
func NewManager(source TokenSource, refreshAfter time.Duration, logger *zap.Logger, opts ...Option) *Manager {
	if refreshAfter <= 0 {
		refreshAfter = DefaultRefreshAfter
	}
	m := &Manager{
		source:       source,
		refreshAfter: refreshAfter,
		logger:       logger,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetToken returns the cached token unless it is stale or forceRefresh is
// set. Concurrent refreshes collapse into one: a caller that waited on an
// in-flight refresh gets its result instead of acquiring again.
func (m *Manager) GetToken(ctx context.Context, forceRefresh bool) (Token, error) {
	called := m.now()
	if !forceRefresh {
		if t := m.current.Load(); t != nil && !t.Stale(called) {
			return *t, nil
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if t := m.current.Load(); t != nil {
		if forceRefresh && !t.AcquiredAt.Before(called) {
			return *t, nil
		}
		if !forceRefresh && !t.Stale(m.now()) {
			return *t, nil
		}
	}

	return m.refreshLocked(ctx)
}

func (m *Manager) refreshLocked(ctx context.Context) (Token, error) {
	m.acquisitions.Add(1)
	value, err := m.source.Acquire(ctx)
	if err == nil && value == "" {
		err = ErrNoToken
	}
	if err != nil {
		m.observe(err)
		m.logger.Warn("Token acquisition failed", zap.Error(err))
		return Token{}, fmt.Errorf("failed to acquire token: %w", err)
	}

	tok := &Token{
		Value:        value,
		AcquiredAt:   m.now(),
		RefreshAfter: m.refreshAfter,
	}
	if exp, ok := jwtExpiry(value); ok {
		tok.ExpiresAt = exp
	}

	if err := m.writeTokenFile(value); err != nil {
		m.observe(err)
		return Token{}, err
	}

	m.current.Store(tok)
	m.observe(nil)

	fields := []zap.Field{zap.Duration("refresh_after", tok.RefreshAfter)}
	if !tok.ExpiresAt.IsZero() {
		fields = append(fields, zap.Time("expires_at", tok.ExpiresAt))
	}
	m.logger.Info("Token acquired", fields...)
	return *tok, nil
}

func (m *Manager) observe(err error) {
	if m.observer != nil {
		m.observer.ObserveAuthRefresh(err)
	}
}

// writeTokenFile replaces the token file atomically; must be called with mu held
func (m *Manager) writeTokenFile(value string) error {
	if m.tokenPath == "" {
		dir := m.tokenDir
		if dir == "" {
			var err error
			dir, err = os.MkdirTemp("", "bulkxfer-auth-")
			if err != nil {
				return fmt.Errorf("failed to create token directory: %w", err)
			}
			m.tokenDir = dir
			m.ownsDir = true
		} else if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create token directory: %w", err)
		}
		m.tokenPath = filepath.Join(dir, "token")
	}
	path := m.tokenPath
	defer m.published.Store(&path)

	tmp := m.tokenPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(value), 0o600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := os.Rename(tmp, m.tokenPath); err != nil {
		return fmt.Errorf("failed to replace token file: %w", err)
	}
	return nil
}

// TokenFile returns the path consumed by the tool's -tokenfile flag. It is
// empty until the first successful acquisition.
func (m *Manager) TokenFile() string {
	if p := m.published.Load(); p != nil {
		return *p
	}
	return ""
}

// Acquisitions returns how many times the source was asked for a token
func (m *Manager) Acquisitions() int64 {
	return m.acquisitions.Load()
}

// Close deletes the token file, and its directory when the manager created it
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tokenPath == "" {
		return nil
	}

	var err error
	if m.ownsDir {
		err = os.RemoveAll(m.tokenDir)
		m.tokenDir = ""
		m.ownsDir = false
	} else {
		err = os.Remove(m.tokenPath)
		if errors.Is(err, os.ErrNotExist) {
			err = nil
		}
	}
	m.tokenPath = ""
	m.published.Store(nil)
	m.current.Store(nil)
	if err != nil {
		return fmt.Errorf("failed to remove token file: %w", err)
	}
	return nil
}
