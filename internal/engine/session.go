// Package engine owns the embedded analytical engine: a single SQLite
// session shared by the whole process, the gate that serializes access to
// it, and the ephemeral relations that expose webhook payloads to queries.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/webhook-gateway/internal/telemetry"
)

// DriverName is the database/sql driver backing the session.
const DriverName = "sqlite"

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA foreign_keys=ON",
	"PRAGMA busy_timeout=5000",
}

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("engine session is closed")

// Session is the process-wide engine handle. It holds exactly one
// connection so temporary relations stay visible to every statement issued
// through it. Session itself is not a concurrency control; callers go
// through a Gate.
type Session struct {
	path    string
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu       sync.RWMutex
	db       *sqlx.DB
	openedAt uint64
	closed   bool
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// Open opens the engine file at path, creating parent directories.
func Open(path string, opts ...Option) (*Session, error) {
	s := &Session{
		path:   path,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create engine directory: %w", err)
		}
	}

	db, gen, err := s.connect()
	if err != nil {
		return nil, err
	}
	s.db = db
	s.openedAt = gen
	return s, nil
}

func (s *Session) connect() (*sqlx.DB, uint64, error) {
	db, err := sqlx.Open(DriverName, s.path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open engine: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	// Functions registered after this point are not bound to the
	// connection opened below.
	gen := functions.current()

	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, 0, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}
	return db, gen, nil
}

// DB returns the current handle. The handle changes when the session is
// reopened, so callers must not retain it across gated operations.
func (s *Session) DB() *sqlx.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

func (s *Session) handle() (*sqlx.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.db, nil
}

// ExecContext executes a statement.
func (s *Session) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	return db.ExecContext(ctx, query, args...)
}

// QueryxContext runs a query. The rows hold the only connection until closed.
func (s *Session) QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	return db.QueryxContext(ctx, query, args...)
}

// GetContext scans a single row into dest.
func (s *Session) GetContext(ctx context.Context, dest any, query string, args ...any) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	return db.GetContext(ctx, dest, query, args...)
}

// SelectContext scans all rows into dest.
func (s *Session) SelectContext(ctx context.Context, dest any, query string, args ...any) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	return db.SelectContext(ctx, dest, query, args...)
}

// WithTx runs fn in a transaction, committing when fn returns nil and rolling
// back on error or panic.
func (s *Session) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	db, err := s.handle()
	if err != nil {
		return err
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Error("rollback failed", slog.String("error", rbErr.Error()))
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ReplaceFunction makes fn callable from queries as name, replacing any
// previous definition. A name the current connection already knows is
// redefined in place. A new name requires the session to be reopened so the
// new connection binds it; temporary relations do not survive that, which is
// why callers hold the gate.
func (s *Session) ReplaceFunction(name string, fn ScalarFunc) error {
	gen, err := functions.define(name, fn)
	if err != nil {
		return err
	}

	s.mu.RLock()
	bound := gen <= s.openedAt
	s.mu.RUnlock()
	if bound {
		return nil
	}
	return s.reopen()
}

// RemoveFunction drops the implementation of name. The driver keeps the name,
// so later calls fail with an undefined function error.
func (s *Session) RemoveFunction(name string) {
	functions.remove(name)
}

func (s *Session) reopen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if err := s.db.Close(); err != nil {
		s.logger.Warn("closing engine before reopen failed", slog.String("error", err.Error()))
	}
	db, gen, err := s.connect()
	if err != nil {
		s.closed = true
		return fmt.Errorf("failed to reopen engine: %w", err)
	}
	s.db = db
	s.openedAt = gen
	s.metrics.SessionReopened()
	s.logger.Debug("engine session reopened", slog.Uint64("generation", gen))
	return nil
}

// Close closes the session. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
