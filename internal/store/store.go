// Package store provides the single-session database layer the merge
// engine runs on: one open connection per backend, one outer transaction
// per merge plan, and nested savepoint scopes for the recoverable parts
// of a merge.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx"
)

// Store wraps an open database handle for one backend
type Store struct {
	db      *sqlx.DB
	dialect Dialect
	logger  *slog.Logger
}

// NewStore wraps an existing database handle. The handle's driver name
// selects the sqlx bind type; used by tests to inject mocks.
func NewStore(db *sqlx.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// SetLogger sets the logger inherited by sessions. Defaults to slog.Default.
func (s *Store) SetLogger(logger *slog.Logger) { s.logger = logger }

// Dialect returns the store's dialect
func (s *Store) Dialect() Dialect { return s.dialect }

// Close closes the database connection
func (s *Store) Close() error { return s.db.Close() }

// Begin starts the outer transaction for a merge run
func (s *Store) Begin(ctx context.Context) (*Session, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	logger := s.logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{tx: tx, dialect: s.dialect, logger: logger}, nil
}

// Session is one outer transaction. The merge engine issues every
// statement through it, sequentially, and never holds state across calls.
type Session struct {
	tx      *sqlx.Tx
	dialect Dialect
	logger  *slog.Logger
	spseq   int
}

// Dialect returns the session's dialect
func (s *Session) Dialect() Dialect { return s.dialect }

// Logger returns the session's logger
func (s *Session) Logger() *slog.Logger { return s.logger }

// Rebind converts a query written with ? placeholders to the backend's
// placeholder style
func (s *Session) Rebind(query string) string { return s.tx.Rebind(query) }

// Exec executes a mutating statement and logs it with its row count, in
// the spirit of a logged migration step
func (s *Session) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	s.logger.DebugContext(ctx, "executed statement",
		"query", collapseWhitespace(query), "rows", rows)
	return rows, nil
}

// Select runs a query and scans all rows into dest
func (s *Session) Select(ctx context.Context, dest any, query string, args ...any) error {
	return s.tx.SelectContext(ctx, dest, query, args...)
}

// Get runs a query expected to return a single row and scans it into dest
func (s *Session) Get(ctx context.Context, dest any, query string, args ...any) error {
	return s.tx.GetContext(ctx, dest, query, args...)
}

// Queryx runs a query and returns the raw sqlx rows
func (s *Session) Queryx(ctx context.Context, query string, args ...any) (*sqlx.Rows, error) {
	return s.tx.QueryxContext(ctx, query, args...)
}

// Savepoint runs fn inside a nested transactional scope. When fn returns
// an error the scope is rolled back and the error returned; otherwise the
// scope is released. The outer transaction stays usable either way.
func (s *Session) Savepoint(ctx context.Context, fn func() error) error {
	s.spseq++
	name := fmt.Sprintf("sp_%d", s.spseq)
	if _, err := s.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to create savepoint %s: %w", name, err)
	}
	if err := fn(); err != nil {
		if _, rbErr := s.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return fmt.Errorf("failed to roll back savepoint %s after %v: %w", name, err, rbErr)
		}
		if _, relErr := s.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); relErr != nil {
			return fmt.Errorf("failed to release savepoint %s after %v: %w", name, err, relErr)
		}
		return err
	}
	if _, err := s.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to release savepoint %s: %w", name, err)
	}
	return nil
}

// Commit commits the outer transaction
func (s *Session) Commit() error { return s.tx.Commit() }

// Rollback rolls back the outer transaction
func (s *Session) Rollback() error { return s.tx.Rollback() }

func collapseWhitespace(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
