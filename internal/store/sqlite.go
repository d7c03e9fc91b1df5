package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

// SQLiteDialect implements Dialect for SQLite.
type SQLiteDialect struct{}

// Name returns "sqlite"
func (SQLiteDialect) Name() string { return "sqlite" }

// Flavor returns the SQLite sqlbuilder flavor
func (SQLiteDialect) Flavor() sqlbuilder.Flavor { return sqlbuilder.SQLite }

// QuoteIdent quotes an identifier with double quotes
func (SQLiteDialect) QuoteIdent(name string) string { return `"` + name + `"` }

// IsUniqueViolation reports whether err is a unique or primary key
// constraint violation
func (SQLiteDialect) IsUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// IsUndefinedColumn reports whether err is a "no such column" error.
// SQLite reports these as generic errors, so the message is inspected.
func (SQLiteDialect) IsUndefinedColumn(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrError &&
		strings.Contains(sqliteErr.Error(), "no such column")
}

// IsUndefinedTable reports whether err is a "no such table" error
func (SQLiteDialect) IsUndefinedTable(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrError &&
		strings.Contains(sqliteErr.Error(), "no such table")
}

// OpenSQLite opens a SQLite store at the given path with foreign keys
// enforced
func OpenSQLite(ctx context.Context, path string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test the connection
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply pragma: %w", err)
	}

	return &Store{db: db, dialect: SQLiteDialect{}}, nil
}
