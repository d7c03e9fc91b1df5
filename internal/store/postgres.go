package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver "pgx"
	"github.com/jmoiron/sqlx"
)

// PostgreSQL SQLSTATE codes the engine classifies.
const (
	pgUniqueViolation = "23505"
	pgUndefinedColumn = "42703"
	pgUndefinedTable  = "42P01"
)

// PostgresDialect implements Dialect for PostgreSQL.
type PostgresDialect struct{}

// Name returns "postgres"
func (PostgresDialect) Name() string { return "postgres" }

// Flavor returns the PostgreSQL sqlbuilder flavor
func (PostgresDialect) Flavor() sqlbuilder.Flavor { return sqlbuilder.PostgreSQL }

// QuoteIdent quotes an identifier with double quotes
func (PostgresDialect) QuoteIdent(name string) string { return `"` + name + `"` }

// IsUniqueViolation reports whether err carries SQLSTATE 23505
func (PostgresDialect) IsUniqueViolation(err error) bool {
	return pgErrorCode(err) == pgUniqueViolation
}

// IsUndefinedColumn reports whether err carries SQLSTATE 42703
func (PostgresDialect) IsUndefinedColumn(err error) bool {
	return pgErrorCode(err) == pgUndefinedColumn
}

// IsUndefinedTable reports whether err carries SQLSTATE 42P01
func (PostgresDialect) IsUndefinedTable(err error) bool {
	return pgErrorCode(err) == pgUndefinedTable
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// OpenPostgres opens a PostgreSQL store through the pgx stdlib driver
func OpenPostgres(ctx context.Context, connString string) (*Store, error) {
	db, err := sqlx.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test the connection
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db, dialect: PostgresDialect{}}, nil
}
