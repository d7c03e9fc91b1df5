package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
)

// MySQL error numbers the engine classifies.
const (
	myDupEntry      = 1062
	myBadFieldError = 1054
	myNoSuchTable   = 1146
)

// MySQLDialect implements Dialect for MySQL/MariaDB.
type MySQLDialect struct{}

// Name returns "mysql"
func (MySQLDialect) Name() string { return "mysql" }

// Flavor returns the MySQL sqlbuilder flavor
func (MySQLDialect) Flavor() sqlbuilder.Flavor { return sqlbuilder.MySQL }

// QuoteIdent quotes an identifier with backticks
func (MySQLDialect) QuoteIdent(name string) string { return "`" + name + "`" }

// IsUniqueViolation reports whether err is a duplicate-entry error (1062)
func (MySQLDialect) IsUniqueViolation(err error) bool {
	return mysqlErrorNumber(err) == myDupEntry
}

// IsUndefinedColumn reports whether err is an unknown-column error (1054)
func (MySQLDialect) IsUndefinedColumn(err error) bool {
	return mysqlErrorNumber(err) == myBadFieldError
}

// IsUndefinedTable reports whether err is a missing-table error (1146)
func (MySQLDialect) IsUndefinedTable(err error) bool {
	return mysqlErrorNumber(err) == myNoSuchTable
}

func mysqlErrorNumber(err error) uint16 {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number
	}
	return 0
}

// OpenMySQL opens a MySQL store. The DSN must be in go-sql-driver format,
// e.g. user:pass@tcp(host:3306)/dbname.
func OpenMySQL(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test the connection
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db, dialect: MySQLDialect{}}, nil
}
