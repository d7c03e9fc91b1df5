package store

import (
	"github.com/huandu/go-sqlbuilder"
)

// Dialect captures the per-backend behavior the merge engine depends on:
// identifier quoting, SQL builder flavor, and classification of the driver
// errors the engine is allowed to recover from.
type Dialect interface {
	// Name identifies the backend: "postgres", "mysql" or "sqlite".
	Name() string

	// Flavor returns the sqlbuilder flavor for this backend.
	Flavor() sqlbuilder.Flavor

	// QuoteIdent quotes a table or column name discovered at run time.
	QuoteIdent(name string) string

	// IsUniqueViolation reports whether err is a unique or primary key
	// constraint violation. This is the only failure class the relinker
	// recovers from.
	IsUniqueViolation(err error) bool

	// IsUndefinedColumn reports whether err means a referenced column does
	// not exist. Recoverable only for best-effort catalog scans.
	IsUndefinedColumn(err error) bool

	// IsUndefinedTable reports whether err means a referenced table does
	// not exist.
	IsUndefinedTable(err error) bool
}
