package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/OCA/recordmerge/internal/store"
)

// Names are the registry table names the introspector reads.
type Names struct {
	ModelTable string
	FieldTable string
}

// DefaultNames returns the conventional registry table names
func DefaultNames() Names {
	return Names{ModelTable: "entity_model", FieldTable: "entity_model_field"}
}

// Introspector answers read-only questions about the store's catalog and
// the entity registry. It has no side effects.
type Introspector struct {
	sess  *store.Session
	names Names
}

// New creates an introspector over the given session
func New(sess *store.Session, names Names) *Introspector {
	if names.ModelTable == "" {
		names.ModelTable = DefaultNames().ModelTable
	}
	if names.FieldTable == "" {
		names.FieldTable = DefaultNames().FieldTable
	}
	return &Introspector{sess: sess, names: names}
}

// DeriveTableName maps an entity-type name to its conventional backing
// table when the registry cannot resolve it
func DeriveTableName(entity string) string {
	return strings.ReplaceAll(entity, ".", "_")
}

// ModelByName returns the registry row for an entity type, or nil when
// the type is not (or no longer) registered
func (in *Introspector) ModelByName(ctx context.Context, entity string) (*Model, error) {
	query := in.sess.Rebind(fmt.Sprintf(`
		SELECT id, name, COALESCE(table_name, '') AS table_name, is_view
		FROM %s
		WHERE name = ?
	`, in.names.ModelTable))

	var m Model
	err := in.sess.Get(ctx, &m, query, entity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up model %s: %w", entity, err)
	}
	return &m, nil
}

// TableFor resolves the backing table of an entity type, falling back to
// name derivation when the registry does not know the type
func (in *Introspector) TableFor(ctx context.Context, entity string) (string, error) {
	m, err := in.ModelByName(ctx, entity)
	if err != nil {
		return "", err
	}
	if m == nil || m.Table == "" {
		return DeriveTableName(entity), nil
	}
	return m.Table, nil
}

// ForeignKeyEdges returns every (table, column) pair holding a foreign
// key that targets table.id, discovered from the live system catalog
func (in *Introspector) ForeignKeyEdges(ctx context.Context, table string) ([]Edge, error) {
	switch in.sess.Dialect().Name() {
	case "postgres":
		return in.foreignKeyEdgesPostgres(ctx, table)
	case "mysql":
		return in.foreignKeyEdgesMySQL(ctx, table)
	case "sqlite":
		return in.foreignKeyEdgesSQLite(ctx, table)
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", in.sess.Dialect().Name())
	}
}

// ForeignKeyColumns returns the columns of table that carry a foreign
// key, regardless of target. Used to resolve the peer side of junction
// tables.
func (in *Introspector) ForeignKeyColumns(ctx context.Context, table string) ([]string, error) {
	switch in.sess.Dialect().Name() {
	case "postgres":
		return in.foreignKeyColumnsPostgres(ctx, table)
	case "mysql":
		return in.foreignKeyColumnsMySQL(ctx, table)
	case "sqlite":
		return in.foreignKeyColumnsSQLite(ctx, table)
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", in.sess.Dialect().Name())
	}
}

// TableExists reports whether a table exists in the current schema
func (in *Introspector) TableExists(ctx context.Context, table string) (bool, error) {
	switch in.sess.Dialect().Name() {
	case "postgres":
		return in.tableExistsPostgres(ctx, table)
	case "mysql":
		return in.tableExistsMySQL(ctx, table)
	case "sqlite":
		return in.tableExistsSQLite(ctx, table)
	default:
		return false, fmt.Errorf("unsupported dialect: %s", in.sess.Dialect().Name())
	}
}

// ColumnExists reports whether a column exists on a table
func (in *Introspector) ColumnExists(ctx context.Context, table, column string) (bool, error) {
	switch in.sess.Dialect().Name() {
	case "postgres":
		return in.columnExistsPostgres(ctx, table, column)
	case "mysql":
		return in.columnExistsMySQL(ctx, table, column)
	case "sqlite":
		return in.columnExistsSQLite(ctx, table, column)
	default:
		return false, fmt.Errorf("unsupported dialect: %s", in.sess.Dialect().Name())
	}
}

// RelationalFields returns the stored registry fields of the given types
// whose declared target is the entity being merged
func (in *Introspector) RelationalFields(ctx context.Context, entity string, types ...FieldType) ([]Field, error) {
	query, args, err := sqlx.In(fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE ttype IN (?) AND relation = ?
		ORDER BY model, name
	`, fieldColumns, in.names.FieldTable), types, entity)
	if err != nil {
		return nil, fmt.Errorf("failed to build field query: %w", err)
	}

	var fields []Field
	if err := in.sess.Select(ctx, &fields, in.sess.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query relational fields of %s: %w", entity, err)
	}
	return storedOnly(fields), nil
}

// ReferenceFields returns every stored polymorphic-reference field in the
// registry, regardless of model
func (in *Introspector) ReferenceFields(ctx context.Context) ([]Field, error) {
	query := in.sess.Rebind(fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE ttype = ?
		ORDER BY model, name
	`, fieldColumns, in.names.FieldTable))

	var fields []Field
	if err := in.sess.Select(ctx, &fields, query, string(TypeReference)); err != nil {
		return nil, fmt.Errorf("failed to query reference fields: %w", err)
	}
	return storedOnly(fields), nil
}

// FieldsOf returns all stored, non-derived fields of an entity type, for
// value reconciliation
func (in *Introspector) FieldsOf(ctx context.Context, entity string) ([]Field, error) {
	query := in.sess.Rebind(fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE model = ?
		ORDER BY name
	`, fieldColumns, in.names.FieldTable))

	var fields []Field
	if err := in.sess.Select(ctx, &fields, query, entity); err != nil {
		return nil, fmt.Errorf("failed to query fields of %s: %w", entity, err)
	}
	return storedOnly(fields), nil
}

const fieldColumns = `id, model, name, ttype,
	COALESCE(relation, '') AS relation,
	COALESCE(relation_table, '') AS relation_table,
	COALESCE(column1, '') AS column1,
	COALESCE(column2, '') AS column2,
	COALESCE(inverse_name, '') AS inverse_name,
	stored,
	COALESCE(related, '') AS related`

func storedOnly(fields []Field) []Field {
	kept := fields[:0]
	for _, f := range fields {
		if f.Participates() {
			kept = append(kept, f)
		}
	}
	return kept
}
