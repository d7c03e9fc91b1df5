package catalog

import (
	"context"
	"fmt"
)

// foreignKeyEdgesSQLite discovers referencing (table, column) pairs by
// walking sqlite_master and reading each table's foreign_key_list pragma.
// PRAGMA arguments cannot be bound, so table names from sqlite_master are
// interpolated quoted.
func (in *Introspector) foreignKeyEdgesSQLite(ctx context.Context, table string) ([]Edge, error) {
	var tables []string
	err := in.sess.Select(ctx, &tables, `
		SELECT name
		FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}

	var edges []Edge
	for _, name := range tables {
		pragma := fmt.Sprintf("PRAGMA foreign_key_list(%s)", in.sess.Dialect().QuoteIdent(name))
		rows, err := in.sess.Queryx(ctx, pragma)
		if err != nil {
			return nil, fmt.Errorf("failed to read foreign keys of %s: %w", name, err)
		}
		for rows.Next() {
			var (
				id, seq                       int
				refTable, from                string
				to                            *string
				onUpdate, onDelete, matchType string
			)
			if err := rows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &matchType); err != nil {
				rows.Close()
				return nil, err
			}
			// A NULL "to" column means the FK targets the primary key.
			if refTable == table && (to == nil || *to == "id") {
				edges = append(edges, Edge{Table: name, Column: from})
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return edges, nil
}

func (in *Introspector) foreignKeyColumnsSQLite(ctx context.Context, table string) ([]string, error) {
	pragma := fmt.Sprintf("PRAGMA foreign_key_list(%s)", in.sess.Dialect().QuoteIdent(table))
	rows, err := in.sess.Queryx(ctx, pragma)
	if err != nil {
		return nil, fmt.Errorf("failed to read foreign keys of %s: %w", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var (
			id, seq                       int
			refTable, from                string
			to                            *string
			onUpdate, onDelete, matchType string
		)
		if err := rows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &matchType); err != nil {
			return nil, err
		}
		columns = append(columns, from)
	}
	return columns, rows.Err()
}

func (in *Introspector) tableExistsSQLite(ctx context.Context, table string) (bool, error) {
	query := in.sess.Rebind(`
		SELECT COUNT(*)
		FROM sqlite_master
		WHERE type = 'table' AND name = ?
	`)
	var count int
	if err := in.sess.Get(ctx, &count, query, table); err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", table, err)
	}
	return count > 0, nil
}

func (in *Introspector) columnExistsSQLite(ctx context.Context, table, column string) (bool, error) {
	pragma := fmt.Sprintf("PRAGMA table_info(%s)", in.sess.Dialect().QuoteIdent(table))
	rows, err := in.sess.Queryx(ctx, pragma)
	if err != nil {
		return false, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name, typ string
			notNull   int
			dflt      *string
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
