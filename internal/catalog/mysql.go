package catalog

import (
	"context"
	"fmt"
)

// foreignKeyEdgesMySQL discovers referencing (table, column) pairs from
// information_schema, scoped to the current database
func (in *Introspector) foreignKeyEdgesMySQL(ctx context.Context, table string) ([]Edge, error) {
	query := in.sess.Rebind(`
		SELECT table_name, column_name
		FROM information_schema.key_column_usage
		WHERE table_schema = DATABASE()
			AND referenced_table_name = ?
			AND referenced_column_name = 'id'
		ORDER BY table_name, column_name
	`)

	rows, err := in.sess.Queryx(ctx, query, table)
	if err != nil {
		return nil, fmt.Errorf("failed to query foreign keys of %s: %w", table, err)
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.Table, &e.Column); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func (in *Introspector) foreignKeyColumnsMySQL(ctx context.Context, table string) ([]string, error) {
	query := in.sess.Rebind(`
		SELECT column_name
		FROM information_schema.key_column_usage
		WHERE table_schema = DATABASE()
			AND table_name = ?
			AND referenced_table_name IS NOT NULL
		ORDER BY column_name
	`)
	var columns []string
	if err := in.sess.Select(ctx, &columns, query, table); err != nil {
		return nil, fmt.Errorf("failed to query foreign key columns of %s: %w", table, err)
	}
	return columns, nil
}

func (in *Introspector) tableExistsMySQL(ctx context.Context, table string) (bool, error) {
	query := in.sess.Rebind(`
		SELECT COUNT(*)
		FROM information_schema.tables
		WHERE table_schema = DATABASE() AND table_name = ?
	`)
	var count int
	if err := in.sess.Get(ctx, &count, query, table); err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", table, err)
	}
	return count > 0, nil
}

func (in *Introspector) columnExistsMySQL(ctx context.Context, table, column string) (bool, error) {
	query := in.sess.Rebind(`
		SELECT COUNT(*)
		FROM information_schema.columns
		WHERE table_schema = DATABASE() AND table_name = ? AND column_name = ?
	`)
	var count int
	if err := in.sess.Get(ctx, &count, query, table, column); err != nil {
		return false, fmt.Errorf("failed to check column %s.%s: %w", table, column, err)
	}
	return count > 0, nil
}
