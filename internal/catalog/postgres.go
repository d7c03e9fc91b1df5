package catalog

import (
	"context"
	"fmt"
)

// foreignKeyEdgesPostgres discovers referencing (table, column) pairs from
// information_schema. Junction tables are included; sequence ownership is
// not modeled as a foreign key and therefore excluded by construction.
func (in *Introspector) foreignKeyEdgesPostgres(ctx context.Context, table string) ([]Edge, error) {
	query := in.sess.Rebind(`
		SELECT tc.table_name, kcu.column_name
		FROM information_schema.table_constraints AS tc
		JOIN information_schema.key_column_usage AS kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage AS ccu
			ON ccu.constraint_name = tc.constraint_name
			AND ccu.table_schema = tc.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
			AND ccu.table_name = ?
			AND ccu.column_name = 'id'
		ORDER BY tc.table_name, kcu.column_name
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

func (in *Introspector) foreignKeyColumnsPostgres(ctx context.Context, table string) ([]string, error) {
	query := in.sess.Rebind(`
		SELECT kcu.column_name
		FROM information_schema.table_constraints AS tc
		JOIN information_schema.key_column_usage AS kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
			AND tc.table_name = ?
		ORDER BY kcu.column_name
	`)
	var columns []string
	if err := in.sess.Select(ctx, &columns, query, table); err != nil {
		return nil, fmt.Errorf("failed to query foreign key columns of %s: %w", table, err)
	}
	return columns, nil
}

func (in *Introspector) tableExistsPostgres(ctx context.Context, table string) (bool, error) {
	query := in.sess.Rebind(`
		SELECT COUNT(*)
		FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_name = ?
	`)
	var count int
	if err := in.sess.Get(ctx, &count, query, table); err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", table, err)
	}
	return count > 0, nil
}

func (in *Introspector) columnExistsPostgres(ctx context.Context, table, column string) (bool, error) {
	query := in.sess.Rebind(`
		SELECT COUNT(*)
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = ? AND column_name = ?
	`)
	var count int
	if err := in.sess.Get(ctx, &count, query, table, column); err != nil {
		return false, fmt.Errorf("failed to check column %s.%s: %w", table, column, err)
	}
	return count > 0, nil
}
