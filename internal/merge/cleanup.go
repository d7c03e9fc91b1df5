package merge

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// deleteDuplicates removes the now-orphaned duplicate rows and their
// auxiliary entries: external identifiers first, then any side-table rows
// still scoped to the duplicates, then the rows themselves, so dependent
// entries are gone before the parent row disappears.
func (e *Engine) deleteDuplicates(ctx context.Context, req Request, table string) error {
	if err := e.deleteScoped(ctx, req, e.opts.ExternalIDTable, "model", "res_id"); err != nil {
		return err
	}
	for _, sub := range e.opts.Subsystems {
		if err := e.deleteScoped(ctx, req, sub.Table, sub.TypeColumn, sub.IDColumn); err != nil {
			return err
		}
	}

	del, args, err := sqlx.In(fmt.Sprintf(
		"DELETE FROM %s WHERE id IN (?)", e.quote(table)), req.DuplicateIDs)
	if err != nil {
		return fmt.Errorf("failed to build duplicate delete: %w", err)
	}
	rows, err := e.sess.Exec(ctx, e.sess.Rebind(del), args...)
	if err != nil {
		return fmt.Errorf("failed to delete duplicate rows of %s: %w", table, err)
	}
	e.log.InfoContext(ctx, "deleted duplicate records",
		"entity", req.EntityType, "table", table, "rows", rows)
	return nil
}

// deleteScoped removes rows of an auxiliary table scoped to the
// duplicates by (type tag, referenced id). Missing tables are skipped.
func (e *Engine) deleteScoped(ctx context.Context, req Request, table, typeCol, idCol string) error {
	if exists, err := e.cat.TableExists(ctx, table); err != nil || !exists {
		return err
	}
	for _, col := range []string{typeCol, idCol} {
		if exists, err := e.cat.ColumnExists(ctx, table, col); err != nil || !exists {
			return err
		}
	}
	del, args, err := sqlx.In(fmt.Sprintf(
		"DELETE FROM %s WHERE %s = ? AND %s IN (?)",
		e.quote(table), e.quote(typeCol), e.quote(idCol)),
		req.EntityType, req.DuplicateIDs)
	if err != nil {
		return fmt.Errorf("failed to build cleanup delete: %w", err)
	}
	rows, err := e.sess.Exec(ctx, e.sess.Rebind(del), args...)
	if err != nil {
		return fmt.Errorf("failed to clean up %s: %w", table, err)
	}
	if rows > 0 {
		e.log.DebugContext(ctx, "cleaned up auxiliary rows", "table", table, "rows", rows)
	}
	return nil
}
