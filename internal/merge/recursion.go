package merge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/OCA/recordmerge/internal/catalog"
)

// checkRecursion detects self-referential hierarchy fields whose
// post-relink state would make the survivor its own ancestor. It runs
// after relinking and before value reconciliation and deletion, so a
// refusal leaves the store in the relinked state; callers own the outer
// transaction and decide whether to roll it back.
func (e *Engine) checkRecursion(ctx context.Context, req Request, table string) error {
	fields, err := e.cat.RelationalFields(ctx, req.EntityType, catalog.TypeManyToOne)
	if err != nil {
		return err
	}
	for _, f := range fields {
		if f.Model != req.EntityType {
			continue
		}
		if exists, err := e.cat.ColumnExists(ctx, table, f.Name); err != nil {
			return err
		} else if !exists {
			continue
		}
		cyclic, err := e.walkAncestors(ctx, table, f.Name, req.SurvivorID)
		if err != nil {
			return err
		}
		if cyclic {
			e.log.WarnContext(ctx, "merge refused: survivor would become its own ancestor",
				"entity", req.EntityType, "field", f.Name, "survivor", req.SurvivorID)
			return fmt.Errorf("%w: field %s of %s", ErrRecursionDetected, f.Name, req.EntityType)
		}
	}
	return nil
}

// walkAncestors follows the parent pointer upward from start and reports
// whether the chain revisits a row
func (e *Engine) walkAncestors(ctx context.Context, table, column string, start int64) (bool, error) {
	query := e.sess.Rebind(fmt.Sprintf(
		"SELECT %s FROM %s WHERE id = ?", e.quote(column), e.quote(table)))

	visited := map[int64]bool{start: true}
	current := start
	for {
		var parent sql.NullInt64
		err := e.sess.Get(ctx, &parent, query, current)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to read parent of %d in %s: %w", current, table, err)
		}
		if !parent.Valid {
			return false, nil
		}
		if visited[parent.Int64] {
			return true, nil
		}
		visited[parent.Int64] = true
		current = parent.Int64
	}
}
