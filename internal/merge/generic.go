package merge

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// rewriteSubsystems repoints the known polymorphic side tables, which
// store a (type tag, referenced id) pair instead of a typed foreign key.
// One generic routine consumes the declarative subsystem table; adding a
// subsystem is a data change.
func (e *Engine) rewriteSubsystems(ctx context.Context, req Request) error {
	for _, sub := range e.opts.Subsystems {
		ok, err := e.subsystemUsable(ctx, req, sub)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if sub.UniqueWith != "" {
			if err := e.dropCollidingSubsystemRows(ctx, req, sub); err != nil {
				return err
			}
		}
		if err := e.rewriteSubsystem(ctx, req, sub); err != nil {
			return err
		}
	}
	return nil
}

// subsystemUsable applies the skip rules: missing tables or columns and
// excluded edges disable a subsystem for this merge
func (e *Engine) subsystemUsable(ctx context.Context, req Request, sub Subsystem) (bool, error) {
	if req.excluded(sub.Table, sub.IDColumn) {
		return false, nil
	}
	if exists, err := e.cat.TableExists(ctx, sub.Table); err != nil || !exists {
		return false, err
	}
	for _, col := range []string{sub.TypeColumn, sub.IDColumn} {
		if exists, err := e.cat.ColumnExists(ctx, sub.Table, col); err != nil || !exists {
			return false, err
		}
	}
	if sub.UniqueWith != "" {
		if exists, err := e.cat.ColumnExists(ctx, sub.Table, sub.UniqueWith); err != nil {
			return false, err
		} else if !exists {
			return false, nil
		}
	}
	return true, nil
}

// dropCollidingSubsystemRows deletes duplicate-side rows that would
// collide with an existing survivor-side row for the same correlating
// attribute, e.g. the same actor following both records. Rewriting them
// would silently violate the subsystem's one-row-per-actor rule.
// The self-referencing subquery is wrapped in a derived table so the
// statement is also valid on MySQL.
func (e *Engine) dropCollidingSubsystemRows(ctx context.Context, req Request, sub Subsystem) error {
	query, args, err := sqlx.In(fmt.Sprintf(`
		DELETE FROM %[1]s
		WHERE %[2]s = ? AND %[3]s IN (?) AND %[4]s IN (
			SELECT %[4]s FROM (
				SELECT %[4]s FROM %[1]s WHERE %[2]s = ? AND %[3]s = ?
			) existing
		)
	`, e.quote(sub.Table), e.quote(sub.TypeColumn), e.quote(sub.IDColumn), e.quote(sub.UniqueWith)),
		req.EntityType, req.DuplicateIDs, req.EntityType, req.SurvivorID)
	if err != nil {
		return fmt.Errorf("failed to build collision delete: %w", err)
	}
	rows, err := e.sess.Exec(ctx, e.sess.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to drop colliding %s rows: %w", sub.Table, err)
	}
	if rows > 0 {
		e.log.DebugContext(ctx, "dropped colliding subsystem rows",
			"table", sub.Table, "rows", rows)
	}
	return nil
}

// rewriteSubsystem repoints the remaining duplicate-side rows at the
// survivor, and rewrites the type tag when the merge doubles as a rename
func (e *Engine) rewriteSubsystem(ctx context.Context, req Request, sub Subsystem) error {
	ub := e.sess.Dialect().Flavor().NewUpdateBuilder()
	ub.Update(e.quote(sub.Table))
	assignments := []string{ub.Assign(e.quote(sub.IDColumn), req.SurvivorID)}
	if req.NewEntityType != "" {
		assignments = append(assignments, ub.Assign(e.quote(sub.TypeColumn), req.NewEntityType))
	}
	ub.Set(assignments...)
	ub.Where(
		ub.Equal(e.quote(sub.TypeColumn), req.EntityType),
		ub.In(e.quote(sub.IDColumn), anyValues(req.DuplicateIDs)...),
	)
	query, args := ub.Build()
	rows, err := e.sess.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to rewrite %s rows: %w", sub.Table, err)
	}
	if rows > 0 {
		e.log.DebugContext(ctx, "rewrote subsystem rows", "table", sub.Table, "rows", rows)
	}
	return nil
}

// rewriteReferenceFields rewrites registry-declared polymorphic reference
// fields, which serialize a reference as "<entity>,<id>" text. The scan is
// best effort: per-table scopes absorb uniqueness violations and
// undefined columns, every other error aborts the merge.
func (e *Engine) rewriteReferenceFields(ctx context.Context, req Request) error {
	fields, err := e.cat.ReferenceFields(ctx)
	if err != nil {
		return err
	}

	newEntity := req.EntityType
	if req.NewEntityType != "" {
		newEntity = req.NewEntityType
	}
	survivorRef := fmt.Sprintf("%s,%d", newEntity, req.SurvivorID)
	duplicateRefs := make([]string, len(req.DuplicateIDs))
	for i, id := range req.DuplicateIDs {
		duplicateRefs[i] = fmt.Sprintf("%s,%d", req.EntityType, id)
	}

	for _, f := range fields {
		table, ok, err := e.resolveFieldTable(ctx, req, f)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		err = e.sess.Savepoint(ctx, func() error {
			query, args, inErr := sqlx.In(fmt.Sprintf(
				"UPDATE %s SET %s = ? WHERE %s IN (?)",
				e.quote(table), e.quote(f.Name), e.quote(f.Name)),
				survivorRef, duplicateRefs)
			if inErr != nil {
				return inErr
			}
			_, execErr := e.sess.Exec(ctx, e.sess.Rebind(query), args...)
			return execErr
		})
		if err == nil {
			continue
		}
		if e.sess.Dialect().IsUniqueViolation(err) || e.sess.Dialect().IsUndefinedColumn(err) {
			e.log.DebugContext(ctx, "skipped reference field",
				"model", f.Model, "field", f.Name, "reason", err)
			continue
		}
		return fmt.Errorf("failed to rewrite reference field %s.%s: %w", f.Model, f.Name, err)
	}
	return nil
}
