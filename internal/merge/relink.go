package merge

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/OCA/recordmerge/internal/catalog"
)

// relinkForeignKeys repoints every structural foreign-key edge discovered
// from the live catalog, minus the request's exclusions
func (e *Engine) relinkForeignKeys(ctx context.Context, req Request, table string) error {
	edges, err := e.cat.ForeignKeyEdges(ctx, table)
	if err != nil {
		return err
	}
	for _, edge := range edges {
		if req.excluded(edge.Table, edge.Column) {
			continue
		}
		if err := e.relinkEdge(ctx, req, edge); err != nil {
			return err
		}
	}
	return nil
}

// relinkEdge tries one set-based update first; on a uniqueness violation
// only that nested scope is rolled back and the edge is retried row by
// row. Any other error class aborts the merge.
func (e *Engine) relinkEdge(ctx context.Context, req Request, edge catalog.Edge) error {
	flavor := e.sess.Dialect().Flavor()
	err := e.sess.Savepoint(ctx, func() error {
		ub := flavor.NewUpdateBuilder()
		ub.Update(e.quote(edge.Table))
		ub.Set(ub.Assign(e.quote(edge.Column), req.SurvivorID))
		ub.Where(ub.In(e.quote(edge.Column), anyValues(req.DuplicateIDs)...))
		query, args := ub.Build()
		_, execErr := e.sess.Exec(ctx, query, args...)
		return execErr
	})
	if err == nil {
		return nil
	}
	if !e.sess.Dialect().IsUniqueViolation(err) {
		return fmt.Errorf("failed to relink %s.%s: %w", edge.Table, edge.Column, err)
	}
	e.log.DebugContext(ctx, "bulk relink collided, retrying row by row",
		"table", edge.Table, "column", edge.Column)

	hasID, err := e.cat.ColumnExists(ctx, edge.Table, "id")
	if err != nil {
		return err
	}
	if hasID {
		return e.relinkRowsByID(ctx, req, edge)
	}
	return e.relinkJunctionRows(ctx, req, edge)
}

// relinkRowsByID retries a collided edge one referencing row at a time.
// Rows that still collide keep their value; the duplicate row they point
// at survives deletion only if the caller opted out of it.
func (e *Engine) relinkRowsByID(ctx context.Context, req Request, edge catalog.Edge) error {
	query, args, err := sqlx.In(fmt.Sprintf(
		"SELECT id FROM %s WHERE %s IN (?) ORDER BY id",
		e.quote(edge.Table), e.quote(edge.Column)), req.DuplicateIDs)
	if err != nil {
		return fmt.Errorf("failed to build row query: %w", err)
	}
	var rowIDs []int64
	if err := e.sess.Select(ctx, &rowIDs, e.sess.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to list rows of %s: %w", edge.Table, err)
	}

	for _, rowID := range rowIDs {
		err := e.sess.Savepoint(ctx, func() error {
			update := e.sess.Rebind(fmt.Sprintf(
				"UPDATE %s SET %s = ? WHERE id = ?",
				e.quote(edge.Table), e.quote(edge.Column)))
			_, execErr := e.sess.Exec(ctx, update, req.SurvivorID, rowID)
			return execErr
		})
		if err == nil {
			continue
		}
		if !e.sess.Dialect().IsUniqueViolation(err) {
			return fmt.Errorf("failed to relink row %d of %s: %w", rowID, edge.Table, err)
		}
		e.log.DebugContext(ctx, "row still collides, left unchanged",
			"table", edge.Table, "column", edge.Column, "row", rowID)
	}
	return nil
}

// relinkJunctionRows handles a pure many-to-many junction that has no
// identity column: each row is keyed by the pair of referenced ids and
// retried in its own scope; rows that still collide are dropped because
// the surviving pair already represents them.
func (e *Engine) relinkJunctionRows(ctx context.Context, req Request, edge catalog.Edge) error {
	otherCol, err := e.junctionPeerColumn(ctx, edge)
	if err != nil {
		return err
	}

	query, args, err := sqlx.In(fmt.Sprintf(
		"SELECT %s, %s FROM %s WHERE %s IN (?) ORDER BY %s, %s",
		e.quote(edge.Column), e.quote(otherCol), e.quote(edge.Table),
		e.quote(edge.Column), e.quote(edge.Column), e.quote(otherCol)), req.DuplicateIDs)
	if err != nil {
		return fmt.Errorf("failed to build junction query: %w", err)
	}
	rows, err := e.sess.Queryx(ctx, e.sess.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to list junction rows of %s: %w", edge.Table, err)
	}
	type pair struct{ dup, other int64 }
	var pairs []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.dup, &p.other); err != nil {
			rows.Close()
			return err
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, p := range pairs {
		err := e.sess.Savepoint(ctx, func() error {
			update := e.sess.Rebind(fmt.Sprintf(
				"UPDATE %s SET %s = ? WHERE %s = ? AND %s = ?",
				e.quote(edge.Table), e.quote(edge.Column),
				e.quote(edge.Column), e.quote(otherCol)))
			_, execErr := e.sess.Exec(ctx, update, req.SurvivorID, p.dup, p.other)
			return execErr
		})
		if err == nil {
			continue
		}
		if !e.sess.Dialect().IsUniqueViolation(err) {
			return fmt.Errorf("failed to relink junction row of %s: %w", edge.Table, err)
		}
	}

	// Whatever still references a duplicate is represented by the
	// surviving pair; drop it.
	del, args, err := sqlx.In(fmt.Sprintf(
		"DELETE FROM %s WHERE %s IN (?)",
		e.quote(edge.Table), e.quote(edge.Column)), req.DuplicateIDs)
	if err != nil {
		return fmt.Errorf("failed to build junction delete: %w", err)
	}
	if _, err := e.sess.Exec(ctx, e.sess.Rebind(del), args...); err != nil {
		return fmt.Errorf("failed to drop unmergeable rows of %s: %w", edge.Table, err)
	}
	return nil
}

// junctionPeerColumn resolves the "other side" of an id-less junction:
// the first foreign-key column that is not the edge being rewritten
func (e *Engine) junctionPeerColumn(ctx context.Context, edge catalog.Edge) (string, error) {
	cols, err := e.cat.ForeignKeyColumns(ctx, edge.Table)
	if err != nil {
		return "", err
	}
	for _, col := range cols {
		if col != edge.Column {
			return col, nil
		}
	}
	// Degenerate junction with a single foreign key: key retries by the
	// rewritten column itself.
	return edge.Column, nil
}

// relinkSingleRefs is the registry-driven path for single-reference
// fields declared against the merged entity: one batched update per field
func (e *Engine) relinkSingleRefs(ctx context.Context, req Request) error {
	fields, err := e.cat.RelationalFields(ctx, req.EntityType, catalog.TypeManyToOne)
	if err != nil {
		return err
	}
	for _, f := range fields {
		table, ok, err := e.resolveFieldTable(ctx, req, f)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		ub := e.sess.Dialect().Flavor().NewUpdateBuilder()
		ub.Update(e.quote(table))
		ub.Set(ub.Assign(e.quote(f.Name), req.SurvivorID))
		ub.Where(ub.In(e.quote(f.Name), anyValues(req.DuplicateIDs)...))
		query, args := ub.Build()
		rows, err := e.sess.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to relink field %s.%s: %w", f.Model, f.Name, err)
		}
		if rows > 0 {
			e.log.DebugContext(ctx, "relinked single-reference field",
				"model", f.Model, "field", f.Name, "rows", rows)
		}
	}
	return nil
}

// relinkMultiRefs is the registry-driven path for many-to-many fields
// declared against the merged entity: survivor-side links are added where
// missing, duplicate-side links removed, so the relation stays
// de-duplicated by construction.
func (e *Engine) relinkMultiRefs(ctx context.Context, req Request) error {
	fields, err := e.cat.RelationalFields(ctx, req.EntityType, catalog.TypeManyToMany)
	if err != nil {
		return err
	}
	for _, f := range fields {
		if _, ok, err := e.resolveFieldTable(ctx, req, f); err != nil {
			return err
		} else if !ok {
			continue
		}
		if f.RelationTable == "" || f.Column1 == "" || f.Column2 == "" {
			continue
		}
		if exists, err := e.cat.TableExists(ctx, f.RelationTable); err != nil {
			return err
		} else if !exists {
			continue
		}
		// Column2 points at the merged entity, Column1 at the owning side.
		if err := e.rewriteJunction(ctx, req, f.RelationTable, f.Column2, f.Column1); err != nil {
			return fmt.Errorf("failed to relink field %s.%s: %w", f.Model, f.Name, err)
		}
	}
	return nil
}

// rewriteJunction moves junction rows from the duplicates to the survivor
// on entityCol, de-duplicating against existing survivor links on peerCol
func (e *Engine) rewriteJunction(ctx context.Context, req Request, table, entityCol, peerCol string) error {
	insert, args, err := sqlx.In(fmt.Sprintf(`
		INSERT INTO %[1]s (%[2]s, %[3]s)
		SELECT DISTINCT ?, r.%[3]s FROM %[1]s r
		WHERE r.%[2]s IN (?)
		AND r.%[3]s NOT IN (SELECT %[3]s FROM %[1]s WHERE %[2]s = ?)
	`, e.quote(table), e.quote(entityCol), e.quote(peerCol)),
		req.SurvivorID, req.DuplicateIDs, req.SurvivorID)
	if err != nil {
		return fmt.Errorf("failed to build junction insert: %w", err)
	}
	if _, err := e.sess.Exec(ctx, e.sess.Rebind(insert), args...); err != nil {
		return err
	}

	del, args, err := sqlx.In(fmt.Sprintf(
		"DELETE FROM %s WHERE %s IN (?)",
		e.quote(table), e.quote(entityCol)), req.DuplicateIDs)
	if err != nil {
		return fmt.Errorf("failed to build junction delete: %w", err)
	}
	if _, err := e.sess.Exec(ctx, e.sess.Rebind(del), args...); err != nil {
		return err
	}
	return nil
}

// resolveFieldTable resolves the backing table of a field's owning model
// and applies the skip rules shared by the registry-driven paths:
// unregistered models, view-backed models, excluded edges and fields
// whose column is missing are all discarded.
func (e *Engine) resolveFieldTable(ctx context.Context, req Request, f catalog.Field) (string, bool, error) {
	model, err := e.cat.ModelByName(ctx, f.Model)
	if err != nil {
		return "", false, err
	}
	if model == nil || model.IsView {
		return "", false, nil
	}
	table := model.Table
	if table == "" {
		table = catalog.DeriveTableName(f.Model)
	}
	if req.excluded(table, f.Name) {
		return "", false, nil
	}
	if exists, err := e.cat.TableExists(ctx, table); err != nil || !exists {
		return "", false, err
	}
	if f.Type == catalog.TypeManyToMany {
		// Junction details are validated by the caller.
		return table, true, nil
	}
	if exists, err := e.cat.ColumnExists(ctx, table, f.Name); err != nil || !exists {
		return "", false, err
	}
	return table, true, nil
}
