package merge

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/OCA/recordmerge/internal/catalog"
)

// reconcileValues computes the survivor's final value for every stored
// field from the ordered value list [survivor, dup1..dupn] (reversed when
// the request prefers the duplicates) and writes only the values that
// actually differ from the survivor's current ones, so repeating the step
// with the same inputs is a no-op.
func (e *Engine) reconcileValues(ctx context.Context, req Request, table string) error {
	fields, err := e.cat.FieldsOf(ctx, req.EntityType)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}

	ordered := make([]int64, 0, len(req.DuplicateIDs)+1)
	if req.DuplicatesFirst {
		ordered = append(ordered, req.DuplicateIDs...)
		ordered = append(ordered, req.SurvivorID)
	} else {
		ordered = append(ordered, req.SurvivorID)
		ordered = append(ordered, req.DuplicateIDs...)
	}

	rows, err := e.loadRows(ctx, table, ordered)
	if err != nil {
		return err
	}
	survivorRow, ok := rows[req.SurvivorID]
	if !ok {
		return fmt.Errorf("survivor row %d not found in %s", req.SurvivorID, table)
	}

	updates := make(map[string]any)
	for _, f := range fields {
		op, wanted := req.operationFor(f)
		if !wanted || op == OpPreserve {
			continue
		}
		switch f.Type {
		case catalog.TypeManyToMany:
			if err := e.reconcileOwnedLinks(ctx, req, f, op); err != nil {
				return err
			}
		case catalog.TypeOneToMany:
			if err := e.reconcileChildren(ctx, req, f, op); err != nil {
				return err
			}
		default:
			current, hasColumn := survivorRow[f.Name]
			if !hasColumn {
				continue
			}
			all := make([]any, 0, len(ordered))
			dups := make([]any, 0, len(req.DuplicateIDs))
			for _, id := range ordered {
				row, ok := rows[id]
				if !ok {
					continue
				}
				v := row[f.Name]
				all = append(all, v)
				if id != req.SurvivorID {
					dups = append(dups, v)
				}
			}
			value, changed := reconcileScalar(f.Type, op, current, all, dups)
			if !changed {
				continue
			}
			if f.Type == ftJSON {
				if jsonEqual(value, current) {
					continue
				}
			} else if valueEqual(value, current) {
				continue
			}
			updates[f.Name] = value
		}
	}

	if len(updates) == 0 {
		return nil
	}

	columns := make([]string, 0, len(updates))
	for col := range updates {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	ub := e.sess.Dialect().Flavor().NewUpdateBuilder()
	ub.Update(e.quote(table))
	assignments := make([]string, 0, len(columns))
	for _, col := range columns {
		assignments = append(assignments, ub.Assign(e.quote(col), updates[col]))
	}
	ub.Set(assignments...)
	ub.Where(ub.Equal(e.quote("id"), req.SurvivorID))
	query, args := ub.Build()
	if _, err := e.sess.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to write reconciled values: %w", err)
	}
	e.log.DebugContext(ctx, "reconciled field values",
		"entity", req.EntityType, "survivor", req.SurvivorID, "fields", columns)
	return nil
}

// loadRows reads the merged rows' stored columns into maps keyed by id
func (e *Engine) loadRows(ctx context.Context, table string, ids []int64) (map[int64]map[string]any, error) {
	query, args, err := sqlx.In(fmt.Sprintf(
		"SELECT * FROM %s WHERE id IN (?)", e.quote(table)), ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build row query: %w", err)
	}
	rows, err := e.sess.Queryx(ctx, e.sess.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read rows of %s: %w", table, err)
	}
	defer rows.Close()

	result := make(map[int64]map[string]any, len(ids))
	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return nil, err
		}
		id, ok := toInt64(row["id"])
		if !ok {
			return nil, fmt.Errorf("table %s has a non-integer id", table)
		}
		result[id] = row
	}
	return result, rows.Err()
}

// reconcileOwnedLinks merges the survivor's own many-to-many links:
// the default operation unions all links, de-duplicated; "first" adopts
// the first duplicate's links only when the survivor has none.
func (e *Engine) reconcileOwnedLinks(ctx context.Context, req Request, f catalog.Field, op Operation) error {
	if f.RelationTable == "" || f.Column1 == "" || f.Column2 == "" {
		return nil
	}
	if req.excluded(f.RelationTable, f.Column1) {
		return nil
	}
	if exists, err := e.cat.TableExists(ctx, f.RelationTable); err != nil || !exists {
		return err
	}
	switch op {
	case OpMerge:
		// Column1 points at the merged entity on owned relations.
		if err := e.rewriteJunction(ctx, req, f.RelationTable, f.Column1, f.Column2); err != nil {
			return fmt.Errorf("failed to merge links of %s: %w", f.Name, err)
		}
	case OpFirst:
		return e.adoptFirstLinks(ctx, req, f)
	}
	return nil
}

// adoptFirstLinks moves the first link-holding duplicate's links to the
// survivor, only when the survivor has none
func (e *Engine) adoptFirstLinks(ctx context.Context, req Request, f catalog.Field) error {
	count := func(id int64) (int, error) {
		var n int
		query := e.sess.Rebind(fmt.Sprintf(
			"SELECT COUNT(*) FROM %s WHERE %s = ?",
			e.quote(f.RelationTable), e.quote(f.Column1)))
		err := e.sess.Get(ctx, &n, query, id)
		return n, err
	}
	n, err := count(req.SurvivorID)
	if err != nil || n > 0 {
		return err
	}
	for _, dup := range req.DuplicateIDs {
		n, err := count(dup)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		update := e.sess.Rebind(fmt.Sprintf(
			"UPDATE %s SET %s = ? WHERE %s = ?",
			e.quote(f.RelationTable), e.quote(f.Column1), e.quote(f.Column1)))
		if _, err := e.sess.Exec(ctx, update, req.SurvivorID, dup); err != nil {
			return fmt.Errorf("failed to adopt links of %s: %w", f.Name, err)
		}
		return nil
	}
	return nil
}

// reconcileChildren reparents the duplicates' child rows to the survivor
// (reverse-multi-reference default); any other operation leaves them to
// the upstream relinking and deletion steps.
func (e *Engine) reconcileChildren(ctx context.Context, req Request, f catalog.Field, op Operation) error {
	if op != OpMerge || f.Relation == "" || f.InverseName == "" {
		return nil
	}
	childTable, err := e.cat.TableFor(ctx, f.Relation)
	if err != nil {
		return err
	}
	if req.excluded(childTable, f.InverseName) {
		return nil
	}
	if exists, err := e.cat.TableExists(ctx, childTable); err != nil || !exists {
		return err
	}
	if exists, err := e.cat.ColumnExists(ctx, childTable, f.InverseName); err != nil || !exists {
		return err
	}
	// Same bulk-then-fallback discipline as structural edges.
	return e.relinkEdge(ctx, req, catalog.Edge{Table: childTable, Column: f.InverseName})
}

// reconcileScalar computes one field's final value. survivor is the
// survivor's current value, all the full ordered value list, dups the
// duplicates' values in merge order. The second return is false when the
// operation yields nothing to write for this field.
func reconcileScalar(t catalog.FieldType, op Operation, survivor any, all []any, dups []any) (any, bool) {
	switch op {
	case OpFirstNotNull:
		return firstNonEmpty(all)
	case OpFirst:
		return firstNonEmpty(dups)
	case OpMerge:
		switch t {
		case ftText, ftLongText, ftRichText:
			return concatStrings(all), true
		case ftBinary, catalog.TypeManyToOne:
			// Fill-if-empty: adopt a value only when the survivor has none.
			if !isEmpty(survivor) {
				return nil, false
			}
			return firstNonEmpty(all)
		case ftJSON:
			return mergeJSONValues(all)
		}
		return nil, false
	case OpSum, OpAvg, OpMax, OpMin:
		switch t {
		case ftInteger, ftFloat, ftCurrency:
			v := combineNumeric(op, all)
			if t == ftInteger {
				return int64(v), true
			}
			return v, true
		case ftDate, ftDatetime:
			if op == OpMax || op == OpMin {
				return combineTemporal(op, all)
			}
		}
		return nil, false
	case OpAnd, OpOr:
		if t != ftBoolean {
			return nil, false
		}
		return combineBoolean(op, all), true
	}
	return nil, false
}

// combineNumeric folds the values with missing ones coerced to zero
func combineNumeric(op Operation, values []any) float64 {
	var sum, max, min float64
	for i, v := range values {
		f, _ := toFloat64(v)
		sum += f
		if i == 0 || f > max {
			max = f
		}
		if i == 0 || f < min {
			min = f
		}
	}
	switch op {
	case OpSum:
		return sum
	case OpAvg:
		if len(values) == 0 {
			return 0
		}
		return sum / float64(len(values))
	case OpMax:
		return max
	default:
		return min
	}
}

// combineTemporal picks the extreme of the non-empty temporal values
func combineTemporal(op Operation, values []any) (any, bool) {
	var best any
	var bestKey string
	for _, v := range values {
		if isEmpty(v) {
			continue
		}
		key := temporalKey(v)
		if best == nil ||
			(op == OpMax && key > bestKey) ||
			(op == OpMin && key < bestKey) {
			best, bestKey = v, key
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

// combineBoolean folds the values with missing ones coerced to false
func combineBoolean(op Operation, values []any) bool {
	result := op == OpAnd
	for _, v := range values {
		b := toBool(v)
		if op == OpAnd {
			result = result && b
		} else {
			result = result || b
		}
	}
	return result
}

// firstNonEmpty returns the first value that is present
func firstNonEmpty(values []any) (any, bool) {
	for _, v := range values {
		if !isEmpty(v) {
			return v, true
		}
	}
	return nil, false
}

// concatStrings joins the non-empty textual values with a separator
func concatStrings(values []any) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		if isEmpty(v) {
			continue
		}
		parts = append(parts, asString(v))
	}
	result := ""
	for i, p := range parts {
		if i > 0 {
			result += " | "
		}
		result += p
	}
	return result
}

// temporalKey normalizes a temporal value for ordering. Drivers return
// either time.Time or ISO-formatted text; both order correctly as the
// formatted string.
func temporalKey(v any) string {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format("2006-01-02 15:04:05")
	}
	return asString(v)
}

// isEmpty reports whether a value counts as missing: NULL, empty text or
// empty bytes
func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []byte:
		return len(x) == 0
	}
	return false
}

func asString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format("2006-01-02 15:04:05")
	default:
		return fmt.Sprintf("%v", x)
	}
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case float64:
		return int64(x), true
	case []byte:
		var n int64
		_, err := fmt.Sscan(string(x), &n)
		return n, err == nil
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case []byte:
		var f float64
		_, err := fmt.Sscan(string(x), &f)
		return f, err == nil
	case string:
		var f float64
		_, err := fmt.Sscan(x, &f)
		return f, err == nil
	}
	return 0, false
}

func toBool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case int64:
		return x != 0
	case int:
		return x != 0
	case float64:
		return x != 0
	case []byte:
		return string(x) == "1" || string(x) == "true"
	case string:
		return x == "1" || x == "true"
	}
	return false
}

// valueEqual compares a computed value with the survivor's current one
// across the representations drivers use for the same datum
func valueEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Equal(tb)
		}
		return temporalKey(ta) == temporalKey(b)
	}
	if _, ok := b.(time.Time); ok {
		return temporalKey(a) == temporalKey(b)
	}
	fa, aNum := toFloat64Strict(a)
	fb, bNum := toFloat64Strict(b)
	if aNum && bNum {
		return fa == fb
	}
	return asString(a) == asString(b)
}

// toFloat64Strict converts only genuinely numeric representations,
// leaving text alone so "007" and "7" stay distinct
func toFloat64Strict(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
