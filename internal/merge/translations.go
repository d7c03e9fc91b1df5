package merge

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// translationRow is one per-locale textual variant attached to a merged
// row, keyed by ("<entity>,<field>", lang).
type translationRow struct {
	ID   int64  `db:"id"`
	Name string `db:"name"`
	Lang string `db:"lang"`
}

// mergeTranslations reconciles per-locale variants: per (field, locale)
// group exactly one row wins. The survivor's own row wins when present,
// otherwise the first duplicate row is promoted; the rest are discarded.
func (e *Engine) mergeTranslations(ctx context.Context, req Request) error {
	table := e.opts.TranslationTable
	if req.excluded(table, "res_id") {
		return nil
	}
	if exists, err := e.cat.TableExists(ctx, table); err != nil || !exists {
		return err
	}

	query, args, err := sqlx.In(fmt.Sprintf(`
		SELECT id, name, COALESCE(lang, '') AS lang
		FROM %s
		WHERE res_id IN (?) AND name LIKE ?
		ORDER BY name, lang, id
	`, e.quote(table)), req.DuplicateIDs, req.EntityType+",%")
	if err != nil {
		return fmt.Errorf("failed to build translation query: %w", err)
	}
	var rows []translationRow
	if err := e.sess.Select(ctx, &rows, e.sess.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to list translations: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	// Group duplicate-side rows by (name, lang), preserving id order.
	type key struct{ name, lang string }
	groups := make(map[key][]int64)
	var order []key
	for _, row := range rows {
		k := key{row.Name, row.Lang}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], row.ID)
	}

	for _, k := range order {
		ids := groups[k]
		var survivorRows int
		countQuery := e.sess.Rebind(fmt.Sprintf(
			"SELECT COUNT(*) FROM %s WHERE res_id = ? AND name = ? AND COALESCE(lang, '') = ?",
			e.quote(table)))
		if err := e.sess.Get(ctx, &survivorRows, countQuery, req.SurvivorID, k.name, k.lang); err != nil {
			return fmt.Errorf("failed to count survivor translations: %w", err)
		}
		if survivorRows == 0 {
			// No survivor-side row for this (field, locale): promote one.
			promote := e.sess.Rebind(fmt.Sprintf(
				"UPDATE %s SET res_id = ? WHERE id = ?", e.quote(table)))
			if _, err := e.sess.Exec(ctx, promote, req.SurvivorID, ids[0]); err != nil {
				return fmt.Errorf("failed to promote translation %d: %w", ids[0], err)
			}
			ids = ids[1:]
		}
		if len(ids) == 0 {
			continue
		}
		del, args, err := sqlx.In(fmt.Sprintf(
			"DELETE FROM %s WHERE id IN (?)", e.quote(table)), ids)
		if err != nil {
			return fmt.Errorf("failed to build translation delete: %w", err)
		}
		if _, err := e.sess.Exec(ctx, e.sess.Rebind(del), args...); err != nil {
			return fmt.Errorf("failed to discard translations: %w", err)
		}
		e.log.DebugContext(ctx, "discarded extra translations",
			"name", k.name, "lang", k.lang, "rows", len(ids))
	}
	return nil
}
