package merge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/OCA/recordmerge/internal/catalog"
	"github.com/OCA/recordmerge/internal/store"
)

// Engine executes merge requests against one session. It is stateless
// between calls; the reference graph is rediscovered per request.
type Engine struct {
	sess *store.Session
	cat  *catalog.Introspector
	opts Options
	log  *slog.Logger
}

// NewEngine creates an engine over an open session
func NewEngine(sess *store.Session, opts Options) *Engine {
	opts = opts.withDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = sess.Logger()
	}
	return &Engine{
		sess: sess,
		cat:  catalog.New(sess, opts.Registry),
		opts: opts,
		log:  logger,
	}
}

// Merge folds the request's duplicate rows into the survivor: every
// inbound reference is repointed, field values are reconciled, and the
// duplicates are removed unless the request keeps them. The caller owns
// the surrounding transaction; on ErrRecursionDetected the relinking
// already performed is left in place.
func (e *Engine) Merge(ctx context.Context, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}

	table := req.TableName
	if table == "" {
		var err error
		table, err = e.cat.TableFor(ctx, req.EntityType)
		if err != nil {
			return err
		}
	}

	// Duplicates that no longer exist are dropped from the set.
	dups, err := e.existingIDs(ctx, table, req.DuplicateIDs)
	if err != nil {
		return err
	}
	if len(dups) == 0 {
		e.log.InfoContext(ctx, "nothing to merge",
			"entity", req.EntityType, "survivor", req.SurvivorID)
		return nil
	}
	req.DuplicateIDs = dups

	e.log.InfoContext(ctx, "merging records",
		"entity", req.EntityType, "table", table,
		"duplicates", dups, "survivor", req.SurvivorID, "mode", req.mode())

	if err := e.rewriteSubsystems(ctx, req); err != nil {
		return err
	}

	switch req.mode() {
	case ModeRegistry:
		if err := e.relinkSingleRefs(ctx, req); err != nil {
			return err
		}
		if err := e.relinkMultiRefs(ctx, req); err != nil {
			return err
		}
	case ModeDirect:
		if err := e.relinkForeignKeys(ctx, req, table); err != nil {
			return err
		}
	}
	if err := e.rewriteReferenceFields(ctx, req); err != nil {
		return err
	}
	if err := e.mergeTranslations(ctx, req); err != nil {
		return err
	}

	if err := e.checkRecursion(ctx, req, table); err != nil {
		return err
	}

	if err := e.reconcileValues(ctx, req, table); err != nil {
		return err
	}

	if !req.KeepDuplicates {
		if err := e.deleteDuplicates(ctx, req, table); err != nil {
			return err
		}
	}
	return nil
}

// existingIDs filters ids down to the rows that are present in table,
// preserving the caller's order because the value algebra's "first"
// operations depend on it
func (e *Engine) existingIDs(ctx context.Context, table string, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(fmt.Sprintf(
		"SELECT id FROM %s WHERE id IN (?)",
		e.quote(table)), ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build id query: %w", err)
	}
	var found []int64
	if err := e.sess.Select(ctx, &found, e.sess.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to check duplicate rows in %s: %w", table, err)
	}
	present := make(map[int64]bool, len(found))
	for _, id := range found {
		present[id] = true
	}
	existing := make([]int64, 0, len(found))
	for _, id := range ids {
		if present[id] {
			existing = append(existing, id)
		}
	}
	return existing, nil
}

func (e *Engine) quote(name string) string {
	return e.sess.Dialect().QuoteIdent(name)
}

func anyValues(ids []int64) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
