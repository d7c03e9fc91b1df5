package merge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/OCA/recordmerge/internal/catalog"
	"github.com/OCA/recordmerge/internal/store"
)

// newTestEngine opens an in-memory store and builds the fixture schema
// inside one session, which is what the tests run against.
func newTestEngine(t *testing.T) (*Engine, *store.Session) {
	t.Helper()
	ctx := context.Background()

	st, err := store.OpenSQLite(ctx, ":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sess, err := st.Begin(ctx)
	if err != nil {
		t.Fatalf("failed to begin session: %v", err)
	}
	t.Cleanup(func() { sess.Rollback() })

	schema := []string{
		`CREATE TABLE entity_model (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			table_name TEXT,
			is_view INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE entity_model_field (
			id INTEGER PRIMARY KEY,
			model TEXT NOT NULL,
			name TEXT NOT NULL,
			ttype TEXT NOT NULL,
			relation TEXT,
			relation_table TEXT,
			column1 TEXT,
			column2 TEXT,
			inverse_name TEXT,
			stored INTEGER NOT NULL DEFAULT 1,
			related TEXT
		)`,
		`CREATE TABLE partner (
			id INTEGER PRIMARY KEY,
			name TEXT,
			comment TEXT,
			credit REAL NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 1,
			meta TEXT,
			parent_id INTEGER REFERENCES partner(id)
		)`,
		`CREATE TABLE invoice (
			id INTEGER PRIMARY KEY,
			ref TEXT,
			partner_id INTEGER REFERENCES partner(id)
		)`,
		`CREATE TABLE category (id INTEGER PRIMARY KEY, name TEXT)`,
		`CREATE TABLE partner_category_rel (
			partner_id INTEGER NOT NULL REFERENCES partner(id),
			category_id INTEGER NOT NULL REFERENCES category(id),
			PRIMARY KEY (partner_id, category_id)
		)`,
		`CREATE TABLE translation (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			lang TEXT,
			res_id INTEGER NOT NULL,
			value TEXT
		)`,
		`CREATE TABLE external_id (
			id INTEGER PRIMARY KEY,
			module TEXT,
			name TEXT,
			model TEXT NOT NULL,
			res_id INTEGER NOT NULL
		)`,
		`CREATE TABLE attachment (id INTEGER PRIMARY KEY, res_model TEXT, res_id INTEGER)`,
		`CREATE TABLE follower (
			id INTEGER PRIMARY KEY,
			res_model TEXT NOT NULL,
			res_id INTEGER NOT NULL,
			partner_id INTEGER NOT NULL,
			UNIQUE (res_model, res_id, partner_id)
		)`,
		`CREATE TABLE message (id INTEGER PRIMARY KEY, model TEXT, res_id INTEGER, body TEXT)`,
		`CREATE TABLE note (id INTEGER PRIMARY KEY, ref TEXT)`,
	}
	for _, ddl := range schema {
		mustExec(t, sess, ddl)
	}

	mustExec(t, sess, `INSERT INTO entity_model (id, name, table_name) VALUES
		(1, 'partner', 'partner'),
		(2, 'invoice', 'invoice'),
		(3, 'category', 'category'),
		(4, 'note', 'note')`)

	fields := []struct {
		model, name, ttype                               string
		relation, relTable, col1, col2, inverse, related string
	}{
		{model: "partner", name: "name", ttype: "text"},
		{model: "partner", name: "comment", ttype: "longtext"},
		{model: "partner", name: "credit", ttype: "float"},
		{model: "partner", name: "active", ttype: "boolean"},
		{model: "partner", name: "meta", ttype: "json"},
		{model: "partner", name: "parent_id", ttype: "many2one", relation: "partner"},
		{model: "partner", name: "category_ids", ttype: "many2many", relation: "category",
			relTable: "partner_category_rel", col1: "partner_id", col2: "category_id"},
		{model: "partner", name: "invoice_ids", ttype: "one2many", relation: "invoice", inverse: "partner_id"},
		{model: "partner", name: "display_name", ttype: "text", related: "name"},
		{model: "invoice", name: "partner_id", ttype: "many2one", relation: "partner"},
		{model: "category", name: "partner_ids", ttype: "many2many", relation: "partner",
			relTable: "partner_category_rel", col1: "category_id", col2: "partner_id"},
		{model: "note", name: "ref", ttype: "reference"},
	}
	for i, f := range fields {
		mustExec(t, sess, `INSERT INTO entity_model_field
			(id, model, name, ttype, relation, relation_table, column1, column2, inverse_name, stored, related)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
			i+1, f.model, f.name, f.ttype, f.relation, f.relTable, f.col1, f.col2, f.inverse, f.related)
	}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(sess, Options{Logger: quiet}), sess
}

// seedDuplicates loads the three-partner merge scenario: survivor 10,
// duplicates 11 and 12, plus referencing rows across every side table.
func seedDuplicates(t *testing.T, sess *store.Session) {
	t.Helper()
	stmts := []string{
		`INSERT INTO partner (id, name, comment, credit, active, meta) VALUES
			(10, 'Acme', 'note a', 5.0, 1, '{"a": 1}'),
			(11, 'Acme Inc', 'note b', 2.5, 1, '{"a": 2, "b": 3}'),
			(12, 'ACME', '', 0, 0, NULL)`,
		`INSERT INTO invoice (id, ref, partner_id) VALUES
			(1, 'INV-1', 10), (2, 'INV-2', 11), (3, 'INV-3', 12)`,
		`INSERT INTO category (id, name) VALUES (100, 'supplier'), (101, 'vip')`,
		`INSERT INTO partner_category_rel (partner_id, category_id) VALUES
			(10, 100), (11, 100), (11, 101)`,
		`INSERT INTO translation (id, name, lang, res_id, value) VALUES
			(1, 'partner,comment', 'fr', 10, 'fr a'),
			(2, 'partner,comment', 'fr', 11, 'fr b'),
			(3, 'partner,comment', 'de', 11, 'de b'),
			(4, 'partner,comment', 'de', 12, 'de c'),
			(5, 'product,comment', 'fr', 11, 'other entity')`,
		`INSERT INTO external_id (id, module, name, model, res_id) VALUES
			(1, 'base', 'p10', 'partner', 10),
			(2, 'base', 'p11', 'partner', 11)`,
		`INSERT INTO attachment (id, res_model, res_id) VALUES
			(1, 'partner', 11), (2, 'partner', 10), (3, 'other', 11)`,
		`INSERT INTO follower (id, res_model, res_id, partner_id) VALUES
			(1, 'partner', 10, 7), (2, 'partner', 11, 7), (3, 'partner', 11, 8)`,
		`INSERT INTO message (id, model, res_id, body) VALUES (1, 'partner', 11, 'hello')`,
		`INSERT INTO note (id, ref) VALUES (1, 'partner,11')`,
	}
	for _, stmt := range stmts {
		mustExec(t, sess, stmt)
	}
}

func mustExec(t *testing.T, sess *store.Session, query string, args ...any) {
	t.Helper()
	if _, err := sess.Exec(context.Background(), sess.Rebind(query), args...); err != nil {
		t.Fatalf("failed to execute %q: %v", query, err)
	}
}

func queryInt(t *testing.T, sess *store.Session, query string, args ...any) int64 {
	t.Helper()
	var n int64
	if err := sess.Get(context.Background(), &n, sess.Rebind(query), args...); err != nil {
		t.Fatalf("failed to query %q: %v", query, err)
	}
	return n
}

func queryString(t *testing.T, sess *store.Session, query string, args ...any) string {
	t.Helper()
	var s string
	if err := sess.Get(context.Background(), &s, sess.Rebind(query), args...); err != nil {
		t.Fatalf("failed to query %q: %v", query, err)
	}
	return s
}

func assertMerged(t *testing.T, sess *store.Session) {
	t.Helper()

	// No reference points at a duplicate anymore.
	if n := queryInt(t, sess, "SELECT COUNT(*) FROM invoice WHERE partner_id IN (11, 12)"); n != 0 {
		t.Errorf("%d invoices still reference a duplicate", n)
	}
	if n := queryInt(t, sess, "SELECT COUNT(*) FROM invoice WHERE partner_id = 10"); n != 3 {
		t.Errorf("survivor holds %d invoices, want 3", n)
	}

	// Junction rows are unioned and de-duplicated.
	if n := queryInt(t, sess, "SELECT COUNT(*) FROM partner_category_rel WHERE partner_id = 10"); n != 2 {
		t.Errorf("survivor holds %d category links, want 2", n)
	}
	if n := queryInt(t, sess, "SELECT COUNT(*) FROM partner_category_rel WHERE partner_id IN (11, 12)"); n != 0 {
		t.Errorf("%d junction rows still reference a duplicate", n)
	}

	// Side tables are repointed; the colliding follower row is gone, not
	// duplicated.
	if n := queryInt(t, sess,
		"SELECT COUNT(*) FROM follower WHERE res_model = 'partner' AND res_id = 10"); n != 2 {
		t.Errorf("survivor holds %d followers, want 2", n)
	}
	if n := queryInt(t, sess,
		"SELECT COUNT(*) FROM follower WHERE res_model = 'partner' AND res_id IN (11, 12)"); n != 0 {
		t.Errorf("%d followers still reference a duplicate", n)
	}
	if n := queryInt(t, sess, "SELECT res_id FROM attachment WHERE id = 1"); n != 10 {
		t.Errorf("attachment res_id = %d, want 10", n)
	}
	if n := queryInt(t, sess, "SELECT res_id FROM attachment WHERE id = 3"); n != 11 {
		t.Errorf("attachment of another entity type was touched: res_id = %d", n)
	}
	if n := queryInt(t, sess, "SELECT res_id FROM message WHERE id = 1"); n != 10 {
		t.Errorf("message res_id = %d, want 10", n)
	}

	// Serialized reference values are rewritten.
	if ref := queryString(t, sess, "SELECT ref FROM note WHERE id = 1"); ref != "partner,10" {
		t.Errorf("note ref = %q, want %q", ref, "partner,10")
	}

	// Translations: one winner per (field, locale); foreign rows untouched.
	if n := queryInt(t, sess,
		"SELECT COUNT(*) FROM translation WHERE res_id IN (11, 12) AND name LIKE 'partner,%'"); n != 0 {
		t.Errorf("%d translations still reference a duplicate", n)
	}
	if n := queryInt(t, sess,
		"SELECT COUNT(*) FROM translation WHERE res_id = 10 AND name = 'partner,comment'"); n != 2 {
		t.Errorf("survivor holds %d translations, want 2 (fr kept, de promoted)", n)
	}
	if v := queryString(t, sess, "SELECT value FROM translation WHERE id = 1"); v != "fr a" {
		t.Errorf("survivor's own translation was replaced: %q", v)
	}
	if n := queryInt(t, sess, "SELECT COUNT(*) FROM translation WHERE id = 5"); n != 1 {
		t.Error("translation of another entity type was discarded")
	}

	// External identifiers of the duplicates are gone, the survivor's kept.
	if n := queryInt(t, sess, "SELECT COUNT(*) FROM external_id WHERE res_id IN (11, 12)"); n != 0 {
		t.Error("duplicate external ids were not cleaned up")
	}
	if n := queryInt(t, sess, "SELECT COUNT(*) FROM external_id WHERE id = 1"); n != 1 {
		t.Error("survivor's external id was deleted")
	}

	// Duplicate rows are deleted, the survivor carries reconciled values.
	if n := queryInt(t, sess, "SELECT COUNT(*) FROM partner WHERE id IN (11, 12)"); n != 0 {
		t.Error("duplicate rows were not deleted")
	}
	if name := queryString(t, sess, "SELECT name FROM partner WHERE id = 10"); name != "Acme" {
		t.Errorf("name = %q, want the survivor's preserved", name)
	}
	if c := queryString(t, sess, "SELECT comment FROM partner WHERE id = 10"); c != "note a | note b" {
		t.Errorf("comment = %q, want %q", c, "note a | note b")
	}
	var credit float64
	if err := sess.Get(context.Background(), &credit,
		"SELECT credit FROM partner WHERE id = 10"); err != nil {
		t.Fatalf("failed to read credit: %v", err)
	}
	if credit != 7.5 {
		t.Errorf("credit = %v, want 7.5", credit)
	}
	if meta := queryString(t, sess, "SELECT meta FROM partner WHERE id = 10"); !jsonEqual(meta, `{"a": 2, "b": 3}`) {
		t.Errorf("meta = %q, want later keys to win", meta)
	}
}

func TestEngineMergeRegistryMode(t *testing.T) {
	e, sess := newTestEngine(t)
	seedDuplicates(t, sess)

	err := e.Merge(context.Background(), Request{
		EntityType:   "partner",
		SurvivorID:   10,
		DuplicateIDs: []int64{11, 12},
	})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	assertMerged(t, sess)
}

func TestEngineMergeDirectMode(t *testing.T) {
	e, sess := newTestEngine(t)
	seedDuplicates(t, sess)

	// The junction's composite primary key forces the bulk update to
	// collide, exercising the row-by-row fallback and the trailing cleanup.
	err := e.Merge(context.Background(), Request{
		EntityType:   "partner",
		SurvivorID:   10,
		DuplicateIDs: []int64{11, 12},
		Mode:         ModeDirect,
	})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	assertMerged(t, sess)
}

func TestEngineMergeKeepDuplicates(t *testing.T) {
	e, sess := newTestEngine(t)
	seedDuplicates(t, sess)

	err := e.Merge(context.Background(), Request{
		EntityType:     "partner",
		SurvivorID:     10,
		DuplicateIDs:   []int64{11, 12},
		KeepDuplicates: true,
	})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if n := queryInt(t, sess, "SELECT COUNT(*) FROM partner WHERE id IN (11, 12)"); n != 2 {
		t.Errorf("%d duplicate rows left, want 2 kept", n)
	}
	if n := queryInt(t, sess, "SELECT COUNT(*) FROM invoice WHERE partner_id = 10"); n != 3 {
		t.Errorf("survivor holds %d invoices, want 3", n)
	}
	if n := queryInt(t, sess, "SELECT COUNT(*) FROM external_id WHERE id = 2"); n != 1 {
		t.Error("external id cleanup must be skipped when duplicates are kept")
	}
}

func TestEngineMergeVanishedDuplicates(t *testing.T) {
	e, sess := newTestEngine(t)
	seedDuplicates(t, sess)

	// Duplicates that no longer exist reduce the merge to a no-op.
	err := e.Merge(context.Background(), Request{
		EntityType:   "partner",
		SurvivorID:   10,
		DuplicateIDs: []int64{98, 99},
	})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if c := queryString(t, sess, "SELECT comment FROM partner WHERE id = 10"); c != "note a" {
		t.Errorf("survivor was mutated by an empty merge: comment = %q", c)
	}
}

func TestEngineMergeExcludedEdge(t *testing.T) {
	e, sess := newTestEngine(t)
	seedDuplicates(t, sess)

	err := e.Merge(context.Background(), Request{
		EntityType:   "partner",
		SurvivorID:   10,
		DuplicateIDs: []int64{11},
		Mode:         ModeDirect,
		ExcludedEdges: []catalog.Edge{
			{Table: "invoice", Column: "partner_id"},
		},
		KeepDuplicates: true,
	})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if n := queryInt(t, sess, "SELECT partner_id FROM invoice WHERE id = 2"); n != 11 {
		t.Errorf("excluded edge was rewritten: partner_id = %d", n)
	}
}

func TestEngineMergeExcludedJunction(t *testing.T) {
	e, sess := newTestEngine(t)
	seedDuplicates(t, sess)

	// Excluding the relation from both sides (the inbound field and the
	// junction edge) must leave every link row untouched, including
	// during value reconciliation.
	err := e.Merge(context.Background(), Request{
		EntityType:   "partner",
		SurvivorID:   10,
		DuplicateIDs: []int64{11},
		ExcludedEdges: []catalog.Edge{
			{Table: "category", Column: "partner_ids"},
			{Table: "partner_category_rel", Column: "partner_id"},
		},
		KeepDuplicates: true,
	})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if n := queryInt(t, sess, "SELECT COUNT(*) FROM partner_category_rel WHERE partner_id = 11"); n != 2 {
		t.Errorf("duplicate holds %d category links, want 2 untouched", n)
	}
	if n := queryInt(t, sess, "SELECT COUNT(*) FROM partner_category_rel WHERE partner_id = 10"); n != 1 {
		t.Errorf("survivor holds %d category links, want its original 1", n)
	}
}

func TestEngineMergeDuplicateOrderPreserved(t *testing.T) {
	e, sess := newTestEngine(t)
	seedDuplicates(t, sess)

	// "first" picks the first-listed duplicate's value, so the caller's
	// ordering must survive the existence filter.
	err := e.Merge(context.Background(), Request{
		EntityType:   "partner",
		SurvivorID:   10,
		DuplicateIDs: []int64{12, 11},
		FieldPolicy: map[string]Operation{
			"name": OpFirst,
		},
		OnlyListedFields: true,
	})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if name := queryString(t, sess, "SELECT name FROM partner WHERE id = 10"); name != "ACME" {
		t.Errorf("name = %q, want the first-listed duplicate's %q", name, "ACME")
	}
}

func TestEngineMergeRecursionRefused(t *testing.T) {
	e, sess := newTestEngine(t)
	mustExec(t, sess, `INSERT INTO partner (id, name, parent_id) VALUES
		(20, 'parent', NULL), (21, 'child', 20)`)

	// Folding a parent into its own child would make the child its own
	// ancestor once every parent pointer is rewritten.
	err := e.Merge(context.Background(), Request{
		EntityType:   "partner",
		SurvivorID:   21,
		DuplicateIDs: []int64{20},
	})
	if !errors.Is(err, ErrRecursionDetected) {
		t.Fatalf("err = %v, want ErrRecursionDetected", err)
	}

	// Deletion was skipped: the duplicate row is still there.
	if n := queryInt(t, sess, "SELECT COUNT(*) FROM partner WHERE id = 20"); n != 1 {
		t.Error("duplicate was deleted despite the refusal")
	}
}

func TestEngineReconcileValuesIsIdempotent(t *testing.T) {
	e, sess := newTestEngine(t)
	seedDuplicates(t, sess)
	mustExec(t, sess, `CREATE TABLE audit (n INTEGER)`)
	mustExec(t, sess, `CREATE TRIGGER partner_audit AFTER UPDATE ON partner
		BEGIN INSERT INTO audit (n) VALUES (1); END`)

	req := Request{
		EntityType:   "partner",
		SurvivorID:   10,
		DuplicateIDs: []int64{11, 12},
	}
	if err := e.Merge(context.Background(), req); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	writes := queryInt(t, sess, "SELECT COUNT(*) FROM audit")
	if writes == 0 {
		t.Fatal("expected the merge to write reconciled values")
	}

	// A second pass over the already-reconciled survivor must not write.
	if err := e.reconcileValues(context.Background(), req, "partner"); err != nil {
		t.Fatalf("second reconciliation failed: %v", err)
	}
	if n := queryInt(t, sess, "SELECT COUNT(*) FROM audit"); n != writes {
		t.Errorf("second reconciliation wrote %d more times", n-writes)
	}
}

func TestEngineMergeFieldPolicy(t *testing.T) {
	e, sess := newTestEngine(t)
	seedDuplicates(t, sess)

	err := e.Merge(context.Background(), Request{
		EntityType:   "partner",
		SurvivorID:   10,
		DuplicateIDs: []int64{11},
		FieldPolicy: map[string]Operation{
			"credit": OpMax,
			"name":   OpFirst,
		},
		OnlyListedFields: true,
	})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}

	var credit float64
	if err := sess.Get(context.Background(), &credit,
		"SELECT credit FROM partner WHERE id = 10"); err != nil {
		t.Fatalf("failed to read credit: %v", err)
	}
	if credit != 5.0 {
		t.Errorf("credit = %v, want the max 5.0", credit)
	}
	if name := queryString(t, sess, "SELECT name FROM partner WHERE id = 10"); name != "Acme Inc" {
		t.Errorf("name = %q, want the first duplicate's", name)
	}
	// Unlisted fields keep the survivor's value.
	if c := queryString(t, sess, "SELECT comment FROM partner WHERE id = 10"); c != "note a" {
		t.Errorf("comment = %q, want the survivor's preserved", c)
	}
}
