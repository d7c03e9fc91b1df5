// Package merge implements the entity-merge engine: it repoints every
// inbound reference from a set of duplicate rows to a designated
// survivor, reconciles conflicting field values under a per-field
// algebra, and removes the orphaned duplicates, discovering the
// reference graph at run time.
package merge

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/OCA/recordmerge/internal/catalog"
)

// Sentinel errors callers are expected to test with errors.Is.
var (
	// ErrInvalidRequest means the request is malformed; nothing was mutated.
	ErrInvalidRequest = errors.New("invalid merge request")

	// ErrRecursionDetected means the merge would make the survivor its own
	// ancestor through a self-referential hierarchy field. Relinking has
	// already been applied when this is returned; value reconciliation and
	// deletion were skipped.
	ErrRecursionDetected = errors.New("merge would create a recursive hierarchy")
)

// Mode selects how references are located and rewritten.
type Mode string

// Merge execution modes.
const (
	// ModeRegistry locates references through the field-metadata registry,
	// per relational field.
	ModeRegistry Mode = "orm"

	// ModeDirect locates references through the store's foreign-key
	// catalog, per (table, column) edge.
	ModeDirect Mode = "direct"
)

// Operation names a value-reconciliation algorithm.
type Operation string

// Reconciliation operations. OpMerge is type-dependent: concatenation for
// long text, fill-if-empty for binary and single references, link union
// for multi references, per-key union for structured values.
const (
	OpPreserve     Operation = "preserve"
	OpMerge        Operation = "merge"
	OpSum          Operation = "sum"
	OpAvg          Operation = "avg"
	OpMax          Operation = "max"
	OpMin          Operation = "min"
	OpAnd          Operation = "and"
	OpOr           Operation = "or"
	OpFirstNotNull Operation = "first_not_null"
	OpFirst        Operation = "first"
)

// defaultOperation is the per-field-type reconciliation default. Types
// absent from the table keep the survivor's value.
var defaultOperation = map[catalog.FieldType]Operation{
	ftText:                 OpPreserve,
	ftLongText:             OpMerge,
	ftRichText:             OpMerge,
	ftInteger:              OpPreserve,
	ftFloat:                OpSum,
	ftCurrency:             OpSum,
	ftBoolean:              OpPreserve,
	ftDate:                 OpPreserve,
	ftDatetime:             OpPreserve,
	ftBinary:               OpMerge,
	ftJSON:                 OpMerge,
	ftSelection:            OpPreserve,
	catalog.TypeManyToOne:  OpMerge,
	catalog.TypeManyToMany: OpMerge,
	catalog.TypeOneToMany:  OpMerge,
	catalog.TypeReference:  OpPreserve,
}

// Local aliases to keep the table above readable.
const (
	ftText      = catalog.TypeText
	ftLongText  = catalog.TypeLongText
	ftRichText  = catalog.TypeRichText
	ftInteger   = catalog.TypeInteger
	ftFloat     = catalog.TypeFloat
	ftCurrency  = catalog.TypeCurrency
	ftBoolean   = catalog.TypeBoolean
	ftDate      = catalog.TypeDate
	ftDatetime  = catalog.TypeDatetime
	ftBinary    = catalog.TypeBinary
	ftJSON      = catalog.TypeJSON
	ftSelection = catalog.TypeSelection
)

// Request describes one merge: fold DuplicateIDs of EntityType into
// SurvivorID. A Request is executed once and discarded; the engine holds
// no state between calls and never mutates the caller's FieldPolicy.
type Request struct {
	// EntityType is the registry name of the merged entity, e.g. "partner".
	EntityType string `yaml:"entity"`

	// DuplicateIDs are the rows to fold into the survivor.
	DuplicateIDs []int64 `yaml:"duplicates"`

	// SurvivorID is the row that remains, mutated in place.
	SurvivorID int64 `yaml:"survivor"`

	// FieldPolicy overrides the default reconciliation operation per field.
	FieldPolicy map[string]Operation `yaml:"policy,omitempty"`

	// Mode selects registry-driven or catalog-driven relinking.
	// Defaults to ModeRegistry.
	Mode Mode `yaml:"mode,omitempty"`

	// KeepDuplicates suppresses deletion of the duplicate rows.
	KeepDuplicates bool `yaml:"keep,omitempty"`

	// ExcludedEdges are (table, column) pairs the relinker must not touch.
	// In registry mode the column is the field name.
	ExcludedEdges []catalog.Edge `yaml:"exclude,omitempty"`

	// TableName overrides backing-table resolution for the entity.
	TableName string `yaml:"table,omitempty"`

	// NewEntityType, when set, additionally rewrites the type tag of
	// polymorphic side-table rows, for merges that double as a rename.
	NewEntityType string `yaml:"new_entity,omitempty"`

	// OnlyListedFields restricts value reconciliation to the fields named
	// in FieldPolicy; every other field keeps the survivor's value.
	OnlyListedFields bool `yaml:"only_listed_fields,omitempty"`

	// DuplicatesFirst reverses the value-collection order so that "first"
	// style operations prefer the duplicates over the survivor.
	DuplicatesFirst bool `yaml:"duplicates_first,omitempty"`
}

// Validate rejects malformed requests before any mutation is attempted
func (r *Request) Validate() error {
	if r.EntityType == "" {
		return fmt.Errorf("%w: entity type is required", ErrInvalidRequest)
	}
	if r.SurvivorID <= 0 {
		return fmt.Errorf("%w: survivor id is required", ErrInvalidRequest)
	}
	for _, id := range r.DuplicateIDs {
		if id == r.SurvivorID {
			return fmt.Errorf("%w: survivor %d is in the duplicate set", ErrInvalidRequest, id)
		}
	}
	switch r.Mode {
	case "", ModeRegistry, ModeDirect:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, r.Mode)
	}
	if r.FieldPolicy != nil {
		for field, op := range r.FieldPolicy {
			switch op {
			case OpPreserve, OpMerge, OpSum, OpAvg, OpMax, OpMin, OpAnd, OpOr, OpFirstNotNull, OpFirst:
			default:
				return fmt.Errorf("%w: unknown operation %q for field %s", ErrInvalidRequest, op, field)
			}
		}
	}
	return nil
}

// mode returns the effective mode
func (r *Request) mode() Mode {
	if r.Mode == "" {
		return ModeRegistry
	}
	return r.Mode
}

// excluded reports whether a (table, column) edge is in the exclusion set
func (r *Request) excluded(table, column string) bool {
	for _, e := range r.ExcludedEdges {
		if e.Table == table && e.Column == column {
			return true
		}
	}
	return false
}

// operationFor resolves the effective operation for a field. The second
// return is false when the field must be skipped entirely.
func (r *Request) operationFor(f catalog.Field) (Operation, bool) {
	if op, ok := r.FieldPolicy[f.Name]; ok {
		return op, true
	}
	if r.OnlyListedFields {
		return OpPreserve, false
	}
	op, ok := defaultOperation[f.Type]
	if !ok {
		return OpPreserve, false
	}
	return op, true
}

// Subsystem describes one polymorphic side table storing a (type tag,
// referenced id) pair instead of a typed foreign key. UniqueWith, when
// set, names the correlating attribute under a one-row-per-actor rule:
// rows that would collide with an existing survivor-side row for the same
// attribute value are deleted instead of rewritten.
type Subsystem struct {
	Table      string
	TypeColumn string
	IDColumn   string
	UniqueWith string
}

// DefaultSubsystems returns the known polymorphic side tables. Adding a
// subsystem is a data change, not a code change.
func DefaultSubsystems() []Subsystem {
	return []Subsystem{
		{Table: "attachment", TypeColumn: "res_model", IDColumn: "res_id"},
		{Table: "calendar_event", TypeColumn: "res_model", IDColumn: "res_id"},
		{Table: "activity", TypeColumn: "res_model", IDColumn: "res_id"},
		{Table: "follower", TypeColumn: "res_model", IDColumn: "res_id", UniqueWith: "partner_id"},
		{Table: "message", TypeColumn: "model", IDColumn: "res_id"},
		{Table: "rating", TypeColumn: "res_model", IDColumn: "res_id"},
	}
}

// Options configure an Engine for the store it runs against. The zero
// value selects the conventional table names.
type Options struct {
	// Registry overrides the entity/field registry table names.
	Registry catalog.Names

	// Subsystems overrides the polymorphic side-table set.
	Subsystems []Subsystem

	// TranslationTable holds per-locale textual variants, keyed by
	// ("<entity>,<field>", lang, res_id). Default "translation".
	TranslationTable string

	// ExternalIDTable is the external-identifier registry, keyed by
	// (model, res_id). Default "external_id".
	ExternalIDTable string

	// Logger receives merge progress and statement logging.
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Subsystems == nil {
		o.Subsystems = DefaultSubsystems()
	}
	if o.TranslationTable == "" {
		o.TranslationTable = "translation"
	}
	if o.ExternalIDTable == "" {
		o.ExternalIDTable = "external_id"
	}
	return o
}
