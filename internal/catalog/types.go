// Package catalog models what the merge engine knows about the store:
// structural foreign-key edges discovered from the live system catalog,
// and typed field metadata read from the entity registry. The model is
// built once per merge call and is never mutated by the engine.
package catalog

// FieldType is the declared type of a registry field.
type FieldType string

// Scalar and relational field types understood by the engine.
const (
	TypeText       FieldType = "text"
	TypeLongText   FieldType = "longtext"
	TypeRichText   FieldType = "richtext"
	TypeInteger    FieldType = "integer"
	TypeFloat      FieldType = "float"
	TypeCurrency   FieldType = "currency"
	TypeBoolean    FieldType = "boolean"
	TypeDate       FieldType = "date"
	TypeDatetime   FieldType = "datetime"
	TypeBinary     FieldType = "binary"
	TypeJSON       FieldType = "json"
	TypeSelection  FieldType = "selection"
	TypeManyToOne  FieldType = "many2one"
	TypeManyToMany FieldType = "many2many"
	TypeOneToMany  FieldType = "one2many"
	TypeReference  FieldType = "reference"
)

// Relational reports whether t is a relational category
func (t FieldType) Relational() bool {
	switch t {
	case TypeManyToOne, TypeManyToMany, TypeOneToMany, TypeReference:
		return true
	}
	return false
}

// Edge is a structural foreign-key fact: rows of Table reference the
// merged entity's id through Column.
type Edge struct {
	Table  string
	Column string
}

// Model is one entity-type registry row
type Model struct {
	ID     int64  `db:"id"`
	Name   string `db:"name"`
	Table  string `db:"table_name"`
	IsView bool   `db:"is_view"`
}

// Field is one field-metadata registry row
type Field struct {
	ID            int64     `db:"id"`
	Model         string    `db:"model"`
	Name          string    `db:"name"`
	Type          FieldType `db:"ttype"`
	Relation      string    `db:"relation"`
	RelationTable string    `db:"relation_table"`
	Column1       string    `db:"column1"`
	Column2       string    `db:"column2"`
	InverseName   string    `db:"inverse_name"`
	Stored        bool      `db:"stored"`
	Related       string    `db:"related"`
}

// Participates reports whether the field is physically stored and not
// derived, i.e. whether the engine may touch it at all
func (f Field) Participates() bool {
	return f.Stored && f.Related == ""
}
