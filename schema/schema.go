// Package schema describes the shape of one measurement stream: an ordered,
// named list of typed fields registered once by an injection point and held
// immutable for the life of the session.
package schema

import "fmt"

// Type is the semantic type of a schema field or a bound value. It is
// independent of any backend's storage representation; backends translate
// Type into their own DDL spelling and wire encoding.
type Type int

const (
	TypeUnknown Type = iota
	TypeInt32
	TypeInt64
	TypeUint32
	TypeUint64
	TypeDouble
	TypeBool
	TypeString
	TypeBlob
	TypeGUID
	TypeVectorInt32
	TypeVectorUint32
	TypeVectorInt64
	TypeVectorUint64
	TypeVectorDouble
	TypeVectorBool
)

func (t Type) String() string {
	switch t {
	case TypeInt32:
		return "int32"
	case TypeInt64:
		return "int64"
	case TypeUint32:
		return "uint32"
	case TypeUint64:
		return "uint64"
	case TypeDouble:
		return "double"
	case TypeBool:
		return "bool"
	case TypeString:
		return "string"
	case TypeBlob:
		return "blob"
	case TypeGUID:
		return "guid"
	case TypeVectorInt32:
		return "vector<int32>"
	case TypeVectorUint32:
		return "vector<uint32>"
	case TypeVectorInt64:
		return "vector<int64>"
	case TypeVectorUint64:
		return "vector<uint64>"
	case TypeVectorDouble:
		return "vector<double>"
	case TypeVectorBool:
		return "vector<bool>"
	default:
		return "unknown"
	}
}

// IsVector reports whether t is one of the homogeneous vector types.
func (t Type) IsVector() bool {
	return t >= TypeVectorInt32 && t <= TypeVectorBool
}

// Field is one named, typed column of a Schema.
type Field struct {
	Name string
	Type Type
}

// Schema is a named, ordered list of fields. Once passed to a Database's
// TableCreate it must not be mutated; callers should treat the returned
// value as read-only from that point on.
type Schema struct {
	Name   string
	Fields []Field

	// byName backs FieldIndex's name lookup; built by Validate.
	byName map[string]int
}

// New builds a Schema from an ordered field list, validating name uniqueness.
func New(name string, fields []Field) (*Schema, error) {
	s := &Schema{Name: name, Fields: fields}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate enforces that field names are unique within a schema.
func (s *Schema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schema: empty table name")
	}
	s.byName = make(map[string]int, len(s.Fields))
	for i, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("schema %q: field %d has empty name", s.Name, i)
		}
		if f.Type == TypeUnknown {
			return fmt.Errorf("schema %q: field %q has unknown type", s.Name, f.Name)
		}
		if _, dup := s.byName[f.Name]; dup {
			return fmt.Errorf("schema %q: duplicate field name %q", s.Name, f.Name)
		}
		s.byName[f.Name] = i
	}
	return nil
}

// NumFields returns the number of user-declared columns (not counting the
// four implicit metadata columns every table also carries).
func (s *Schema) NumFields() int {
	return len(s.Fields)
}

// FieldIndex returns the index of a field by name, or -1 if absent.
func (s *Schema) FieldIndex(name string) int {
	if s.byName == nil {
		_ = s.Validate()
	}
	if i, ok := s.byName[name]; ok {
		return i
	}
	return -1
}

// PrimaryKey is the sentinel field name that, as a schema's first field,
// asks the backend to prepend an auto-incrementing primary key column to
// the table. The sentinel column is populated by the store, never bound
// at insert time.
const PrimaryKey = "oml_idx"

// HasPrimaryKey reports whether the schema opted into the serial primary
// key via the sentinel first field.
func (s *Schema) HasPrimaryKey() bool {
	return len(s.Fields) > 0 && s.Fields[0].Name == PrimaryKey
}

// PayloadFields returns the fields bound at insert time: every declared
// field except the primary-key sentinel.
func (s *Schema) PayloadFields() []Field {
	if s.HasPrimaryKey() {
		return s.Fields[1:]
	}
	return s.Fields
}

// MetaColumns are the four implicit columns prepended to every persisted
// table, in wire and storage order.
var MetaColumns = []Field{
	{Name: "oml_sender_id", Type: TypeInt32},
	{Name: "oml_seq", Type: TypeInt32},
	{Name: "oml_ts_client", Type: TypeDouble},
	{Name: "oml_ts_server", Type: TypeDouble},
}
