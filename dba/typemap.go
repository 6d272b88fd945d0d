package dba

import "oml2/schema"

// ColumnType is one backend's DDL spelling and storage footprint for a
// semantic Type. FixedSize of 0 means variable-length.
type ColumnType struct {
	DDL       string
	FixedSize int
}

// PostgresTypeMap is the static Type -> DDL/size table for the PostgreSQL
// backend. Unsigned types are widened to the next signed size since
// PostgreSQL has no native unsigned integer type; the range loss is
// accepted.
func PostgresTypeMap() map[schema.Type]ColumnType {
	return map[schema.Type]ColumnType{
		schema.TypeInt32:        {"INT4", 4},
		schema.TypeInt64:        {"INT8", 8},
		schema.TypeUint32:       {"INT8", 8}, // widened to signed
		schema.TypeUint64:       {"BIGINT", 8},
		schema.TypeDouble:       {"FLOAT8", 8},
		schema.TypeBool:         {"BOOLEAN", 1},
		schema.TypeString:       {"TEXT", 0},
		schema.TypeBlob:         {"BYTEA", 0},
		schema.TypeGUID:         {"INT8", 8},
		schema.TypeVectorInt32:  {"TEXT", 0},
		schema.TypeVectorUint32: {"TEXT", 0},
		schema.TypeVectorInt64:  {"TEXT", 0},
		schema.TypeVectorUint64: {"TEXT", 0},
		schema.TypeVectorDouble: {"TEXT", 0},
		schema.TypeVectorBool:   {"TEXT", 0},
	}
}

// SQLiteTypeMap is the Type -> DDL table for the SQLite backend. SQLite's
// type affinity system means these are advisory, but they are spelled out
// explicitly anyway for schema readability.
func SQLiteTypeMap() map[schema.Type]ColumnType {
	return map[schema.Type]ColumnType{
		schema.TypeInt32:        {"INTEGER", 4},
		schema.TypeInt64:        {"INTEGER", 8},
		schema.TypeUint32:       {"INTEGER", 8},
		schema.TypeUint64:       {"INTEGER", 8},
		schema.TypeDouble:       {"REAL", 8},
		schema.TypeBool:         {"INTEGER", 1},
		schema.TypeString:       {"TEXT", 0},
		schema.TypeBlob:         {"BLOB", 0},
		schema.TypeGUID:         {"INTEGER", 8},
		schema.TypeVectorInt32:  {"TEXT", 0},
		schema.TypeVectorUint32: {"TEXT", 0},
		schema.TypeVectorInt64:  {"TEXT", 0},
		schema.TypeVectorUint64: {"TEXT", 0},
		schema.TypeVectorDouble: {"TEXT", 0},
		schema.TypeVectorBool:   {"TEXT", 0},
	}
}
