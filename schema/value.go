package schema

import "fmt"

// Value is a typed value holder bound to one schema field at insert time.
// It carries its own Type tag so the adapter layer can assert it against
// the declared field type without relying on Go's dynamic
// type switch on the payload alone — a vector of int32 and a vector of
// uint32 both arrive as []int32-shaped data over the wire in some callers,
// so the tag is authoritative, not the Go type of the field below.
type Value struct {
	Type Type

	i32  int32
	i64  int64
	u32  uint32
	u64  uint64
	f64  float64
	b    bool
	str  string
	blob []byte

	vi32 []int32
	vu32 []uint32
	vi64 []int64
	vu64 []uint64
	vf64 []float64
	vb   []bool
}

func Int32(v int32) Value     { return Value{Type: TypeInt32, i32: v} }
func Int64(v int64) Value     { return Value{Type: TypeInt64, i64: v} }
func Uint32(v uint32) Value   { return Value{Type: TypeUint32, u32: v} }
func Uint64(v uint64) Value   { return Value{Type: TypeUint64, u64: v} }
func Double(v float64) Value  { return Value{Type: TypeDouble, f64: v} }
func Bool(v bool) Value       { return Value{Type: TypeBool, b: v} }
func String(v string) Value   { return Value{Type: TypeString, str: v} }
func Blob(v []byte) Value     { return Value{Type: TypeBlob, blob: v} }
func GUID(v uint64) Value     { return Value{Type: TypeGUID, u64: v} }
func VectorInt32(v []int32) Value   { return Value{Type: TypeVectorInt32, vi32: v} }
func VectorUint32(v []uint32) Value { return Value{Type: TypeVectorUint32, vu32: v} }
func VectorInt64(v []int64) Value   { return Value{Type: TypeVectorInt64, vi64: v} }
func VectorUint64(v []uint64) Value { return Value{Type: TypeVectorUint64, vu64: v} }
func VectorDouble(v []float64) Value { return Value{Type: TypeVectorDouble, vf64: v} }
func VectorBool(v []bool) Value     { return Value{Type: TypeVectorBool, vb: v} }

func (v Value) Int32() int32       { return v.i32 }
func (v Value) Int64() int64       { return v.i64 }
func (v Value) Uint32() uint32     { return v.u32 }
func (v Value) Uint64() uint64     { return v.u64 }
func (v Value) Double() float64    { return v.f64 }
func (v Value) Bool() bool         { return v.b }
func (v Value) String() string    { return v.str }
func (v Value) Blob() []byte       { return v.blob }
func (v Value) GUID() uint64       { return v.u64 }
func (v Value) VectorInt32() []int32     { return v.vi32 }
func (v Value) VectorUint32() []uint32   { return v.vu32 }
func (v Value) VectorInt64() []int64     { return v.vi64 }
func (v Value) VectorUint64() []uint64   { return v.vu64 }
func (v Value) VectorDouble() []float64  { return v.vf64 }
func (v Value) VectorBool() []bool       { return v.vb }

// AsInterface returns the underlying Go value boxed as interface{}, for
// callers (the JSON vector encoder, test assertions) that want to treat a
// Value generically rather than switch on Type themselves.
func (v Value) AsInterface() interface{} {
	switch v.Type {
	case TypeInt32:
		return v.i32
	case TypeInt64:
		return v.i64
	case TypeUint32:
		return v.u32
	case TypeUint64:
		return v.u64
	case TypeDouble:
		return v.f64
	case TypeBool:
		return v.b
	case TypeString:
		return v.str
	case TypeBlob:
		return v.blob
	case TypeGUID:
		return v.u64
	case TypeVectorInt32:
		return v.vi32
	case TypeVectorUint32:
		return v.vu32
	case TypeVectorInt64:
		return v.vi64
	case TypeVectorUint64:
		return v.vu64
	case TypeVectorDouble:
		return v.vf64
	case TypeVectorBool:
		return v.vb
	default:
		return nil
	}
}

// CheckType checks that the value's semantic type equals the declared
// field type. A mismatch is a hard error, never a coercion.
func CheckType(field Field, v Value) error {
	if field.Type != v.Type {
		return fmt.Errorf("type mismatch for field %q: schema declares %s, value is %s", field.Name, field.Type, v.Type)
	}
	return nil
}
