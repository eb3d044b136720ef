// Package value implements the tagged scalar type stored in every row
// column and used as a table's sort key.
package value

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Kind tags which variant a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindVarchar
	KindInt32
	KindInt64
	KindUnsigned32
	KindUnsigned64
	KindFloat32
	KindFloat64
	KindBoolean
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "NULL"
	case KindVarchar:
		return "VARCHAR"
	case KindInt32:
		return "INT32"
	case KindInt64:
		return "INT64"
	case KindUnsigned32:
		return "UNSIGNED32"
	case KindUnsigned64:
		return "UNSIGNED64"
	case KindFloat32:
		return "FLOAT32"
	case KindFloat64:
		return "FLOAT64"
	case KindBoolean:
		return "BOOLEAN"
	default:
		return "UNKNOWN"
	}
}

// Value is a closed tagged union over the column types the engine supports.
// Only the field matching Kind is meaningful.
type Value struct {
	Kind    Kind
	Varchar string
	Int32   int32
	Int64   int64
	Uint32  uint32
	Uint64  uint64
	Float32 float32
	Float64 float64
	Bool    bool
}

func Null() Value                  { return Value{Kind: KindNull} }
func Varchar(s string) Value       { return Value{Kind: KindVarchar, Varchar: s} }
func Int32Val(v int32) Value       { return Value{Kind: KindInt32, Int32: v} }
func Int64Val(v int64) Value       { return Value{Kind: KindInt64, Int64: v} }
func Unsigned32Val(v uint32) Value { return Value{Kind: KindUnsigned32, Uint32: v} }
func Unsigned64Val(v uint64) Value { return Value{Kind: KindUnsigned64, Uint64: v} }
func Float32Val(v float32) Value   { return Value{Kind: KindFloat32, Float32: v} }
func Float64Val(v float64) Value   { return Value{Kind: KindFloat64, Float64: v} }
func BooleanVal(v bool) Value      { return Value{Kind: KindBoolean, Bool: v} }

// IsNull reports whether v represents the absence of a value.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// String renders v the way a primary key or log line expects to see it.
func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return ""
	case KindVarchar:
		return v.Varchar
	case KindInt32:
		return fmt.Sprintf("%d", v.Int32)
	case KindInt64:
		return fmt.Sprintf("%d", v.Int64)
	case KindUnsigned32:
		return fmt.Sprintf("%d", v.Uint32)
	case KindUnsigned64:
		return fmt.Sprintf("%d", v.Uint64)
	case KindFloat32:
		return fmt.Sprintf("%g", v.Float32)
	case KindFloat64:
		return fmt.Sprintf("%g", v.Float64)
	case KindBoolean:
		if v.Bool {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}

// FixedSize returns the on-disk byte width for the given kind, or -1 for
// a variable-width kind (Varchar), whose width comes from the column's
// declared length instead.
func FixedSize(k Kind) int {
	switch k {
	case KindInt32, KindUnsigned32, KindFloat32:
		return 4
	case KindInt64, KindUnsigned64, KindFloat64:
		return 8
	case KindBoolean:
		return 1
	case KindVarchar:
		return -1
	default:
		return 0
	}
}

// Encode appends the fixed-width or length-bounded representation of v to
// dst. declaredLen is only consulted for Varchar, where it is the column's
// declared capacity: the value is zero-padded/truncated to exactly that
// many bytes so every row on disk has the schema's fixed byte size.
func Encode(dst []byte, v Value, declaredLen int) []byte {
	switch v.Kind {
	case KindVarchar:
		buf := make([]byte, declaredLen)
		copy(buf, v.Varchar)
		return append(dst, buf...)
	case KindInt32:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(v.Int32))
		return append(dst, b[:]...)
	case KindInt64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.Int64))
		return append(dst, b[:]...)
	case KindUnsigned32:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], v.Uint32)
		return append(dst, b[:]...)
	case KindUnsigned64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v.Uint64)
		return append(dst, b[:]...)
	case KindFloat32:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], math.Float32bits(v.Float32))
		return append(dst, b[:]...)
	case KindFloat64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(v.Float64))
		return append(dst, b[:]...)
	case KindBoolean:
		if v.Bool {
			return append(dst, 1)
		}
		return append(dst, 0)
	default:
		return dst
	}
}

// Decode reads a value of the given kind from the front of src, returning
// the value and the number of bytes consumed. declaredLen is the column's
// declared Varchar capacity; ignored for fixed-width kinds.
func Decode(src []byte, k Kind, declaredLen int) (Value, int) {
	switch k {
	case KindVarchar:
		raw := src[:declaredLen]
		end := len(raw)
		for end > 0 && raw[end-1] == 0 {
			end--
		}
		return Varchar(string(raw[:end])), declaredLen
	case KindInt32:
		return Int32Val(int32(binary.BigEndian.Uint32(src[:4]))), 4
	case KindInt64:
		return Int64Val(int64(binary.BigEndian.Uint64(src[:8]))), 8
	case KindUnsigned32:
		return Unsigned32Val(binary.BigEndian.Uint32(src[:4])), 4
	case KindUnsigned64:
		return Unsigned64Val(binary.BigEndian.Uint64(src[:8])), 8
	case KindFloat32:
		return Float32Val(math.Float32frombits(binary.BigEndian.Uint32(src[:4]))), 4
	case KindFloat64:
		return Float64Val(math.Float64frombits(binary.BigEndian.Uint64(src[:8]))), 8
	case KindBoolean:
		return BooleanVal(src[0] != 0), 1
	default:
		return Null(), 0
	}
}

// Compare orders two values of the same kind. Used for sort-key ordering
// inside a hash-key partition.
func Compare(a, b Value) int {
	switch a.Kind {
	case KindVarchar:
		switch {
		case a.Varchar < b.Varchar:
			return -1
		case a.Varchar > b.Varchar:
			return 1
		default:
			return 0
		}
	case KindInt32:
		return cmpInt64(int64(a.Int32), int64(b.Int32))
	case KindInt64:
		return cmpInt64(a.Int64, b.Int64)
	case KindUnsigned32:
		return cmpUint64(uint64(a.Uint32), uint64(b.Uint32))
	case KindUnsigned64:
		return cmpUint64(a.Uint64, b.Uint64)
	case KindFloat32:
		return cmpFloat64(float64(a.Float32), float64(b.Float32))
	case KindFloat64:
		return cmpFloat64(a.Float64, b.Float64)
	case KindBoolean:
		if a.Bool == b.Bool {
			return 0
		}
		if !a.Bool {
			return -1
		}
		return 1
	default:
		return 0
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
