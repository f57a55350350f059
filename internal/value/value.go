// Package value implements the tagged Value union shared by every layer of
// the database: the row-store codec, the columnar projection, the secondary
// indexes, and the query filter evaluator all operate on value.Value.
package value

import (
	"fmt"
)

// Kind tags the variant carried by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt32
	KindInt64
	KindFloat32
	KindFloat64
	KindString
	KindBytes
	KindUUID
	KindTimestamp
	KindArrayBool
	KindArrayInt32
	KindArrayInt64
	KindArrayFloat32
	KindArrayFloat64
	KindArrayString
	KindArrayUUID
)

// UUID is a 16-byte identifier, used both for entity ids and the uuid Value
// variant.
type UUID [16]byte

// Value is a tagged union over the supported scalar and array types.
// Exactly one field is meaningful for a given Kind; zero values of the
// others are ignored.
type Value struct {
	Kind Kind

	Bool  bool
	I32   int32
	I64   int64
	F32   float32
	F64   float64
	Str   string
	Bytes []byte
	UUID  UUID
	// Timestamp is microseconds since the Unix epoch.
	Timestamp int64

	ArrBool  []bool
	ArrI32   []int32
	ArrI64   []int64
	ArrF32   []float32
	ArrF64   []float64
	ArrStr   []string
	ArrUUID  []UUID
}

func Null() Value                  { return Value{Kind: KindNull} }
func Bool(b bool) Value            { return Value{Kind: KindBool, Bool: b} }
func Int32(v int32) Value          { return Value{Kind: KindInt32, I32: v} }
func Int64(v int64) Value          { return Value{Kind: KindInt64, I64: v} }
func Float32(v float32) Value      { return Value{Kind: KindFloat32, F32: v} }
func Float64(v float64) Value      { return Value{Kind: KindFloat64, F64: v} }
func String(s string) Value        { return Value{Kind: KindString, Str: s} }
func Bytes(b []byte) Value         { return Value{Kind: KindBytes, Bytes: b} }
func FromUUID(u UUID) Value        { return Value{Kind: KindUUID, UUID: u} }
func Timestamp(micros int64) Value { return Value{Kind: KindTimestamp, Timestamp: micros} }

func (v Value) IsNull() bool { return v.Kind == KindNull }

// TagByte returns the wire tag byte for v's kind. Index keys and the row
// codec both prepend this so that values of different kinds (e.g. int32 vs
// int64) are never treated as equal or compared across families.
func (k Kind) TagByte() byte { return byte(k) }

func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%v", v.Bool)
	case KindInt32:
		return fmt.Sprintf("%d", v.I32)
	case KindInt64:
		return fmt.Sprintf("%d", v.I64)
	case KindFloat32:
		return fmt.Sprintf("%v", v.F32)
	case KindFloat64:
		return fmt.Sprintf("%v", v.F64)
	case KindString:
		return v.Str
	case KindBytes:
		return fmt.Sprintf("%x", v.Bytes)
	case KindUUID:
		return fmt.Sprintf("%x", v.UUID[:])
	case KindTimestamp:
		return fmt.Sprintf("ts(%d)", v.Timestamp)
	default:
		return fmt.Sprintf("<%T array>", v.Kind)
	}
}

// numericFamily groups kinds that widen to each other. Cross-family
// comparisons return CmpUndefined rather than silently coercing: values
// are never coerced across families except int<->int and float<->float
// widening.
type numericFamily int

const (
	famNone numericFamily = iota
	famInt
	famFloat
)

func (k Kind) family() numericFamily {
	switch k {
	case KindInt32, KindInt64:
		return famInt
	case KindFloat32, KindFloat64:
		return famFloat
	default:
		return famNone
	}
}

// Cmp is the result of comparing two values.
type Cmp int

const (
	CmpLess Cmp = iota - 1
	CmpEqual
	CmpGreater
	CmpUndefined
)

func (v Value) asInt64() (int64, bool) {
	switch v.Kind {
	case KindInt32:
		return int64(v.I32), true
	case KindInt64:
		return v.I64, true
	case KindTimestamp:
		return v.Timestamp, true
	}
	return 0, false
}

func (v Value) asFloat64() (float64, bool) {
	switch v.Kind {
	case KindFloat32:
		return float64(v.F32), true
	case KindFloat64:
		return v.F64, true
	}
	return 0, false
}

// AsNumeric coerces any int or float kind, and a timestamp (its
// microseconds), to float64, ok=false for every other kind. Used by aggregation paths that sum/compare across a column
// without caring which numeric kind each row happened to store.
func (v Value) AsNumeric() (float64, bool) {
	if f, ok := v.asFloat64(); ok {
		return f, true
	}
	if i, ok := v.asInt64(); ok {
		return float64(i), true
	}
	return 0, false
}

// Compare orders a and b. Ordering is defined only within compatible
// numeric or lexicographic families; cross-type comparisons return
// CmpUndefined. Null is the exception: it equals null and is less than
// every other value. Floats use partial order: NaN compares as
// CmpUndefined to everything, including itself.
func Compare(a, b Value) Cmp {
	if a.Kind == KindNull || b.Kind == KindNull {
		if a.Kind == KindNull && b.Kind == KindNull {
			return CmpEqual
		}
		if a.Kind == KindNull {
			return CmpLess
		}
		return CmpGreater
	}

	af, bf := a.Kind.family(), b.Kind.family()
	if af != famNone && af == bf {
		if af == famInt {
			ai, _ := a.asInt64()
			bi, _ := b.asInt64()
			switch {
			case ai < bi:
				return CmpLess
			case ai > bi:
				return CmpGreater
			default:
				return CmpEqual
			}
		}
		af64, _ := a.asFloat64()
		bf64, _ := b.asFloat64()
		if af64 != af64 || bf64 != bf64 { // NaN
			return CmpUndefined
		}
		switch {
		case af64 < bf64:
			return CmpLess
		case af64 > bf64:
			return CmpGreater
		default:
			return CmpEqual
		}
	}

	if a.Kind != b.Kind {
		return CmpUndefined
	}

	switch a.Kind {
	case KindString:
		switch {
		case a.Str < b.Str:
			return CmpLess
		case a.Str > b.Str:
			return CmpGreater
		default:
			return CmpEqual
		}
	case KindBool:
		if a.Bool == b.Bool {
			return CmpEqual
		}
		if !a.Bool {
			return CmpLess
		}
		return CmpGreater
	case KindUUID:
		for i := range a.UUID {
			if a.UUID[i] != b.UUID[i] {
				if a.UUID[i] < b.UUID[i] {
					return CmpLess
				}
				return CmpGreater
			}
		}
		return CmpEqual
	case KindBytes:
		n := len(a.Bytes)
		if len(b.Bytes) < n {
			n = len(b.Bytes)
		}
		for i := 0; i < n; i++ {
			if a.Bytes[i] != b.Bytes[i] {
				if a.Bytes[i] < b.Bytes[i] {
					return CmpLess
				}
				return CmpGreater
			}
		}
		switch {
		case len(a.Bytes) < len(b.Bytes):
			return CmpLess
		case len(a.Bytes) > len(b.Bytes):
			return CmpGreater
		default:
			return CmpEqual
		}
	default:
		return CmpUndefined
	}
}

// Equal reports whether a and b compare equal, treating CmpUndefined
// (including NaN and cross-type comparisons) as not equal.
func Equal(a, b Value) bool {
	return Compare(a, b) == CmpEqual
}
