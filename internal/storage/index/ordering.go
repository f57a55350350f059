// Package index implements the secondary indexes: a hash index for
// equality lookups and a B-tree range index for ordered scans, both
// persisted as bbolt buckets per entity type, with an in-memory
// has-index cache, a bounded lookup cache (github.com/hashicorp/golang-lru/v2),
// and an in-memory B-tree read-through cache for hot range scans. The
// hash index key layout is [column_name_len][column_name][0x00][encoded_value].
package index

import (
	"encoding/binary"
	"math"

	"github.com/quartzdb/quartzdb/internal/value"
)

// encodeOrderedValue renders v as a byte string whose lexicographic order
// matches v's value.Compare order, for use in the range index's key. Only
// scalar, orderable kinds are supported; callers must not attempt to
// range-index array values.
//
// Integers are encoded as big-endian with the sign bit flipped so negative
// values sort before positive ones. Floats use the same sign-bit-flip
// trick for positives, and bit-inversion for negatives, which is the
// standard technique for making IEEE-754 bit patterns sort correctly as
// unsigned integers.
func encodeOrderedValue(v value.Value) ([]byte, bool) {
	switch v.Kind {
	case value.KindInt32:
		return encodeOrderedInt(uint64(uint32(v.I32))^0x80000000, 4), true
	case value.KindInt64:
		return encodeOrderedInt(uint64(v.I64)^0x8000000000000000, 8), true
	case value.KindFloat32:
		return encodeOrderedFloat32(v.F32), true
	case value.KindFloat64:
		return encodeOrderedFloat64(v.F64), true
	case value.KindTimestamp:
		return encodeOrderedInt(uint64(v.Timestamp)^0x8000000000000000, 8), true
	case value.KindString:
		return []byte(v.Str), true
	case value.KindBytes:
		return v.Bytes, true
	case value.KindUUID:
		return append([]byte(nil), v.UUID[:]...), true
	case value.KindBool:
		if v.Bool {
			return []byte{1}, true
		}
		return []byte{0}, true
	default:
		return nil, false
	}
}

func encodeOrderedInt(u uint64, width int) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, u)
	return buf[8-width:]
}

// encodeOrderedFloat32 flips the sign bit for positive numbers and inverts
// all bits for negative numbers, then encodes big-endian, so the resulting
// 4-byte strings sort in the same order as the floats themselves.
func encodeOrderedFloat32(f float32) []byte {
	bits := math.Float32bits(f)
	if bits&0x80000000 != 0 {
		bits = ^bits
	} else {
		bits |= 0x80000000
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, bits)
	return buf
}

func encodeOrderedFloat64(f float64) []byte {
	bits := math.Float64bits(f)
	if bits&0x8000000000000000 != 0 {
		bits = ^bits
	} else {
		bits |= 0x8000000000000000
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, bits)
	return buf
}
