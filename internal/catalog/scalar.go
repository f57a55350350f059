package catalog

import "github.com/quartzdb/quartzdb/internal/value"

// scalarMatchesValueKind reports whether a stored value.Kind is the one
// that backs a catalog ScalarType.
func scalarMatchesValueKind(s ScalarType, k value.Kind) bool {
	switch s {
	case ScalarBool:
		return k == value.KindBool
	case ScalarInt32:
		return k == value.KindInt32
	case ScalarInt64:
		return k == value.KindInt64
	case ScalarFloat32:
		return k == value.KindFloat32
	case ScalarFloat64:
		return k == value.KindFloat64
	case ScalarString:
		return k == value.KindString
	case ScalarBytes:
		return k == value.KindBytes
	case ScalarUUID:
		return k == value.KindUUID
	case ScalarTimestamp:
		return k == value.KindTimestamp
	default:
		return false
	}
}
