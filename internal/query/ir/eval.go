package ir

import "github.com/quartzdb/quartzdb/internal/value"

// FieldGetter resolves a field's current value for the row being tested.
// A missing field is represented as value.Null(), matching IsNull/IsNotNull
// semantics.
type FieldGetter func(field string) value.Value

// Eval walks the filter tree and reports whether row (as exposed by get)
// satisfies it, over arbitrary entity fields and operators.
func Eval(f Filter, get FieldGetter) (bool, error) {
	switch f.Op {
	case OpAnd:
		for _, c := range f.Children {
			ok, err := Eval(c, get)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case OpOr:
		for _, c := range f.Children {
			ok, err := Eval(c, get)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case OpNot:
		ok, err := Eval(f.Children[0], get)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}

	actual := get(f.Field)
	switch f.Op {
	case OpEq:
		return value.Equal(actual, f.Value), nil
	case OpNe:
		return !value.Equal(actual, f.Value), nil
	case OpLt:
		return value.Compare(actual, f.Value) == value.CmpLess, nil
	case OpLe:
		c := value.Compare(actual, f.Value)
		return c == value.CmpLess || c == value.CmpEqual, nil
	case OpGt:
		return value.Compare(actual, f.Value) == value.CmpGreater, nil
	case OpGe:
		c := value.Compare(actual, f.Value)
		return c == value.CmpGreater || c == value.CmpEqual, nil
	case OpIn:
		for _, v := range f.Values {
			if value.Equal(actual, v) {
				return true, nil
			}
		}
		return false, nil
	case OpNotIn:
		for _, v := range f.Values {
			if value.Equal(actual, v) {
				return false, nil
			}
		}
		return true, nil
	case OpIsNull:
		return actual.IsNull(), nil
	case OpIsNotNull:
		return !actual.IsNull(), nil
	case OpLike, OpNotLike:
		m, err := CompileLike(f.Pattern)
		if err != nil {
			return false, err
		}
		matched := actual.Kind == value.KindString && m.Match(actual.Str)
		if f.Op == OpNotLike {
			return !matched, nil
		}
		return matched, nil
	default:
		return false, nil
	}
}

// Fields collects every field name referenced anywhere in the filter tree,
// used by the planner to validate a query against the catalog before
// compiling a plan.
func Fields(f Filter) []string {
	seen := make(map[string]bool)
	var walk func(Filter)
	walk = func(f Filter) {
		if f.IsLeaf() {
			if f.Field != "" {
				seen[f.Field] = true
			}
			return
		}
		for _, c := range f.Children {
			walk(c)
		}
	}
	walk(f)
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	return out
}
