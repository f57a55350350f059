// Package ir defines the graph query intermediate representation: the
// shape the planner (internal/query/planner) and executor
// (internal/query/executor) operate on. Filter is an ordinary
// recursive tree of And/Or/comparison nodes — Go has no constraint
// against recursive types, so there's no need to flatten the boolean
// structure into a list of simple filters the way a zero-copy
// serialization format might require.
package ir

import "github.com/quartzdb/quartzdb/internal/value"

// FilterOp names a leaf comparison or a compound combinator.
type FilterOp int

const (
	OpEq FilterOp = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpIn
	OpNotIn
	OpIsNull
	OpIsNotNull
	OpLike
	OpNotLike
	OpAnd
	OpOr
	OpNot
)

func (op FilterOp) String() string {
	switch op {
	case OpEq:
		return "eq"
	case OpNe:
		return "ne"
	case OpLt:
		return "lt"
	case OpLe:
		return "le"
	case OpGt:
		return "gt"
	case OpGe:
		return "ge"
	case OpIn:
		return "in"
	case OpNotIn:
		return "not_in"
	case OpIsNull:
		return "is_null"
	case OpIsNotNull:
		return "is_not_null"
	case OpLike:
		return "like"
	case OpNotLike:
		return "not_like"
	case OpAnd:
		return "and"
	case OpOr:
		return "or"
	case OpNot:
		return "not"
	default:
		return "unknown"
	}
}

// Filter is a node in the filter expression tree. Leaf nodes (comparison
// ops) set Field and, depending on Op, Value or Values or Pattern.
// Compound nodes (And/Or) set Children; Not sets exactly one child.
type Filter struct {
	Op       FilterOp
	Field    string
	Value    value.Value
	Values   []value.Value
	Pattern  string
	Children []Filter
}

func Eq(field string, v value.Value) Filter  { return Filter{Op: OpEq, Field: field, Value: v} }
func Ne(field string, v value.Value) Filter  { return Filter{Op: OpNe, Field: field, Value: v} }
func Lt(field string, v value.Value) Filter  { return Filter{Op: OpLt, Field: field, Value: v} }
func Le(field string, v value.Value) Filter  { return Filter{Op: OpLe, Field: field, Value: v} }
func Gt(field string, v value.Value) Filter  { return Filter{Op: OpGt, Field: field, Value: v} }
func Ge(field string, v value.Value) Filter  { return Filter{Op: OpGe, Field: field, Value: v} }
func IsNull(field string) Filter             { return Filter{Op: OpIsNull, Field: field} }
func IsNotNull(field string) Filter          { return Filter{Op: OpIsNotNull, Field: field} }
func Like(field, pattern string) Filter      { return Filter{Op: OpLike, Field: field, Pattern: pattern} }
func NotLike(field, pattern string) Filter   { return Filter{Op: OpNotLike, Field: field, Pattern: pattern} }

func In(field string, vs []value.Value) Filter {
	return Filter{Op: OpIn, Field: field, Values: vs}
}

func NotIn(field string, vs []value.Value) Filter {
	return Filter{Op: OpNotIn, Field: field, Values: vs}
}

func And(children ...Filter) Filter { return Filter{Op: OpAnd, Children: children} }
func Or(children ...Filter) Filter  { return Filter{Op: OpOr, Children: children} }
func Not(child Filter) Filter       { return Filter{Op: OpNot, Children: []Filter{child}} }

// IsLeaf reports whether f is a comparison node (as opposed to And/Or/Not).
func (f Filter) IsLeaf() bool {
	return f.Op != OpAnd && f.Op != OpOr && f.Op != OpNot
}

// OrderDirection is the sort direction for an OrderSpec.
type OrderDirection int

const (
	Asc OrderDirection = iota
	Desc
)

// OrderSpec orders results by a single field.
type OrderSpec struct {
	Field     string
	Direction OrderDirection
}

// Pagination bounds and offsets a result set. The executor pages by
// Offset and Limit only; it does not read Cursor.
type Pagination struct {
	Limit  uint32
	Offset uint32
	Cursor []byte
}

// RelationInclude requests a nested relation by dot-separated Path (e.g.
// "posts.comments" includes comments of posts included at the top level).
type RelationInclude struct {
	Path       string
	Fields     []string
	Filter     *Filter
	OrderBy    []OrderSpec
	Pagination *Pagination
}

// RelationName returns the last path segment ("comments" for "posts.comments").
func (r RelationInclude) RelationName() string {
	if i := lastDot(r.Path); i >= 0 {
		return r.Path[i+1:]
	}
	return r.Path
}

// ParentPath returns the path with its last segment removed, or "" if
// this is a top-level include.
func (r RelationInclude) ParentPath() string {
	if i := lastDot(r.Path); i >= 0 {
		return r.Path[:i]
	}
	return ""
}

// IsTopLevel reports whether this include has no parent (no dot in path).
func (r RelationInclude) IsTopLevel() bool {
	return lastDot(r.Path) < 0
}

// Depth is the number of path segments (1 for top-level).
func (r RelationInclude) Depth() int {
	n := 1
	for _, c := range r.Path {
		if c == '.' {
			n++
		}
	}
	return n
}

func lastDot(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return i
		}
	}
	return -1
}

// FanoutBudget bounds the total work a graph query may do expanding
// includes, preventing a deeply nested or broad include list from
// fetching an unbounded number of rows.
type FanoutBudget struct {
	MaxEntities int
	MaxEdges    int
	MaxDepth    int
}

// DefaultFanoutBudget returns the default graph-query fanout guardrails.
func DefaultFanoutBudget() FanoutBudget {
	return FanoutBudget{MaxEntities: 10_000, MaxEdges: 50_000, MaxDepth: 5}
}

// GraphQuery is the root request: fetch RootEntity rows matching Filter,
// in OrderBy order, paginated, with nested relations resolved per Includes.
type GraphQuery struct {
	RootEntity string
	Fields     []string
	Includes   []RelationInclude
	Filter     *Filter
	OrderBy    []OrderSpec
	Pagination *Pagination
	Budget     FanoutBudget
}

// AggregateFunction names a supported aggregate operation.
type AggregateFunction int

const (
	AggCount AggregateFunction = iota
	AggSum
	AggAvg
	AggMin
	AggMax
)

// Aggregation is one aggregate computed over a (possibly filtered) entity
// set. Field is ignored for AggCount's count(*) form.
type Aggregation struct {
	Function AggregateFunction
	Field    string
}

// AggregateQuery computes one or more Aggregations over RootEntity rows
// matching an optional Filter.
type AggregateQuery struct {
	RootEntity   string
	Aggregations []Aggregation
	Filter       *Filter
}

// MutationKind names the kind of write a Mutation performs.
type MutationKind int

const (
	MutInsert MutationKind = iota
	MutUpdate
	MutDelete
	MutUpsert
)

// Mutation is the IR for a single write against one entity. Fields holds
// the field values to write (insert/update/upsert); Delete and upserts
// that target an existing row address it by ID.
type Mutation struct {
	Kind       MutationKind
	EntityName string
	ID         *value.UUID
	Fields     map[string]value.Value
}
