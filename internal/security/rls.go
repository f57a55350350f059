package security

import (
	"fmt"

	"github.com/quartzdb/quartzdb/internal/query/ir"
	"github.com/quartzdb/quartzdb/internal/value"
)

// PolicyType controls how a policy combines with its siblings.
type PolicyType uint8

const (
	// Permissive: the row is accessible if ANY permissive policy matches.
	Permissive PolicyType = iota
	// Restrictive: the row is accessible only if ALL restrictive policies match.
	Restrictive
)

// RlsOperation names the mutation/query kind a policy applies to.
type RlsOperation uint8

const (
	OpSelect RlsOperation = iota
	OpInsert
	OpUpdate
	OpDelete
	OpAll
)

func (op RlsOperation) matches(other RlsOperation) bool {
	return op == OpAll || other == OpAll || op == other
}

// RlsExprKind tags the variant of an RlsFilterExpr.
type RlsExprKind uint8

const (
	RlsStandard RlsExprKind = iota
	RlsAttributeEq
	RlsAttributeIn
	RlsAnd
	RlsOr
	RlsTrue
	RlsFalse
)

// RlsFilterExpr is an RLS policy's filter, which — unlike a plain query
// filter — can reference a SecurityContext attribute (e.g. "the row's
// org_id must equal context attribute user.org_id") rather than only
// literal values.
type RlsFilterExpr struct {
	Kind      RlsExprKind
	Standard  *ir.Filter
	Field     string
	Attribute string
	Children  []RlsFilterExpr
}

func StandardFilter(f ir.Filter) RlsFilterExpr { return RlsFilterExpr{Kind: RlsStandard, Standard: &f} }
func AttributeEq(field, attribute string) RlsFilterExpr {
	return RlsFilterExpr{Kind: RlsAttributeEq, Field: field, Attribute: attribute}
}
func AttributeIn(field, attribute string) RlsFilterExpr {
	return RlsFilterExpr{Kind: RlsAttributeIn, Field: field, Attribute: attribute}
}
func AndExprs(exprs ...RlsFilterExpr) RlsFilterExpr {
	return RlsFilterExpr{Kind: RlsAnd, Children: exprs}
}
func OrExprs(exprs ...RlsFilterExpr) RlsFilterExpr {
	return RlsFilterExpr{Kind: RlsOr, Children: exprs}
}
func AlwaysTrue() RlsFilterExpr  { return RlsFilterExpr{Kind: RlsTrue} }
func AlwaysFalse() RlsFilterExpr { return RlsFilterExpr{Kind: RlsFalse} }

// RlsPolicy is one named row-level security rule for an entity.
type RlsPolicy struct {
	Name             string
	Entity           string
	Type             PolicyType
	Operations       []RlsOperation
	Filter           RlsFilterExpr
	BypassCapability string // empty means no bypass capability
}

// NewRlsPolicy creates a permissive, all-operations policy; callers
// override Type/Operations/BypassCapability as needed.
func NewRlsPolicy(name, entity string, filter RlsFilterExpr) RlsPolicy {
	return RlsPolicy{Name: name, Entity: entity, Type: Permissive, Operations: []RlsOperation{OpAll}, Filter: filter}
}

func (p RlsPolicy) appliesTo(op RlsOperation) bool {
	for _, want := range p.Operations {
		if want.matches(op) {
			return true
		}
	}
	return false
}

func (p RlsPolicy) canBypass(ctx *SecurityContext) bool {
	if ctx.IsAdmin() {
		return true
	}
	if p.BypassCapability == "" {
		return false
	}
	return ctx.Capabilities.HasCustom(p.BypassCapability)
}

// Compile resolves every policy on entity applicable to op against ctx,
// OR-ing permissive policies and AND-ing restrictive ones, then AND-ing
// the two groups together. A bypassed permissive policy drops the whole
// permissive group to "allow all" (nil): an RLS-bypass capability means
// "grant a superset of what any remaining permissive policy would
// otherwise narrow it to". Returns nil, nil when no policy applies (the
// caller should fall back to the query's own filter unmodified).
func Compile(policies []RlsPolicy, ctx *SecurityContext, entity string, op RlsOperation) (*ir.Filter, error) {
	var applicable []RlsPolicy
	for _, p := range policies {
		if p.Entity == entity && p.appliesTo(op) {
			applicable = append(applicable, p)
		}
	}
	if len(applicable) == 0 {
		return nil, nil
	}

	var permissive, restrictive []RlsPolicy
	for _, p := range applicable {
		if p.Type == Permissive {
			permissive = append(permissive, p)
		} else {
			restrictive = append(restrictive, p)
		}
	}

	permFilter, err := compileGroup(permissive, ctx, true)
	if err != nil {
		return nil, err
	}
	restrFilter, err := compileGroup(restrictive, ctx, false)
	if err != nil {
		return nil, err
	}

	switch {
	case permFilter == nil && restrFilter == nil:
		return nil, nil
	case permFilter != nil && restrFilter == nil:
		return permFilter, nil
	case permFilter == nil && restrFilter != nil:
		return restrFilter, nil
	default:
		combined := ir.And(*permFilter, *restrFilter)
		return &combined, nil
	}
}

// compileGroup resolves one policy-type group. isPermissive selects OR
// (permissive) vs AND (restrictive) combination; a bypassed policy is
// dropped from the group, and for a permissive group any bypass collapses
// the entire group to "allow all" (nil) since OR-ing in an always-true
// branch makes the rest of the OR irrelevant.
func compileGroup(policies []RlsPolicy, ctx *SecurityContext, isPermissive bool) (*ir.Filter, error) {
	if len(policies) == 0 {
		return nil, nil
	}

	var filters []ir.Filter
	bypassed := false
	for _, p := range policies {
		if p.canBypass(ctx) {
			bypassed = true
			continue
		}
		f, err := resolveFilter(p.Filter, ctx)
		if err != nil {
			return nil, fmt.Errorf("security: policy %q: %w", p.Name, err)
		}
		filters = append(filters, f)
	}

	if isPermissive && bypassed {
		return nil, nil
	}
	if len(filters) == 0 {
		return nil, nil
	}
	if len(filters) == 1 {
		return &filters[0], nil
	}
	var combined ir.Filter
	if isPermissive {
		combined = ir.Or(filters...)
	} else {
		combined = ir.And(filters...)
	}
	return &combined, nil
}

func resolveFilter(expr RlsFilterExpr, ctx *SecurityContext) (ir.Filter, error) {
	switch expr.Kind {
	case RlsStandard:
		return *expr.Standard, nil
	case RlsAttributeEq:
		v, ok := ctx.GetAttribute(expr.Attribute)
		if !ok {
			return ir.Filter{}, fmt.Errorf("missing context attribute %q", expr.Attribute)
		}
		return ir.Eq(expr.Field, v), nil
	case RlsAttributeIn:
		v, ok := ctx.GetAttribute(expr.Attribute)
		if !ok {
			return ir.Filter{}, fmt.Errorf("missing context attribute %q", expr.Attribute)
		}
		return ir.In(expr.Field, []value.Value{v}), nil
	case RlsAnd:
		children, err := resolveChildren(expr.Children, ctx)
		if err != nil {
			return ir.Filter{}, err
		}
		return ir.And(children...), nil
	case RlsOr:
		children, err := resolveChildren(expr.Children, ctx)
		if err != nil {
			return ir.Filter{}, err
		}
		return ir.Or(children...), nil
	case RlsTrue:
		return ir.IsNotNull("id"), nil
	case RlsFalse:
		return ir.IsNull("id"), nil
	default:
		return ir.Filter{}, fmt.Errorf("security: unknown RLS expression kind %v", expr.Kind)
	}
}

func resolveChildren(exprs []RlsFilterExpr, ctx *SecurityContext) ([]ir.Filter, error) {
	out := make([]ir.Filter, len(exprs))
	for i, e := range exprs {
		f, err := resolveFilter(e, ctx)
		if err != nil {
			return nil, err
		}
		out[i] = f
	}
	return out, nil
}

// CombineFilters ANDs a user-supplied query filter with a compiled RLS
// filter; RLS is always applied when present, regardless of whether the
// caller supplied their own filter.
func CombineFilters(userFilter, rlsFilter *ir.Filter) *ir.Filter {
	switch {
	case userFilter == nil && rlsFilter == nil:
		return nil
	case userFilter != nil && rlsFilter == nil:
		return userFilter
	case userFilter == nil && rlsFilter != nil:
		return rlsFilter
	default:
		combined := ir.And(*userFilter, *rlsFilter)
		return &combined
	}
}
