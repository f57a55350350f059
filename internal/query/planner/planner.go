// Package planner transforms a graph query IR (internal/query/ir) into a
// validated, catalog-resolved execution plan: every entity, field, and
// relation referenced is checked against the current schema, include paths
// are ordered parent-before-child and by ascending estimated fanout, and
// include depth is checked against a FanoutBudget (whose entity and edge
// limits the executor enforces).
//
// QueryPlan is a plain Go value type rather than a struct borrowing from
// the catalog, since Go has no lifetime parameter to express that borrow;
// it instead holds a pointer into the catalog bundle that produced it,
// valid for as long as that bundle is.
package planner

import (
	"errors"
	"fmt"

	"github.com/quartzdb/quartzdb/internal/catalog"
	"github.com/quartzdb/quartzdb/internal/query/ir"
)

var ErrInvalidQuery = errors.New("planner: invalid query")

// IncludePlan is one resolved relation fetch within a QueryPlan.
type IncludePlan struct {
	Path          string
	Relation      *catalog.RelationDef
	TargetEntity  *catalog.EntityDef
	Fields        []string
	Filter        *ir.Filter
	OrderBy       []ir.OrderSpec
	Pagination    *ir.Pagination
}

func (p IncludePlan) Depth() int        { return ir.RelationInclude{Path: p.Path}.Depth() }
func (p IncludePlan) IsTopLevel() bool  { return ir.RelationInclude{Path: p.Path}.IsTopLevel() }
func (p IncludePlan) ParentPath() string {
	return ir.RelationInclude{Path: p.Path}.ParentPath()
}
func (p IncludePlan) TargetEntityName() string { return p.Relation.ToEntity }

// QueryPlan is a validated, catalog-bound execution plan for a GraphQuery.
type QueryPlan struct {
	RootEntity    string
	RootEntityDef *catalog.EntityDef
	Fields        []string
	Filter        *ir.Filter
	OrderBy       []ir.OrderSpec
	Pagination    *ir.Pagination
	Includes      []IncludePlan
	Budget        ir.FanoutBudget
}

// DeduplicateIncludes removes duplicate include paths, keeping the first
// occurrence.
func (p *QueryPlan) DeduplicateIncludes() {
	seen := make(map[string]bool, len(p.Includes))
	out := p.Includes[:0]
	for _, inc := range p.Includes {
		if seen[inc.Path] {
			continue
		}
		seen[inc.Path] = true
		out = append(out, inc)
	}
	p.Includes = out
}

// OptimizeIncludeOrder reorders includes by ascending estimated fanout,
// while preserving the constraint that a parent path is always scheduled
// before any of its children (a nested include cannot run before the
// include it nests under has been planned).
func (p *QueryPlan) OptimizeIncludeOrder() {
	if len(p.Includes) <= 1 {
		return
	}

	costs := make(map[string]int, len(p.Includes))
	for _, inc := range p.Includes {
		costs[inc.Path] = estimateFanout(inc.Relation.Cardinality)
	}

	scheduled := make(map[string]bool, len(p.Includes))
	remaining := append([]IncludePlan(nil), p.Includes...)
	sorted := make([]IncludePlan, 0, len(p.Includes))

	for len(remaining) > 0 {
		var available []int
		for i, inc := range remaining {
			parent := inc.ParentPath()
			if parent == "" || scheduled[parent] {
				available = append(available, i)
			}
		}
		if len(available) == 0 {
			// No valid topological order (shouldn't happen for a planned
			// query); append whatever remains unchanged rather than loop.
			sorted = append(sorted, remaining...)
			break
		}

		best := available[0]
		for _, i := range available[1:] {
			if costs[remaining[i].Path] < costs[remaining[best].Path] {
				best = i
			}
		}

		chosen := remaining[best]
		sorted = append(sorted, chosen)
		scheduled[chosen.Path] = true
		remaining = append(remaining[:best], remaining[best+1:]...)
	}

	p.Includes = sorted
}

// estimateFanout approximates how many rows a relation's "many" side
// produces per "one" row, used only to order include resolution so
// cheaper branches run first.
func estimateFanout(c catalog.Cardinality) int {
	switch c {
	case catalog.OneToOne:
		return 1
	case catalog.OneToMany:
		return 10
	case catalog.ManyToMany:
		return 25
	default:
		return 10
	}
}

// Planner resolves GraphQuery/AggregateQuery IR against a catalog.
type Planner struct {
	cat *catalog.Catalog
}

func New(cat *catalog.Catalog) *Planner {
	return &Planner{cat: cat}
}

// Plan resolves q against the catalog's current schema using q's own
// fanout budget, or the default budget when q leaves it zero.
func (p *Planner) Plan(q ir.GraphQuery) (*QueryPlan, error) {
	budget := q.Budget
	if budget == (ir.FanoutBudget{}) {
		budget = ir.DefaultFanoutBudget()
	}
	return p.PlanWithBudget(q, budget)
}

// PlanWithBudget resolves q against the catalog's current schema using an
// explicit fanout budget.
func (p *Planner) PlanWithBudget(q ir.GraphQuery, budget ir.FanoutBudget) (*QueryPlan, error) {
	rootDef, err := p.cat.GetEntity(q.RootEntity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}

	for _, f := range q.Fields {
		if _, ok := rootDef.Field(f); !ok {
			return nil, fmt.Errorf("%w: unknown field %q on entity %q", ErrInvalidQuery, f, q.RootEntity)
		}
	}
	if q.Filter != nil {
		if err := validateFilterFields(rootDef, *q.Filter); err != nil {
			return nil, err
		}
	}

	includes, err := p.planIncludes(q.RootEntity, q.Includes, budget)
	if err != nil {
		return nil, err
	}

	maxDepth := 0
	for _, inc := range includes {
		if d := inc.Depth(); d > maxDepth {
			maxDepth = d
		}
	}
	if maxDepth > budget.MaxDepth {
		return nil, fmt.Errorf("%w: query depth %d exceeds maximum allowed depth %d", ErrInvalidQuery, maxDepth, budget.MaxDepth)
	}

	plan := &QueryPlan{
		RootEntity:    q.RootEntity,
		RootEntityDef: rootDef,
		Fields:        q.Fields,
		Filter:        q.Filter,
		OrderBy:       q.OrderBy,
		Pagination:    q.Pagination,
		Includes:      includes,
		Budget:        budget,
	}
	plan.OptimizeIncludeOrder()
	return plan, nil
}

func (p *Planner) planIncludes(rootEntity string, includes []ir.RelationInclude, budget ir.FanoutBudget) ([]IncludePlan, error) {
	plans := make([]IncludePlan, 0, len(includes))
	for _, inc := range includes {
		plan, err := p.planSingleInclude(rootEntity, inc, plans, budget)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

func (p *Planner) planSingleInclude(rootEntity string, inc ir.RelationInclude, existing []IncludePlan, budget ir.FanoutBudget) (IncludePlan, error) {
	if depth := inc.Depth(); depth > budget.MaxDepth {
		return IncludePlan{}, fmt.Errorf("%w: include path %q exceeds maximum depth %d", ErrInvalidQuery, inc.Path, budget.MaxDepth)
	}

	sourceEntity := rootEntity
	if !inc.IsTopLevel() {
		parentPath := inc.ParentPath()
		var parentPlan *IncludePlan
		for i := range existing {
			if existing[i].Path == parentPath {
				parentPlan = &existing[i]
				break
			}
		}
		if parentPlan == nil {
			return IncludePlan{}, fmt.Errorf("%w: include %q references non-existent parent %q", ErrInvalidQuery, inc.Path, parentPath)
		}
		sourceEntity = parentPlan.TargetEntityName()
	}

	relationName := inc.RelationName()
	var relation *catalog.RelationDef
	for _, r := range p.cat.RelationsFrom(sourceEntity) {
		if r.Name == relationName {
			relation = r
			break
		}
	}
	if relation == nil {
		return IncludePlan{}, fmt.Errorf("%w: unknown relation %q on entity %q", ErrInvalidQuery, relationName, sourceEntity)
	}

	targetDef, err := p.cat.GetEntity(relation.ToEntity)
	if err != nil {
		return IncludePlan{}, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}

	for _, f := range inc.Fields {
		if _, ok := targetDef.Field(f); !ok {
			return IncludePlan{}, fmt.Errorf("%w: unknown field %q on entity %q", ErrInvalidQuery, f, relation.ToEntity)
		}
	}
	if inc.Filter != nil {
		if err := validateFilterFields(targetDef, *inc.Filter); err != nil {
			return IncludePlan{}, err
		}
	}

	return IncludePlan{
		Path:         inc.Path,
		Relation:     relation,
		TargetEntity: targetDef,
		Fields:       inc.Fields,
		Filter:       inc.Filter,
		OrderBy:      inc.OrderBy,
		Pagination:   inc.Pagination,
	}, nil
}

func validateFilterFields(def *catalog.EntityDef, f ir.Filter) error {
	for _, field := range ir.Fields(f) {
		if _, ok := def.Field(field); !ok {
			return fmt.Errorf("%w: unknown field %q on entity %q", ErrInvalidQuery, field, def.Name)
		}
	}
	return nil
}

// AggregatePlan is a validated, catalog-bound execution plan for an
// AggregateQuery: unlike QueryPlan, it carries no includes and has no
// fanout budget to check, since an aggregate never materializes rows.
type AggregatePlan struct {
	RootEntity    string
	RootEntityDef *catalog.EntityDef
	Aggregations  []ir.Aggregation
	Filter        *ir.Filter
}

// PlanAggregate resolves an AggregateQuery against the catalog, validating
// every aggregated field and filter field and retaining them on the
// returned plan for the aggregate executor to run.
func (p *Planner) PlanAggregate(q ir.AggregateQuery) (*AggregatePlan, error) {
	def, err := p.cat.GetEntity(q.RootEntity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	for _, agg := range q.Aggregations {
		if agg.Field == "" {
			continue // COUNT(*)
		}
		if _, ok := def.Field(agg.Field); !ok {
			return nil, fmt.Errorf("%w: unknown field %q on entity %q", ErrInvalidQuery, agg.Field, q.RootEntity)
		}
	}
	if q.Filter != nil {
		if err := validateFilterFields(def, *q.Filter); err != nil {
			return nil, err
		}
	}
	return &AggregatePlan{
		RootEntity:    q.RootEntity,
		RootEntityDef: def,
		Aggregations:  q.Aggregations,
		Filter:        q.Filter,
	}, nil
}
