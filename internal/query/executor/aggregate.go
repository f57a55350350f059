package executor

import (
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/quartzdb/quartzdb/internal/catalog"
	"github.com/quartzdb/quartzdb/internal/query/ir"
	"github.com/quartzdb/quartzdb/internal/query/planner"
	"github.com/quartzdb/quartzdb/internal/storage/columnar"
	"github.com/quartzdb/quartzdb/internal/storage/rowstore"
	"github.com/quartzdb/quartzdb/internal/value"
)

// AggregateResult is one named scalar produced by Aggregate, in the same
// order as the plan's Aggregations.
type AggregateResult struct {
	Name  string
	Value value.Value
}

// Aggregate runs p's field aggregations against the columnar store: with
// no filter, each field aggregation scans its column directly
// (CountColumn, SumColumn, MinColumn, MaxColumn) and count(*) counts live
// rows in the row store; with a filter, a first phase resolves the
// matching entity ids (via the same index selection Run uses, or a
// residual row scan that decodes every row when no index fits the filter
// shape) and a second phase fetches only the aggregated columns for those
// ids.
func (e *Executor) Aggregate(tx *bolt.Tx, p *planner.AggregatePlan) ([]AggregateResult, error) {
	proj, err := e.cols.Projection(p.RootEntityDef.Name)
	if err != nil {
		return nil, err
	}

	if p.Filter == nil {
		return e.aggregateUnfiltered(tx, p.RootEntityDef.Name, proj, p.Aggregations)
	}

	ids, err := e.resolveFilteredIDs(tx, p.RootEntityDef, p.Filter)
	if err != nil {
		return nil, err
	}
	return e.aggregateOverIDs(tx, proj, p.Aggregations, ids)
}

// resolveFilteredIDs returns every id of def matching f. It reuses
// selectAccessPath so an equality or range comparison on an indexed field
// still resolves via that index; any other filter shape falls back to a
// row-store scan that decodes each row only to evaluate f, discarding the
// decoded fields once the id is known to match.
func (e *Executor) resolveFilteredIDs(tx *bolt.Tx, def *catalog.EntityDef, f *ir.Filter) ([]value.UUID, error) {
	path, ids, err := e.selectAccessPath(tx, def, f)
	if err != nil {
		return nil, err
	}
	if ids != nil && path == AccessHashIndex {
		return ids, nil
	}
	if ids != nil {
		// A range-index id list includes the bound itself; re-check f so a
		// strict comparison drops it.
		rows, err := e.loadRows(tx, def, ids, nil, f, false)
		if err != nil {
			return nil, err
		}
		matched := make([]value.UUID, len(rows))
		for i, r := range rows {
			matched[i] = r.ID
		}
		return matched, nil
	}

	var matched []value.UUID
	err = e.rows.ScanEntityType(tx, def.Name, func(id value.UUID, versionTS int64, rec rowstore.Record) error {
		if rec.Deleted {
			return nil
		}
		decoded, err := value.DecodeEntity(rec.Payload)
		if err != nil {
			return err
		}
		all := make(map[string]value.Value, len(decoded))
		for _, fld := range decoded {
			all[fld.Name] = fld.Value
		}
		ok, err := ir.Eval(*f, func(name string) value.Value {
			if v, present := all[name]; present {
				return v
			}
			return value.Null()
		})
		if err != nil {
			return err
		}
		if ok {
			matched = append(matched, id)
		}
		return nil
	})
	return matched, err
}

// countEntities counts every live (non-deleted) row of entityType, for
// count(*) — which counts rows, not any one column's non-null occupancy.
func (e *Executor) countEntities(tx *bolt.Tx, entityType string) (int, error) {
	var n int
	err := e.rows.ScanEntityType(tx, entityType, func(id value.UUID, versionTS int64, rec rowstore.Record) error {
		if !rec.Deleted {
			n++
		}
		return nil
	})
	return n, err
}

// aggregateUnfiltered computes every aggregation with an unfiltered,
// whole-column scan.
func (e *Executor) aggregateUnfiltered(tx *bolt.Tx, entityType string, proj *columnar.Projection, aggs []ir.Aggregation) ([]AggregateResult, error) {
	out := make([]AggregateResult, len(aggs))
	for i, agg := range aggs {
		if agg.Field == "" {
			n, err := e.countEntities(tx, entityType)
			if err != nil {
				return nil, err
			}
			out[i] = AggregateResult{Name: aggregateName(agg), Value: value.Int64(int64(n))}
			continue
		}
		v, err := e.runColumnAggregate(tx, proj, agg)
		if err != nil {
			return nil, err
		}
		out[i] = AggregateResult{Name: aggregateName(agg), Value: v}
	}
	return out, nil
}

func (e *Executor) runColumnAggregate(tx *bolt.Tx, proj *columnar.Projection, agg ir.Aggregation) (value.Value, error) {
	switch agg.Function {
	case ir.AggCount:
		n, err := proj.CountColumn(tx, agg.Field)
		return value.Int64(int64(n)), err
	case ir.AggSum:
		s, err := proj.SumColumn(tx, agg.Field)
		return value.Float64(s), err
	case ir.AggAvg:
		s, err := proj.SumColumn(tx, agg.Field)
		if err != nil {
			return value.Value{}, err
		}
		n, err := proj.CountColumn(tx, agg.Field)
		if err != nil {
			return value.Value{}, err
		}
		if n == 0 {
			return value.Float64(0), nil
		}
		return value.Float64(s / float64(n)), nil
	case ir.AggMin:
		v, _, err := proj.MinColumn(tx, agg.Field)
		return v, err
	case ir.AggMax:
		v, _, err := proj.MaxColumn(tx, agg.Field)
		return v, err
	default:
		return value.Value{}, fmt.Errorf("executor: unknown aggregate function %d", agg.Function)
	}
}

// aggregateOverIDs is the filtered, two-phase counterpart to
// aggregateUnfiltered: ids is the already-resolved matching set, and each
// aggregation fetches only its column's value for those ids via
// proj.GetColumn rather than scanning the whole column or decoding the
// matching rows' payloads a second time.
func (e *Executor) aggregateOverIDs(tx *bolt.Tx, proj *columnar.Projection, aggs []ir.Aggregation, ids []value.UUID) ([]AggregateResult, error) {
	out := make([]AggregateResult, len(aggs))
	for i, agg := range aggs {
		if agg.Field == "" {
			out[i] = AggregateResult{Name: aggregateName(agg), Value: value.Int64(int64(len(ids)))}
			continue
		}

		var (
			sum       float64
			nonNull   int64
			best      value.Value
			foundExtr bool
			wantExtr  value.Cmp
		)
		if agg.Function == ir.AggMax {
			wantExtr = value.CmpGreater
		} else {
			wantExtr = value.CmpLess
		}

		for _, id := range ids {
			v, ok, err := proj.GetColumn(tx, id, agg.Field)
			if err != nil {
				return nil, err
			}
			if !ok || v.IsNull() {
				continue
			}
			nonNull++
			switch agg.Function {
			case ir.AggSum, ir.AggAvg:
				f, _ := v.AsNumeric()
				sum += f
			case ir.AggMin, ir.AggMax:
				if !foundExtr {
					best, foundExtr = v, true
				} else if value.Compare(v, best) == wantExtr {
					best = v
				}
			}
		}

		switch agg.Function {
		case ir.AggCount:
			out[i] = AggregateResult{Name: aggregateName(agg), Value: value.Int64(nonNull)}
		case ir.AggSum:
			out[i] = AggregateResult{Name: aggregateName(agg), Value: value.Float64(sum)}
		case ir.AggAvg:
			var avg float64
			if nonNull > 0 {
				avg = sum / float64(nonNull)
			}
			out[i] = AggregateResult{Name: aggregateName(agg), Value: value.Float64(avg)}
		case ir.AggMin, ir.AggMax:
			out[i] = AggregateResult{Name: aggregateName(agg), Value: best}
		default:
			return nil, fmt.Errorf("executor: unknown aggregate function %d", agg.Function)
		}
	}
	return out, nil
}

func aggregateName(agg ir.Aggregation) string {
	switch agg.Function {
	case ir.AggCount:
		if agg.Field == "" {
			return "count"
		}
		return "count_" + agg.Field
	case ir.AggSum:
		return "sum_" + agg.Field
	case ir.AggAvg:
		return "avg_" + agg.Field
	case ir.AggMin:
		return "min_" + agg.Field
	case ir.AggMax:
		return "max_" + agg.Field
	default:
		return "agg"
	}
}
