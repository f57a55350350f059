// Package executor runs a planner.QueryPlan against the storage engine:
// it selects an access path per entity (hash index, range index, filtered
// row-store scan, or full row-store scan), evaluates residual filters,
// sorts and paginates the result, and resolves nested includes
// breadth-first with a fanout budget. Aggregate runs a separate path that
// does exercise the columnar store directly, since an aggregate only ever
// needs specific numeric/comparable columns rather than an arbitrary,
// possibly heterogeneous field projection.
//
// Sorting is NULL-first and NaN-safe, and nested includes resolve via a
// single hash-join-by-parent-id strategy rather than choosing between a
// nested-loop and hash join per call: Go's map makes the hash side cheap
// enough that a nested-loop fallback (useful only for very small parent
// sets) isn't worth a second code path.
package executor

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"

	"github.com/quartzdb/quartzdb/internal/catalog"
	"github.com/quartzdb/quartzdb/internal/query/ir"
	"github.com/quartzdb/quartzdb/internal/query/planner"
	"github.com/quartzdb/quartzdb/internal/storage/columnar"
	"github.com/quartzdb/quartzdb/internal/storage/index"
	"github.com/quartzdb/quartzdb/internal/storage/rowstore"
	"github.com/quartzdb/quartzdb/internal/value"
)

var (
	ErrBudgetExceeded = errors.New("executor: fanout budget exceeded")
	ErrRelationField  = errors.New("executor: relation endpoint missing on row")
)

// Row is one resolved entity with its requested fields and, for each
// include path rooted at it, the resolved child rows.
type Row struct {
	ID       value.UUID
	Fields   map[string]value.Value
	Includes map[string][]Row
}

// Result is the output of Execute: the root rows plus pagination metadata.
type Result struct {
	Rows         []Row
	HasMore      bool
	EntitiesSeen int
	EdgesSeen    int
}

// AccessPath names which route fetchEntities took, exposed for Explain.
type AccessPath int

const (
	AccessHashIndex AccessPath = iota
	AccessRangeIndex
	// AccessFilteredScan is a full row-store walk with an in-memory residual
	// filter: no index fit the filter shape, so every row of the entity type
	// is decoded and evaluated. It is distinct from AccessFullScan only in
	// that a filter is present; neither touches the columnar store. Actual
	// columnar access (two-phase id-resolve-then-column-fetch) is only
	// exercised by Aggregate, not by Run's row-materializing path.
	AccessFilteredScan
	AccessFullScan
)

func (p AccessPath) String() string {
	switch p {
	case AccessHashIndex:
		return "hash_index"
	case AccessRangeIndex:
		return "range_index"
	case AccessFilteredScan:
		return "filtered_scan"
	default:
		return "full_scan"
	}
}

// Executor runs validated query plans against a shared bbolt handle.
type Executor struct {
	rows *rowstore.Store
	cols *columnar.Store
	hash *index.HashIndex
	rng  *index.RangeIndex
	cat  *catalog.Catalog
	plan *planner.Planner
	log  *slog.Logger
}

func New(rows *rowstore.Store, cols *columnar.Store, hash *index.HashIndex, rng *index.RangeIndex, cat *catalog.Catalog, plan *planner.Planner, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{rows: rows, cols: cols, hash: hash, rng: rng, cat: cat, plan: plan, log: log}
}

// Execute plans and runs q within tx.
func (e *Executor) Execute(tx *bolt.Tx, q ir.GraphQuery) (*Result, error) {
	p, err := e.plan.Plan(q)
	if err != nil {
		return nil, err
	}
	return e.Run(tx, p)
}

// Run executes an already-validated plan.
func (e *Executor) Run(tx *bolt.Tx, p *planner.QueryPlan) (*Result, error) {
	budget := budgetTracker{limit: p.Budget}

	rootRows, hasMore, err := e.fetchAndMaterialize(tx, p.RootEntityDef, p.Filter, p.Fields, p.OrderBy, p.Pagination)
	if err != nil {
		return nil, err
	}
	if err := budget.addEntities(len(rootRows)); err != nil {
		return nil, err
	}

	if err := e.resolveIncludes(tx, p.RootEntityDef, p.Includes, rootRows, &budget); err != nil {
		return nil, err
	}

	return &Result{Rows: rootRows, HasMore: hasMore, EntitiesSeen: budget.entities, EdgesSeen: budget.edges}, nil
}

// Explain reports which access path Run would pick for the plan's root
// entity, without executing anything. It shares selectAccessPath with Run
// so the reported path can never drift from the one actually taken.
func (e *Executor) Explain(tx *bolt.Tx, p *planner.QueryPlan) (AccessPath, error) {
	path, _, err := e.selectAccessPath(tx, p.RootEntityDef, p.Filter)
	return path, err
}

type budgetTracker struct {
	limit    ir.FanoutBudget
	entities int
	edges    int
}

func (b *budgetTracker) addEntities(n int) error {
	b.entities += n
	if b.entities > b.limit.MaxEntities {
		return fmt.Errorf("%w: %d entities exceeds limit %d", ErrBudgetExceeded, b.entities, b.limit.MaxEntities)
	}
	return nil
}

func (b *budgetTracker) addEdges(n int) error {
	b.edges += n
	if b.edges > b.limit.MaxEdges {
		return fmt.Errorf("%w: %d edges exceeds limit %d", ErrBudgetExceeded, b.edges, b.limit.MaxEdges)
	}
	return nil
}

// selectAccessPath decides how to fetch candidate IDs for def given an
// optional top-level filter, preferring the cheapest index that the filter
// shape and the catalog's field flags support. It returns the chosen path
// and the candidate id list; ids is nil when the caller must fall through
// to a full scan + in-memory filter.
func (e *Executor) selectAccessPath(tx *bolt.Tx, def *catalog.EntityDef, f *ir.Filter) (AccessPath, []value.UUID, error) {
	if f != nil && f.IsLeaf() {
		fd, ok := def.Field(f.Field)
		if ok {
			switch f.Op {
			case ir.OpEq:
				if fd.Indexed && e.hash.HasIndex(tx, def.Name, f.Field) {
					ids, err := e.hash.Lookup(tx, def.Name, f.Field, f.Value)
					return AccessHashIndex, ids, err
				}
			case ir.OpLt, ir.OpLe, ir.OpGt, ir.OpGe:
				if fd.RangeIndexed {
					lo, hi := rangeBounds(f)
					var ids []value.UUID
					err := e.rng.ScanRange(tx, def.Name, f.Field, lo, hi, func(id value.UUID) error {
						ids = append(ids, id)
						return nil
					})
					return AccessRangeIndex, ids, err
				}
			}
		}
	}

	if f != nil {
		return AccessFilteredScan, nil, nil
	}
	return AccessFullScan, nil, nil
}

// rangeBounds translates a single comparison filter into ScanRange
// bounds. ScanRange is inclusive on both ends and is not told the op, so
// for Gt/Lt the ids equal to the bound come back too; callers re-check
// the filter against each row to drop them.
func rangeBounds(f *ir.Filter) (lo, hi *value.Value) {
	switch f.Op {
	case ir.OpGt, ir.OpGe:
		return &f.Value, nil
	case ir.OpLt, ir.OpLe:
		return nil, &f.Value
	}
	return nil, nil
}

// fetchAndMaterialize resolves candidate ids for def (via index or scan),
// decodes each row's requested fields, applies any residual in-memory
// filter, sorts, and paginates.
func (e *Executor) fetchAndMaterialize(tx *bolt.Tx, def *catalog.EntityDef, f *ir.Filter, fields []string, orderBy []ir.OrderSpec, page *ir.Pagination) ([]Row, bool, error) {
	path, ids, err := e.selectAccessPath(tx, def, f)
	if err != nil {
		return nil, false, err
	}

	var rows []Row
	switch {
	case ids != nil:
		// Index gave us an exact id set (for Eq) or a superset (for range
		// comparisons, which ScanRange already bounds); load and apply any
		// remaining filter as a residual check.
		rows, err = e.loadRows(tx, def, ids, fields, f, path == AccessHashIndex)
	default:
		rows, err = e.scanRows(tx, def, fields, f)
	}
	if err != nil {
		return nil, false, err
	}

	sortRows(rows, orderBy)
	rows, hasMore := applyPagination(rows, page)
	return rows, hasMore, nil
}

// loadRows decodes each id's row and, unless skipFilter (the filter was
// already fully satisfied by an exact hash-index lookup), re-checks it.
func (e *Executor) loadRows(tx *bolt.Tx, def *catalog.EntityDef, ids []value.UUID, fields []string, f *ir.Filter, skipFilter bool) ([]Row, error) {
	rows := make([]Row, 0, len(ids))
	for _, id := range ids {
		row, ok, err := e.loadRow(tx, def, id, fields, f, skipFilter)
		if err != nil {
			return nil, err
		}
		if ok {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func (e *Executor) loadRow(tx *bolt.Tx, def *catalog.EntityDef, id value.UUID, fields []string, f *ir.Filter, skipFilter bool) (Row, bool, error) {
	_, rec, err := e.rows.GetLatest(tx, id)
	if errors.Is(err, rowstore.ErrNotFound) {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, err
	}
	if rec.Deleted {
		return Row{}, false, nil
	}

	decoded, err := value.DecodeEntity(rec.Payload)
	if err != nil {
		return Row{}, false, err
	}
	all := make(map[string]value.Value, len(decoded))
	for _, fld := range decoded {
		all[fld.Name] = fld.Value
	}

	if !skipFilter && f != nil {
		ok, err := ir.Eval(*f, func(name string) value.Value {
			if v, present := all[name]; present {
				return v
			}
			return value.Null()
		})
		if err != nil {
			return Row{}, false, err
		}
		if !ok {
			return Row{}, false, nil
		}
	}

	row := Row{ID: id, Fields: projectFields(all, fields), Includes: map[string][]Row{}}
	return row, true, nil
}

// scanRows walks every row of def's type index, evaluating the filter (if
// any) against the decoded fields of each. This is the fallback path when
// no index fits the filter shape.
func (e *Executor) scanRows(tx *bolt.Tx, def *catalog.EntityDef, fields []string, f *ir.Filter) ([]Row, error) {
	var rows []Row
	err := e.rows.ScanEntityType(tx, def.Name, func(id value.UUID, versionTS int64, rec rowstore.Record) error {
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
		if f != nil {
			ok, err := ir.Eval(*f, func(name string) value.Value {
				if v, present := all[name]; present {
					return v
				}
				return value.Null()
			})
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		}
		rows = append(rows, Row{ID: id, Fields: projectFields(all, fields), Includes: map[string][]Row{}})
		return nil
	})
	return rows, err
}

func projectFields(all map[string]value.Value, want []string) map[string]value.Value {
	if len(want) == 0 {
		return all
	}
	out := make(map[string]value.Value, len(want))
	for _, name := range want {
		if v, ok := all[name]; ok {
			out[name] = v
		}
	}
	return out
}

// sortRows orders rows in place by spec, NULL-first ascending regardless
// of direction, falling back to value.Compare's numeric-widened,
// NaN-safe ordering for same-family values. Rows whose ordering field is
// absent from Fields are treated as NULL.
func sortRows(rows []Row, spec []ir.OrderSpec) {
	if len(spec) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, s := range spec {
			a := fieldOrNull(rows[i], s.Field)
			b := fieldOrNull(rows[j], s.Field)
			if a.IsNull() != b.IsNull() {
				return a.IsNull()
			}
			c := compareForSort(a, b)
			if c == 0 {
				continue
			}
			if s.Direction == ir.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func fieldOrNull(r Row, field string) value.Value {
	if v, ok := r.Fields[field]; ok {
		return v
	}
	return value.Null()
}

// compareForSort returns -1/0/1, placing NULL before every non-NULL value
// and falling back to treating an undefined value.Compare (e.g. NaN, or
// cross-type) as equal so an unstable comparator never reorders the
// stable sort's other keys.
func compareForSort(a, b value.Value) int {
	if a.IsNull() && b.IsNull() {
		return 0
	}
	if a.IsNull() {
		return -1
	}
	if b.IsNull() {
		return 1
	}
	switch value.Compare(a, b) {
	case value.CmpLess:
		return -1
	case value.CmpGreater:
		return 1
	default:
		return 0
	}
}

// applyPagination slices rows to page's offset/limit and reports whether
// more rows remain beyond the returned page.
func applyPagination(rows []Row, page *ir.Pagination) ([]Row, bool) {
	if page == nil {
		return rows, false
	}
	offset := int(page.Offset)
	if offset >= len(rows) {
		return []Row{}, false
	}
	end := len(rows)
	hasMore := false
	if page.Limit > 0 {
		limit := int(page.Limit)
		if offset+limit < len(rows) {
			end = offset + limit
			hasMore = true
		}
	}
	return rows[offset:end], hasMore
}

// resolveIncludes fills each parent row's Includes map. Includes are
// processed in plan order, which is parent-before-child (the planner
// rejects an include whose parent is not listed before it). Consecutive
// includes sharing the same parent path are siblings over the same parent
// rows; each such run goes through an errgroup limited to one goroutine,
// so siblings resolve one after another, because they write into the same
// parents' Includes maps and the shared budget, and a *bolt.Tx is not
// safe for concurrent use. The whole run finishes before the next run
// (which may depend on it) begins.
func (e *Executor) resolveIncludes(tx *bolt.Tx, rootDef *catalog.EntityDef, includes []planner.IncludePlan, rootRows []Row, budget *budgetTracker) error {
	// byPath indexes the parent rows that own each include path, so a
	// nested include (e.g. "posts.comments") can find the "posts" rows
	// it hangs off of once those have been resolved.
	byPath := map[string][]*Row{"": rowPointers(rootRows)}

	for start := 0; start < len(includes); {
		end := start + 1
		for end < len(includes) && includes[end].ParentPath() == includes[start].ParentPath() {
			end++
		}
		batch := includes[start:end]
		results := make([][]Row, len(batch))

		var g errgroup.Group
		g.SetLimit(1)
		for i, inc := range batch {
			i, inc := i, inc
			parents, ok := byPath[inc.ParentPath()]
			if !ok {
				return fmt.Errorf("executor: include %q resolved before its parent", inc.Path)
			}
			g.Go(func() error {
				rows, err := e.resolveSingleInclude(tx, inc, parents, budget)
				if err != nil {
					return err
				}
				results[i] = rows
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		for i, inc := range batch {
			byPath[inc.Path] = rowPointers(results[i])
		}
		start = end
	}
	return nil
}

func rowPointers(rows []Row) []*Row {
	out := make([]*Row, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out
}

// resolveSingleInclude fetches every child row reachable from parents over
// inc.Relation, groups them by parent id, applies per-parent pagination,
// and attaches the result to each parent's Includes map under inc.Path.
// Grouping by from_id before paginating means a LIMIT on a nested include
// bounds children-per-parent, not the total child count across all
// parents.
func (e *Executor) resolveSingleInclude(tx *bolt.Tx, inc planner.IncludePlan, parents []*Row, budget *budgetTracker) ([]Row, error) {
	rel := inc.Relation
	targetDef := inc.TargetEntity

	rows, _, err := e.fetchAndMaterialize(tx, targetDef, inc.Filter, unionFields(inc.Fields, rel.ToField), nil, nil)
	if err != nil {
		return nil, err
	}
	if err := budget.addEdges(len(rows)); err != nil {
		return nil, err
	}

	byParent := make(map[value.UUID][]Row, len(parents))
	for _, row := range rows {
		fk, ok := row.Fields[rel.ToField]
		if !ok {
			return nil, fmt.Errorf("%w: field %q on %q", ErrRelationField, rel.ToField, targetDef.Name)
		}
		if fk.Kind != value.KindUUID {
			return nil, fmt.Errorf("%w: field %q on %q is not a UUID", ErrRelationField, rel.ToField, targetDef.Name)
		}
		byParent[fk.UUID] = append(byParent[fk.UUID], row)
	}

	var allChildren []Row
	for _, parent := range parents {
		pk, ok := parent.Fields[rel.FromField]
		if !ok {
			pk = value.FromUUID(parent.ID)
		}
		if pk.Kind != value.KindUUID {
			continue
		}
		group := byParent[pk.UUID]
		sortRows(group, inc.OrderBy)
		page, _ := applyPagination(group, inc.Pagination)

		projected := make([]Row, len(page))
		for i, r := range page {
			projected[i] = Row{ID: r.ID, Fields: projectFields(r.Fields, inc.Fields), Includes: r.Includes}
		}
		parent.Includes[inc.Path] = projected
		allChildren = append(allChildren, page...)
	}
	return allChildren, nil
}

func unionFields(fields []string, required string) []string {
	if len(fields) == 0 {
		return nil // empty means "all fields" downstream
	}
	for _, f := range fields {
		if f == required {
			return fields
		}
	}
	return append(append([]string(nil), fields...), required)
}
