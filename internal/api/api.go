package api

import (
	"context"

	bolt "go.etcd.io/bbolt"

	"github.com/quartzdb/quartzdb/internal/catalog"
	"github.com/quartzdb/quartzdb/internal/mutation"
	"github.com/quartzdb/quartzdb/internal/query/executor"
	"github.com/quartzdb/quartzdb/internal/query/ir"
	"github.com/quartzdb/quartzdb/internal/query/planner"
	"github.com/quartzdb/quartzdb/internal/storage/changelog"
	"github.com/quartzdb/quartzdb/internal/value"
)

var (
	_ Planner          = (*planner.Planner)(nil)
	_ Executor         = (*executor.Executor)(nil)
	_ MutationExecutor = (*mutation.Executor)(nil)
	_ Catalog          = (*catalog.Catalog)(nil)
	_ Changelog        = (*changelog.Log)(nil)
)

// Planner resolves a graph query against the current schema into a
// validated, budget-checked execution plan. Satisfied by
// *planner.Planner.
type Planner interface {
	Plan(q ir.GraphQuery) (*planner.QueryPlan, error)
	PlanWithBudget(q ir.GraphQuery, budget ir.FanoutBudget) (*planner.QueryPlan, error)
	PlanAggregate(q ir.AggregateQuery) (*planner.AggregatePlan, error)
}

// Executor runs a planned query against the storage engine within a
// caller-supplied transaction. Satisfied by *executor.Executor.
type Executor interface {
	Execute(tx *bolt.Tx, q ir.GraphQuery) (*executor.Result, error)
	Run(tx *bolt.Tx, p *planner.QueryPlan) (*executor.Result, error)
	Explain(tx *bolt.Tx, p *planner.QueryPlan) (executor.AccessPath, error)
	Aggregate(tx *bolt.Tx, p *planner.AggregatePlan) ([]executor.AggregateResult, error)
}

// MutationExecutor applies insert/update/delete/upsert mutations.
// Satisfied by *mutation.Executor.
type MutationExecutor interface {
	Execute(tx *bolt.Tx, m ir.Mutation) (value.UUID, error)
	ExecuteBatch(tx *bolt.Tx, muts []ir.Mutation) ([]value.UUID, error)
}

// Catalog is the schema lookup surface a request handler needs: entity
// and relation definitions bound to the currently active schema version.
// Satisfied by *catalog.Catalog.
type Catalog interface {
	CurrentVersion() uint64
	GetEntity(name string) (*catalog.EntityDef, error)
	GetRelation(name string) (*catalog.RelationDef, error)
	RelationsFrom(entity string) []*catalog.RelationDef
	RelationsTo(entity string) []*catalog.RelationDef
}

// Changelog exposes the append-only mutation log a replication or
// audit-streaming frontend would tail. Satisfied by *changelog.Log.
type Changelog interface {
	CurrentLSN(tx *bolt.Tx) uint64
	ScanBatch(tx *bolt.Tx, fromLSN uint64, max int, fn func(changelog.Entry) error) error
	ScanFiltered(tx *bolt.Tx, fromLSN uint64, max int, filter changelog.Filter, fn func(changelog.Entry) error) error
}

// MetricsSink is the reporting surface a transport's own instrumentation
// would push through, decoupling it from any one metrics backend the way
// internal/telemetry decouples the engine's own instrumentation.
type MetricsSink interface {
	IncrCounter(ctx context.Context, name string, delta int64, attrs map[string]string)
	RecordDuration(ctx context.Context, name string, millis float64, attrs map[string]string)
}
