// Package quartzdb is the embedded graph database's public API: Open a
// database file, apply and evolve its schema, and run graph queries and
// mutations against it through a capability-checked, row-level-secured
// Database handle.
//
// Most callers need only this package. internal/query/planner and
// internal/query/executor expose the lower-level plan/run split (used by
// cmd/dbctl and anything that wants to inspect or cache a plan); this
// package's Query method is the one-call path most applications want.
package quartzdb

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/quartzdb/quartzdb/internal/catalog"
	"github.com/quartzdb/quartzdb/internal/idgen"
	"github.com/quartzdb/quartzdb/internal/migration"
	"github.com/quartzdb/quartzdb/internal/mutation"
	"github.com/quartzdb/quartzdb/internal/query/executor"
	"github.com/quartzdb/quartzdb/internal/query/ir"
	"github.com/quartzdb/quartzdb/internal/query/planner"
	"github.com/quartzdb/quartzdb/internal/security"
	"github.com/quartzdb/quartzdb/internal/stats"
	"github.com/quartzdb/quartzdb/internal/storage/changelog"
	"github.com/quartzdb/quartzdb/internal/storage/columnar"
	"github.com/quartzdb/quartzdb/internal/storage/index"
	"github.com/quartzdb/quartzdb/internal/storage/kv"
	"github.com/quartzdb/quartzdb/internal/storage/rowstore"
	"github.com/quartzdb/quartzdb/internal/value"
)

// Re-exported types for callers that don't want to import the internal
// packages directly. These are the types a caller builds a GraphQuery,
// Mutation, or SecurityContext out of.
type (
	Value            = value.Value
	UUID             = value.UUID
	GraphQuery       = ir.GraphQuery
	AggregateQuery   = ir.AggregateQuery
	AggregateResult  = executor.AggregateResult
	Mutation         = ir.Mutation
	Result           = executor.Result
	Row              = executor.Row
	Bundle           = catalog.Bundle
	EntityDef        = catalog.EntityDef
	SecurityContext  = security.SecurityContext
	CapabilitySet    = security.CapabilitySet
	RlsPolicy        = security.RlsPolicy
	MigrationPlan    = migration.MigrationPlan
	MigrationState   = migration.MigrationState
	MigrationConfig  = migration.Config
)

var (
	// AdminContext, AnonymousContext, and NewSecurityContext let callers
	// build a SecurityContext without importing internal/security.
	AdminContext       = security.AdminContext
	AnonymousContext   = security.AnonymousContext
	NewSecurityContext = security.NewSecurityContext

	ErrUnauthorized = fmt.Errorf("quartzdb: security context lacks required capability")
)

// Database is a single open quartzdb database file and every component
// wired against it: storage engine, catalog, planner/executor, mutation
// executor, migration executor, and row-level-security policies.
type Database struct {
	kv       *kv.Handle
	cat      *catalog.Catalog
	ids      *idgen.Generator
	rows     *rowstore.Store
	cols     *columnar.Store
	hashIdx  *index.HashIndex
	rangeIdx *index.RangeIndex
	changes  *changelog.Log
	stats    *stats.Stats
	plan     *planner.Planner
	exec     *executor.Executor
	mutator  *mutation.Executor
	migrator *migration.Executor
	audit    security.AuditSink

	policies []security.RlsPolicy
	log      *slog.Logger
}

// Open opens (creating if absent) the database file at path and wires
// every storage-engine and query-engine component against it. The
// catalog is populated from any schema previously persisted via
// ApplySchema; a brand-new file starts with an empty schema.
func Open(path string, log *slog.Logger) (*Database, error) {
	if log == nil {
		log = slog.Default()
	}
	h, err := kv.Open(path, log)
	if err != nil {
		return nil, fmt.Errorf("quartzdb: open %s: %w", path, err)
	}

	cat := catalog.New(log)
	if _, err := cat.Load(h); err != nil {
		h.Close()
		return nil, fmt.Errorf("quartzdb: load schema: %w", err)
	}

	ids := idgen.New()
	rows := rowstore.New(h, ids, log)
	cols, err := columnar.Open(h, log)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("quartzdb: open columnar store: %w", err)
	}
	hashIdx, err := index.NewHashIndex(h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("quartzdb: open hash index: %w", err)
	}
	rangeIdx := index.NewRangeIndex(h)
	changes := changelog.New(h, log)
	st := stats.New(rows, h, log)
	pl := planner.New(cat)
	ex := executor.New(rows, cols, hashIdx, rangeIdx, cat, pl, log)
	mut := mutation.New(rows, cols, hashIdx, rangeIdx, cat, st, changes, log)
	mig := migration.NewExecutor(h, rows, hashIdx, ids, log)

	return &Database{
		kv: h, cat: cat, ids: ids, rows: rows, cols: cols,
		hashIdx: hashIdx, rangeIdx: rangeIdx, changes: changes, stats: st,
		plan: pl, exec: ex, mutator: mut, migrator: mig,
		audit: security.NewSlogAuditSink(log), log: log,
	}, nil
}

func (db *Database) Close() error { return db.kv.Close() }

// CurrentSchema returns the active schema bundle. Callers must not
// mutate it.
func (db *Database) CurrentSchema() *Bundle { return db.cat.CurrentSchema() }

// ApplySchema swaps in and durably persists bundle as the current
// schema, bypassing the migration engine's phased expand/backfill/
// validate/contract sequence — suitable for the very first schema a
// fresh database ever applies, where there is no existing data to
// migrate. An existing database with data should instead go through
// Migrator().Plan/Execute.
func (db *Database) ApplySchema(bundle *Bundle) error {
	return db.cat.ApplyAndSave(db.kv, bundle)
}

// Migrator exposes the online schema migration engine for databases that
// already hold data and need a graded, phased schema change rather than
// an unconditional ApplySchema swap.
func (db *Database) Migrator() *migration.Executor { return db.migrator }

// Stats exposes the live-row counter, e.g. for a caller that wants to
// refresh and report counts outside of any query.
func (db *Database) Stats() *stats.Stats { return db.stats }

// SetRLSPolicies replaces the full set of row-level-security policies
// evaluated by Query and Aggregate. Mutate and MutateBatch check only the
// write capability and do not apply these policies. There is no
// incremental add: callers
// that want to add one policy should read back the current set,
// append, and call this again.
func (db *Database) SetRLSPolicies(policies []RlsPolicy) { db.policies = policies }

func (db *Database) requireCapability(sec *SecurityContext, entity string, write bool) error {
	if sec == nil {
		return ErrUnauthorized
	}
	if sec.IsAdmin() {
		return nil
	}
	ok := sec.Capabilities.CanRead(entity)
	if write {
		ok = sec.Capabilities.CanWrite(entity)
	}
	if !ok {
		return fmt.Errorf("%w: entity %q", ErrUnauthorized, entity)
	}
	return nil
}

func connectionIDs(sec *SecurityContext) (connID, clientID string) {
	if sec == nil {
		return "", ""
	}
	return sec.ConnectionID, sec.ClientID
}

// Query plans and runs q under sec: a capability check gates read access
// to q.RootEntity, any applicable row-level-security policies are ANDed
// into the query's filter, and the result's fields are masked or omitted
// per each field's FieldSecurity before being returned.
func (db *Database) Query(ctx context.Context, sec *SecurityContext, q GraphQuery) (*Result, error) {
	connID, clientID := connectionIDs(sec)
	if err := db.requireCapability(sec, q.RootEntity, false); err != nil {
		_ = db.audit.Record(security.AuditEvent{ConnectionID: connID, ClientID: clientID, Entity: q.RootEntity, Operation: security.OpSelect, Allowed: false})
		return nil, err
	}

	rlsFilter, err := security.Compile(db.policies, sec, q.RootEntity, security.OpSelect)
	if err != nil {
		return nil, fmt.Errorf("quartzdb: compile row-level security: %w", err)
	}
	q.Filter = security.CombineFilters(q.Filter, rlsFilter)

	plan, err := db.plan.Plan(q)
	if err != nil {
		return nil, err
	}

	var result *Result
	err = db.kv.View(func(tx *bolt.Tx) error {
		var runErr error
		result, runErr = db.exec.Run(tx, plan)
		return runErr
	})
	if err != nil {
		return nil, err
	}

	masked, err := db.maskRows(result.Rows, q.RootEntity, sec)
	if err != nil {
		return nil, err
	}
	_ = db.audit.Record(security.AuditEvent{
		ConnectionID: connID, ClientID: clientID, Entity: q.RootEntity,
		Operation: security.OpSelect, Allowed: true,
		RlsApplied: rlsFilter != nil, MaskedFieldCount: masked,
	})
	return result, nil
}

// Aggregate plans and runs q under sec: a capability check gates read
// access to q.RootEntity and any row-level-security policies are ANDed
// into the query's filter, exactly as Query does. Unlike Query, the
// result carries no per-row fields to mask — an aggregate produces only
// scalar summaries, never entity data a field-security policy governs.
func (db *Database) Aggregate(ctx context.Context, sec *SecurityContext, q AggregateQuery) ([]AggregateResult, error) {
	connID, clientID := connectionIDs(sec)
	if err := db.requireCapability(sec, q.RootEntity, false); err != nil {
		_ = db.audit.Record(security.AuditEvent{ConnectionID: connID, ClientID: clientID, Entity: q.RootEntity, Operation: security.OpSelect, Allowed: false})
		return nil, err
	}

	rlsFilter, err := security.Compile(db.policies, sec, q.RootEntity, security.OpSelect)
	if err != nil {
		return nil, fmt.Errorf("quartzdb: compile row-level security: %w", err)
	}
	q.Filter = security.CombineFilters(q.Filter, rlsFilter)

	plan, err := db.plan.PlanAggregate(q)
	if err != nil {
		return nil, err
	}

	var result []AggregateResult
	err = db.kv.View(func(tx *bolt.Tx) error {
		var runErr error
		result, runErr = db.exec.Aggregate(tx, plan)
		return runErr
	})
	if err != nil {
		return nil, err
	}
	_ = db.audit.Record(security.AuditEvent{
		ConnectionID: connID, ClientID: clientID, Entity: q.RootEntity,
		Operation: security.OpSelect, Allowed: true, RlsApplied: rlsFilter != nil,
	})
	return result, nil
}

// maskRows applies each entity's field security configuration to rows in
// place (omitted fields are deleted from row.Fields), recurses into
// every resolved include using the relation's target entity, and
// returns the total number of fields masked or omitted across rows and
// their includes, for the audit log.
func (db *Database) maskRows(rows []Row, entityName string, sec *SecurityContext) (int, error) {
	def, err := db.cat.GetEntity(entityName)
	if err != nil {
		return 0, err
	}
	var masked int
	for i := range rows {
		for _, f := range def.Fields {
			v, ok := rows[i].Fields[f.Name]
			if !ok {
				continue
			}
			res := security.ProcessField(v, f.Security, sec)
			switch res.Kind {
			case security.FieldOmitted:
				delete(rows[i].Fields, f.Name)
				masked++
			case security.FieldMasked:
				rows[i].Fields[f.Name] = res.Value
				masked++
			}
		}
		for incPath, children := range rows[i].Includes {
			// incPath is the include's full dot path (e.g. "posts.comments"
			// for a nested include), not a bare relation name; only its
			// last segment names a relation on the current entity.
			rel, err := db.cat.GetRelation(lastPathSegment(incPath))
			if err != nil {
				continue // an include whose relation name doesn't resolve is left unmasked rather than failing the whole query
			}
			n, err := db.maskRows(children, rel.ToEntity, sec)
			if err != nil {
				return masked, err
			}
			masked += n
		}
	}
	return masked, nil
}

// lastPathSegment returns the portion of a dot-separated include path
// after its final ".", or the whole string if it has none.
func lastPathSegment(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// Mutate applies m under sec: a capability check gates write access to
// m.EntityName, and the mutation runs in its own bbolt write
// transaction (so a single insert/update/delete/upsert is atomic with
// its index, columnar, and changelog side effects; the stats counter is
// in memory and is not rolled back with it).
func (db *Database) Mutate(ctx context.Context, sec *SecurityContext, m Mutation) (UUID, error) {
	connID, clientID := connectionIDs(sec)
	op := mutationOperation(m.Kind)
	if err := db.requireCapability(sec, m.EntityName, true); err != nil {
		_ = db.audit.Record(security.AuditEvent{ConnectionID: connID, ClientID: clientID, Entity: m.EntityName, Operation: op, Allowed: false})
		return UUID{}, err
	}
	var id UUID
	err := db.kv.Update(func(tx *bolt.Tx) error {
		var execErr error
		id, execErr = db.mutator.Execute(tx, m)
		return execErr
	})
	_ = db.audit.Record(security.AuditEvent{ConnectionID: connID, ClientID: clientID, Entity: m.EntityName, Operation: op, Allowed: err == nil})
	return id, err
}

func mutationOperation(k ir.MutationKind) security.RlsOperation {
	switch k {
	case ir.MutInsert:
		return security.OpInsert
	case ir.MutUpdate, ir.MutUpsert:
		return security.OpUpdate
	case ir.MutDelete:
		return security.OpDelete
	default:
		return security.OpAll
	}
}

// MutateBatch is ExecuteBatch's Database-level counterpart: every
// mutation in muts runs within one write transaction, so either all of
// them commit or none do.
func (db *Database) MutateBatch(ctx context.Context, sec *SecurityContext, muts []Mutation) ([]UUID, error) {
	connID, clientID := connectionIDs(sec)
	for _, m := range muts {
		if err := db.requireCapability(sec, m.EntityName, true); err != nil {
			_ = db.audit.Record(security.AuditEvent{ConnectionID: connID, ClientID: clientID, Entity: m.EntityName, Operation: mutationOperation(m.Kind), Allowed: false})
			return nil, err
		}
	}
	var ids []UUID
	err := db.kv.Update(func(tx *bolt.Tx) error {
		var execErr error
		ids, execErr = db.mutator.ExecuteBatch(tx, muts)
		return execErr
	})
	for _, m := range muts {
		_ = db.audit.Record(security.AuditEvent{ConnectionID: connID, ClientID: clientID, Entity: m.EntityName, Operation: mutationOperation(m.Kind), Allowed: err == nil})
	}
	return ids, err
}
