package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	bolt "go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/quartzdb/quartzdb/internal/catalog"
	"github.com/quartzdb/quartzdb/internal/idgen"
	"github.com/quartzdb/quartzdb/internal/storage/index"
	"github.com/quartzdb/quartzdb/internal/storage/kv"
	"github.com/quartzdb/quartzdb/internal/storage/rowstore"
	"github.com/quartzdb/quartzdb/internal/telemetry"
	"github.com/quartzdb/quartzdb/internal/value"
)

// migrationTracer is the OTel tracer for migration execution spans. It uses
// the global provider, which is a no-op until telemetry.Init() is called.
var migrationTracer = telemetry.Tracer("github.com/quartzdb/quartzdb/migration")

// migrationMetrics holds OTel metric instruments for the migration engine.
// Instruments are registered against the global delegating provider at init
// time, so they automatically forward to the real provider once
// telemetry.Init() runs.
var migrationMetrics struct {
	stepsRun    metric.Int64Counter
	stepsFailed metric.Int64Counter
	rowsTouched metric.Int64Counter
	stepMs      metric.Float64Histogram
}

func init() {
	m := telemetry.Meter("github.com/quartzdb/quartzdb/migration")
	migrationMetrics.stepsRun, _ = m.Int64Counter("quartzdb.migration.steps_run",
		metric.WithDescription("migration steps executed"), metric.WithUnit("{step}"))
	migrationMetrics.stepsFailed, _ = m.Int64Counter("quartzdb.migration.steps_failed",
		metric.WithDescription("migration steps that returned an error"), metric.WithUnit("{step}"))
	migrationMetrics.rowsTouched, _ = m.Int64Counter("quartzdb.migration.rows_touched",
		metric.WithDescription("rows written by backfill steps"), metric.WithUnit("{row}"))
	migrationMetrics.stepMs, _ = m.Float64Histogram("quartzdb.migration.step.duration",
		metric.WithDescription("migration step duration"), metric.WithUnit("ms"))
}

// endSpan records an error (if any) and ends the span.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

var (
	// ErrNoChanges is returned by Plan when from and to are identical.
	ErrNoChanges = errors.New("migration: schemas are identical, nothing to migrate")
	// ErrMigrationActive is returned when another migration is already
	// in a non-terminal state; only one migration may run at a time.
	ErrMigrationActive = errors.New("migration: another migration is already in progress")
	// ErrDestructiveNotAllowed is returned when a grade-D plan is
	// executed without Config.AllowDestructive.
	ErrDestructiveNotAllowed = errors.New("migration: plan contains destructive (grade D) changes; set AllowDestructive to proceed")
	// ErrCannotRollback is returned by Rollback once a migration has
	// entered its contract phase: contract steps drop old columns and
	// indexes, which cannot be undone from the surviving row data.
	ErrCannotRollback = errors.New("migration: cannot roll back a migration that has entered its contract phase")
	// ErrMigrationNotFound is returned by Rollback when id names no
	// persisted migration state.
	ErrMigrationNotFound = errors.New("migration: no state found for migration id")
)

// Config controls how Executor.Execute runs a plan.
type Config struct {
	// AllowDestructive must be set to execute a grade-D plan.
	AllowDestructive bool
	// DryRun validates the plan and walks its steps without executing
	// any: the returned state records each step as started and skipped,
	// and nothing is persisted.
	DryRun bool
	// BatchSize bounds how many rows a single backfill transaction
	// processes before committing and checkpointing progress.
	BatchSize int
	// BatchConcurrency bounds how many rows within one batch are
	// decoded/transformed concurrently before the (serialized) write.
	BatchConcurrency int
}

func (c Config) batchSize() int {
	if c.BatchSize <= 0 {
		return 500
	}
	return c.BatchSize
}

func (c Config) batchConcurrency() int {
	if c.BatchConcurrency <= 0 {
		return 4
	}
	return c.BatchConcurrency
}

// Executor orchestrates diffing, grading, planning, and running schema
// migrations against a live store.
type Executor struct {
	kv      *kv.Handle
	rows    *rowstore.Store
	hashIdx *index.HashIndex
	ids     *idgen.Generator
	log     *slog.Logger
}

func NewExecutor(h *kv.Handle, rows *rowstore.Store, hashIdx *index.HashIndex, ids *idgen.Generator, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{kv: h, rows: rows, hashIdx: hashIdx, ids: ids, log: log}
}

// Plan computes the diff between from and to, grades it, and builds the
// ordered step plan. It returns ErrNoChanges if the two bundles are
// identical.
func (e *Executor) Plan(from, to *catalog.Bundle, now int64) (MigrationPlan, error) {
	diff := ComputeDiff(from, to)
	if diff.IsEmpty() {
		return MigrationPlan{}, ErrNoChanges
	}
	grade := Grade(diff)
	return PlanFromDiff(e.ids, diff, grade, now), nil
}

// ValidatePlan checks preconditions that must hold before plan may run:
// no other migration is active, and destructive plans are explicitly
// allowed.
func (e *Executor) ValidatePlan(plan MigrationPlan, cfg Config) error {
	states, err := ListMigrationStates(e.kv)
	if err != nil {
		return err
	}
	for _, s := range states {
		if s.ID != plan.ID && !s.IsTerminal() {
			return fmt.Errorf("%w: %x is %s", ErrMigrationActive, s.ID[:4], s.Status)
		}
	}
	if plan.Grade.OverallGrade == GradeD && !cfg.AllowDestructive {
		return ErrDestructiveNotAllowed
	}
	return nil
}

// Rollback abandons a non-terminal migration in its Expand or Backfill
// phase: expand-phase changes are purely additive (new optional fields,
// new indexes) and backfill only populates them, so marking the
// migration StatusRolledBack and leaving the new schema elements unused
// is safe. A migration that has reached PhaseContract has already
// dropped the old representation of a changed field and cannot be
// reverted from row data alone, so Rollback refuses once the migration's
// status is Contracting, which Execute sets as the first contract step
// starts.
func (e *Executor) Rollback(id value.UUID, now int64) (MigrationState, error) {
	state, found, err := LoadMigrationState(e.kv, id)
	if err != nil {
		return MigrationState{}, err
	}
	if !found {
		return MigrationState{}, fmt.Errorf("%w: %x", ErrMigrationNotFound, id[:4])
	}
	if state.IsTerminal() {
		return state, fmt.Errorf("migration: %x is already %s", id[:4], state.Status)
	}
	if state.Status == StatusContracting {
		return state, ErrCannotRollback
	}
	state.Status = StatusRolledBack
	state.UpdatedAt = now
	if err := SaveMigrationState(e.kv, state); err != nil {
		return MigrationState{}, err
	}
	return state, nil
}

// Execute validates and runs plan's steps in order, persisting
// MigrationState after every phase transition and step completion. It
// always starts at the plan's first step: nothing in this package resumes
// a persisted migration from its CurrentStep, and only a backfill step's
// BackfillJobState cursor carries over when the same plan is executed
// again. now supplies the current
// time (unix nanoseconds) since the package never calls time.Now itself.
func (e *Executor) Execute(ctx context.Context, plan MigrationPlan, cfg Config, now func() int64) (MigrationState, error) {
	ctx, span := migrationTracer.Start(ctx, "migration.execute", trace.WithAttributes(
		attribute.Int64("quartzdb.migration.from_version", int64(plan.FromVersion)),
		attribute.Int64("quartzdb.migration.to_version", int64(plan.ToVersion)),
		attribute.Int("quartzdb.migration.step_count", plan.StepCount()),
		attribute.Bool("quartzdb.migration.dry_run", cfg.DryRun),
	))
	var execErr error
	defer func() { endSpan(span, execErr) }()

	if err := e.ValidatePlan(plan, cfg); err != nil {
		execErr = err
		return MigrationState{}, err
	}

	state := NewMigrationState(plan, now())
	if cfg.DryRun {
		for i := range plan.Steps {
			state.CurrentStep = i
			state.StepProgress[i].Start(now())
			state.StepProgress[i].Skip(now())
		}
		state.UpdatedAt = now()
		e.log.Info("migration: dry run, not executing", "migration_id", fmt.Sprintf("%x", plan.ID[:4]), "steps", len(plan.Steps))
		return state, nil
	}

	if err := SaveMigrationState(e.kv, state); err != nil {
		return state, err
	}

	for i, step := range plan.Steps {
		select {
		case <-ctx.Done():
			state.Status = StatusFailed
			state.Error = ctx.Err().Error()
			_ = SaveMigrationState(e.kv, state)
			execErr = ctx.Err()
			return state, execErr
		default:
		}

		phaseStatus := PhaseForStep(step.Phase)
		if state.Status != phaseStatus {
			state.Status = phaseStatus
		}
		state.CurrentStep = i
		state.UpdatedAt = now()
		progress := &state.StepProgress[i]
		progress.Start(now())
		if err := SaveMigrationState(e.kv, state); err != nil {
			return state, err
		}

		if err := e.executeStep(ctx, plan.ID, i, step, cfg); err != nil {
			progress.Fail(now(), err)
			state.Status = StatusFailed
			state.Error = err.Error()
			state.UpdatedAt = now()
			_ = SaveMigrationState(e.kv, state)
			execErr = fmt.Errorf("migration: step %d (%s/%s): %w", i, step.Phase, describeStepKind(step.Kind), err)
			return state, execErr
		}

		progress.Complete(now())
		state.UpdatedAt = now()
		if err := SaveMigrationState(e.kv, state); err != nil {
			return state, err
		}
	}

	state.Status = StatusComplete
	state.UpdatedAt = now()
	if err := SaveMigrationState(e.kv, state); err != nil {
		return state, err
	}
	return state, nil
}

func describeStepKind(k StepKind) string {
	switch k {
	case StepAddEntity:
		return "add_entity"
	case StepAddField:
		return "add_field"
	case StepAddRelation:
		return "add_relation"
	case StepAddConstraint:
		return "add_constraint"
	case StepCreateIndex:
		return "create_index"
	case StepPopulateDefault:
		return "populate_default"
	case StepPopulateNullsWithDefault:
		return "populate_nulls_with_default"
	case StepTransformField:
		return "transform_field"
	case StepBuildIndex:
		return "build_index"
	case StepCheckConstraint:
		return "check_constraint"
	case StepCheckDataIntegrity:
		return "check_data_integrity"
	case StepRemoveConstraint:
		return "remove_constraint"
	case StepRemoveRelation:
		return "remove_relation"
	case StepRemoveField:
		return "remove_field"
	case StepRemoveIndex:
		return "remove_index"
	case StepRemoveEntity:
		return "remove_entity"
	case StepEnforceConstraint:
		return "enforce_constraint"
	default:
		return "unknown"
	}
}

// executeStep dispatches a single step to its implementation. Pure
// schema-bookkeeping steps (entity/field/relation/constraint add or
// remove) are no-ops here: the catalog.Bundle swap that accompanies a
// migration already makes the new schema visible, and quartzdb's
// entities are stored as dynamic (name, value) field lists rather than
// fixed SQL columns, so adding or removing a field needs no storage-side
// DDL. Only the steps that touch existing row data or index storage —
// backfill, index population, and index removal — do real work.
func (e *Executor) executeStep(ctx context.Context, migrationID value.UUID, stepIndex int, step Step, cfg Config) error {
	ctx, span := migrationTracer.Start(ctx, "migration.step", trace.WithAttributes(
		attribute.String("quartzdb.migration.step.kind", describeStepKind(step.Kind)),
		attribute.String("quartzdb.migration.step.entity", step.EntityName),
		attribute.Int("quartzdb.migration.step.index", stepIndex),
	))
	start := time.Now()
	err := e.dispatchStep(ctx, migrationID, stepIndex, step, cfg)
	migrationMetrics.stepMs.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("quartzdb.migration.step.kind", describeStepKind(step.Kind))))
	migrationMetrics.stepsRun.Add(ctx, 1)
	if err != nil {
		migrationMetrics.stepsFailed.Add(ctx, 1)
	}
	endSpan(span, err)
	return err
}

// dispatchStep implements the actual per-kind behavior; executeStep wraps
// it with tracing and metrics.
func (e *Executor) dispatchStep(ctx context.Context, migrationID value.UUID, stepIndex int, step Step, cfg Config) error {
	switch step.Kind {
	case StepAddEntity, StepAddField, StepAddRelation, StepAddConstraint,
		StepCheckConstraint, StepCheckDataIntegrity,
		StepRemoveConstraint, StepRemoveRelation, StepRemoveField, StepRemoveEntity,
		StepEnforceConstraint:
		return nil

	case StepCreateIndex:
		return e.runWithRetry(ctx, func() error {
			return e.backfillHashIndex(step.EntityName, step.FieldName, cfg)
		})

	case StepBuildIndex:
		if step.Constraint == nil {
			return nil
		}
		switch {
		case len(step.Constraint.UniqueFields) == 1:
			return e.runWithRetry(ctx, func() error {
				return e.backfillHashIndex(step.EntityName, step.Constraint.UniqueFields[0], cfg)
			})
		case step.Constraint.FKField != "":
			return e.runWithRetry(ctx, func() error {
				return e.backfillHashIndex(step.EntityName, step.Constraint.FKField, cfg)
			})
		default:
			return nil
		}

	case StepRemoveIndex:
		return e.kv.Update(func(tx *bolt.Tx) error {
			return e.hashIdx.DropColumnIndex(tx, step.EntityName, step.FieldName)
		})

	case StepPopulateDefault:
		return e.backfillField(ctx, migrationID, stepIndex, step.EntityName, step.FieldName, cfg, func(fields []value.Field) ([]value.Field, bool) {
			return setFieldIfAbsent(fields, step.FieldName, step.DefaultValue)
		})

	case StepPopulateNullsWithDefault:
		return e.backfillField(ctx, migrationID, stepIndex, step.EntityName, step.FieldName, cfg, func(fields []value.Field) ([]value.Field, bool) {
			return replaceFieldIfNull(fields, step.FieldName, step.DefaultValue)
		})

	case StepTransformField:
		if step.Transform == nil {
			return nil
		}
		return e.backfillField(ctx, migrationID, stepIndex, step.EntityName, step.FieldName, cfg, func(fields []value.Field) ([]value.Field, bool) {
			return transformField(fields, step.FieldName, *step.Transform)
		})

	default:
		return fmt.Errorf("migration: unhandled step kind %d", step.Kind)
	}
}

func (e *Executor) runWithRetry(ctx context.Context, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	return backoff.Retry(func() error {
		if err := fn(); err != nil {
			if errors.Is(err, bolt.ErrTimeout) || errors.Is(err, bolt.ErrDatabaseNotOpen) {
				return err // retryable
			}
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

// backfillHashIndex builds a hash index for (entityType, column) from the
// live rows currently stored for entityType.
func (e *Executor) backfillHashIndex(entityType, column string, cfg Config) error {
	return e.kv.Update(func(tx *bolt.Tx) error {
		var pairs []index.ValueID
		if err := e.rows.ScanEntityType(tx, entityType, func(id value.UUID, _ int64, rec rowstore.Record) error {
			if rec.Deleted {
				return nil
			}
			fields, err := value.DecodeEntity(rec.Payload)
			if err != nil {
				return err
			}
			for _, f := range fields {
				if f.Name == column {
					pairs = append(pairs, index.ValueID{Value: f.Value, ID: id})
					break
				}
			}
			return nil
		}); err != nil {
			return err
		}
		_, err := e.hashIdx.BuildForColumn(tx, entityType, column, pairs)
		return err
	})
}

// backfillField scans entityType's live rows in batches of cfg.BatchSize,
// applies transform to each row's decoded field list (transform reports
// whether the row actually changed), and writes changed rows back as a
// new version. Progress is checkpointed via BackfillJobState after every
// batch so a crashed run resumes at the last processed id instead of
// rescanning from the start.
func (e *Executor) backfillField(ctx context.Context, migrationID value.UUID, stepIndex int, entityType, fieldName string, cfg Config, transform func([]value.Field) ([]value.Field, bool)) error {
	job, found, err := LoadBackfillJobState(e.kv, migrationID, stepIndex)
	if !found {
		job = BackfillJobState{MigrationID: migrationID, StepIndex: stepIndex, EntityType: entityType, BatchSize: cfg.batchSize()}
	}
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, lastID, err := e.backfillBatch(ctx, entityType, fieldName, job.LastProcessedID, cfg, transform)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		job.Processed += int64(n)
		job.LastProcessedID = lastID
		if err := SaveBackfillJobState(e.kv, job); err != nil {
			return err
		}
		if n < cfg.batchSize() {
			return nil
		}
	}
}

type rowUpdate struct {
	id      value.UUID
	payload []byte
}

// backfillBatch processes up to cfg.batchSize() rows of entityType whose
// id sorts after resumeAfter (in type-index order), decoding/transforming
// concurrently and writing the changed ones in a single transaction.
func (e *Executor) backfillBatch(ctx context.Context, entityType, fieldName string, resumeAfter *value.UUID, cfg Config, transform func([]value.Field) ([]value.Field, bool)) (int, *value.UUID, error) {
	type scanned struct {
		id  value.UUID
		vt  int64
		rec rowstore.Record
	}
	var batch []scanned
	skip := resumeAfter != nil
	limit := cfg.batchSize()

	err := e.kv.View(func(tx *bolt.Tx) error {
		return e.rows.ScanEntityType(tx, entityType, func(id value.UUID, vt int64, rec rowstore.Record) error {
			if skip {
				if id == *resumeAfter {
					skip = false
				}
				return nil
			}
			if len(batch) >= limit {
				return errScanLimitReached
			}
			batch = append(batch, scanned{id: id, vt: vt, rec: rec})
			return nil
		})
	})
	if err != nil && !errors.Is(err, errScanLimitReached) {
		return 0, nil, err
	}
	if len(batch) == 0 {
		return 0, resumeAfter, nil
	}

	updates := make([]*rowUpdate, len(batch))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(cfg.batchConcurrency())
	for i, row := range batch {
		i, row := i, row
		g.Go(func() error {
			if row.rec.Deleted {
				return nil
			}
			fields, err := value.DecodeEntity(row.rec.Payload)
			if err != nil {
				return fmt.Errorf("decode %x: %w", row.id, err)
			}
			newFields, changed := transform(fields)
			if !changed {
				return nil
			}
			updates[i] = &rowUpdate{id: row.id, payload: value.EncodeEntity(newFields)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, nil, err
	}

	touched := 0
	if err := e.kv.Update(func(tx *bolt.Tx) error {
		for i, u := range updates {
			if u == nil {
				continue
			}
			key := rowstore.Key{EntityID: u.id, VersionTS: batch[i].vt + 1}
			if err := e.rows.PutTyped(tx, entityType, key, rowstore.Record{Payload: u.payload}); err != nil {
				return err
			}
			touched++
		}
		return nil
	}); err != nil {
		return 0, nil, err
	}
	if touched > 0 {
		migrationMetrics.rowsTouched.Add(ctx, int64(touched), metric.WithAttributes(
			attribute.String("quartzdb.migration.entity", entityType),
			attribute.String("quartzdb.migration.field", fieldName),
		))
	}

	last := batch[len(batch)-1].id
	return len(batch), &last, nil
}

var errScanLimitReached = errors.New("migration: batch limit reached")

func setFieldIfAbsent(fields []value.Field, name string, def value.Value) ([]value.Field, bool) {
	for _, f := range fields {
		if f.Name == name {
			return fields, false
		}
	}
	return append(fields, value.Field{Name: name, Value: def}), true
}

func replaceFieldIfNull(fields []value.Field, name string, def value.Value) ([]value.Field, bool) {
	for i, f := range fields {
		if f.Name == name {
			if !f.Value.IsNull() {
				return fields, false
			}
			fields[i].Value = def
			return fields, true
		}
	}
	return append(fields, value.Field{Name: name, Value: def}), true
}

func transformField(fields []value.Field, name string, t FieldTransform) ([]value.Field, bool) {
	for i, f := range fields {
		if f.Name != name {
			continue
		}
		converted, ok := castScalar(f.Value, t.FromScalar, t.ToScalar)
		if !ok {
			return fields, false
		}
		fields[i].Value = converted
		return fields, true
	}
	return fields, false
}

// castScalar performs the numeric widening conversions gradeTypeChange
// classifies as safe (Grade B). Anything else is reported as not-applied
// rather than silently truncating data.
func castScalar(v value.Value, from, to catalog.ScalarType) (value.Value, bool) {
	if v.IsNull() {
		return v, false
	}
	switch {
	case from == catalog.ScalarInt32 && to == catalog.ScalarInt64:
		return value.Int64(int64(v.I32)), true
	case from == catalog.ScalarFloat32 && to == catalog.ScalarFloat64:
		return value.Float64(float64(v.F32)), true
	case from == catalog.ScalarInt32 && to == catalog.ScalarFloat64:
		return value.Float64(float64(v.I32)), true
	case from == catalog.ScalarInt64 && to == catalog.ScalarFloat64:
		return value.Float64(float64(v.I64)), true
	default:
		return v, false
	}
}
