package migration

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/quartzdb/quartzdb/internal/storage/kv"
	"github.com/quartzdb/quartzdb/internal/value"
)

// MigrationStatus is the overall lifecycle state of a migration run.
type MigrationStatus int

const (
	StatusPending MigrationStatus = iota
	StatusExpanding
	StatusBackfilling
	StatusContracting
	StatusComplete
	StatusFailed
	StatusRolledBack
)

func (s MigrationStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusExpanding:
		return "expanding"
	case StatusBackfilling:
		return "backfilling"
	case StatusContracting:
		return "contracting"
	case StatusComplete:
		return "complete"
	case StatusFailed:
		return "failed"
	case StatusRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether s will never transition further.
func (s MigrationStatus) IsTerminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusRolledBack
}

// StepStatus is the lifecycle state of a single plan step.
type StepStatus int

const (
	StepPending StepStatus = iota
	StepInProgress
	StepComplete
	StepFailed
	StepSkipped
)

func (s StepStatus) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepInProgress:
		return "in_progress"
	case StepComplete:
		return "complete"
	case StepFailed:
		return "failed"
	case StepSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// StepProgress tracks one plan step's execution, including enough to
// resume a crashed backfill step at LastProcessedID instead of restarting
// it from scratch.
type StepProgress struct {
	Index           int
	Status          StepStatus
	Processed       int64
	Total           int64
	LastProcessedID *value.UUID
	StartedAt       int64
	CompletedAt     int64
	Error           string
}

// PercentComplete returns 0-100; 100 when Total is unknown (0) and status
// is complete, 0 when Total is unknown and not yet complete.
func (p StepProgress) PercentComplete() float64 {
	if p.Total <= 0 {
		if p.Status == StepComplete {
			return 100
		}
		return 0
	}
	pct := float64(p.Processed) / float64(p.Total) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

func (p *StepProgress) Start(now int64) {
	p.Status = StepInProgress
	p.StartedAt = now
}

func (p *StepProgress) Complete(now int64) {
	p.Status = StepComplete
	p.CompletedAt = now
}

func (p *StepProgress) Fail(now int64, err error) {
	p.Status = StepFailed
	p.CompletedAt = now
	p.Error = err.Error()
}

func (p *StepProgress) Skip(now int64) {
	p.Status = StepSkipped
	p.CompletedAt = now
}

// MigrationState is the full persisted record of one migration run.
type MigrationState struct {
	ID           value.UUID
	FromVersion  uint64
	ToVersion    uint64
	Status       MigrationStatus
	CurrentStep  int
	StepProgress []StepProgress
	CreatedAt    int64
	UpdatedAt    int64
	Error        string
}

// NewMigrationState builds the initial Pending state for plan, one
// StepProgress entry per plan step in order.
func NewMigrationState(plan MigrationPlan, now int64) MigrationState {
	progress := make([]StepProgress, len(plan.Steps))
	for i := range progress {
		progress[i] = StepProgress{Index: i, Status: StepPending}
	}
	return MigrationState{
		ID:           plan.ID,
		FromVersion:  plan.FromVersion,
		ToVersion:    plan.ToVersion,
		Status:       StatusPending,
		StepProgress: progress,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// IsTerminal reports whether the migration has finished (successfully or
// not) and will not execute further steps.
func (s MigrationState) IsTerminal() bool { return s.Status.IsTerminal() }

// CanResume reports whether an executor may pick this migration back up
// after a restart: it must not be terminal, and it must have made it past
// Pending (a Pending migration with no in-flight step is just re-planned).
func (s MigrationState) CanResume() bool {
	return !s.IsTerminal() && s.Status != StatusPending
}

// PhaseForStep maps the status that corresponds to step's phase, used
// when transitioning CurrentStep forward.
func PhaseForStep(phase Phase) MigrationStatus {
	switch phase {
	case PhaseExpand:
		return StatusExpanding
	case PhaseBackfill:
		return StatusBackfilling
	case PhaseValidate:
		return StatusBackfilling // validation runs as part of the backfill window
	case PhaseContract:
		return StatusContracting
	default:
		return StatusPending
	}
}

// BackfillJobState is the crash-recoverable cursor for one backfill step's
// batched scan over an entity type, keyed by migration ID + step index so
// a resumed executor can pick the scan back up at LastProcessedID instead
// of reprocessing already-backfilled rows.
type BackfillJobState struct {
	MigrationID     value.UUID
	StepIndex       int
	EntityType      string
	LastProcessedID *value.UUID
	Processed       int64
	BatchSize       int
	UpdatedAt       int64
}

func migrationKey(id value.UUID) []byte { return id[:] }

func backfillKey(id value.UUID, stepIndex int) []byte {
	return []byte(fmt.Sprintf("%x:%d", id[:], stepIndex))
}

// SaveMigrationState persists state into kv.BucketMigration as JSON. The
// record is low-volume control-plane metadata (one write per phase
// transition and per step, not per mutated row), unlike the changelog's
// hot-path binary codec, so a plain encoding/json round trip is the
// idiomatic choice here rather than a bespoke binary format.
func SaveMigrationState(h *kv.Handle, state MigrationState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("migration: marshal state: %w", err)
	}
	return h.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(kv.BucketMigration)
		return b.Put(migrationKey(state.ID), data)
	})
}

// LoadMigrationState reads back a previously persisted MigrationState. It
// returns (state, true, nil) on success and (zero, false, nil) if no state
// is stored for id.
func LoadMigrationState(h *kv.Handle, id value.UUID) (MigrationState, bool, error) {
	var state MigrationState
	var found bool
	err := h.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(kv.BucketMigration)
		data := b.Get(migrationKey(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return MigrationState{}, false, fmt.Errorf("migration: load state: %w", err)
	}
	return state, found, nil
}

// ListMigrationStates returns every persisted MigrationState. ValidatePlan
// uses it to refuse a second non-terminal migration, and dbctl's migrate
// status lists it; no code path resumes a listed migration.
func ListMigrationStates(h *kv.Handle) ([]MigrationState, error) {
	var states []MigrationState
	err := h.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(kv.BucketMigration)
		return b.ForEach(func(k, v []byte) error {
			var s MigrationState
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			states = append(states, s)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("migration: list states: %w", err)
	}
	return states, nil
}

// SaveBackfillJobState persists job into kv.BucketBackfill.
func SaveBackfillJobState(h *kv.Handle, job BackfillJobState) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("migration: marshal backfill job: %w", err)
	}
	key := backfillKey(job.MigrationID, job.StepIndex)
	return h.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(kv.BucketBackfill)
		return b.Put(key, data)
	})
}

// LoadBackfillJobState reads back a job's persisted cursor, if any.
func LoadBackfillJobState(h *kv.Handle, migrationID value.UUID, stepIndex int) (BackfillJobState, bool, error) {
	var job BackfillJobState
	var found bool
	key := backfillKey(migrationID, stepIndex)
	err := h.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(kv.BucketBackfill)
		data := b.Get(key)
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return BackfillJobState{}, false, fmt.Errorf("migration: load backfill job: %w", err)
	}
	return job, found, nil
}
