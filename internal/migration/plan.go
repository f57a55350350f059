package migration

import (
	"github.com/quartzdb/quartzdb/internal/catalog"
	"github.com/quartzdb/quartzdb/internal/idgen"
	"github.com/quartzdb/quartzdb/internal/value"
)

// Phase names the four stages a migration runs through in order.
type Phase int

const (
	PhaseExpand Phase = iota
	PhaseBackfill
	PhaseValidate
	PhaseContract
)

func (p Phase) String() string {
	switch p {
	case PhaseExpand:
		return "expand"
	case PhaseBackfill:
		return "backfill"
	case PhaseValidate:
		return "validate"
	case PhaseContract:
		return "contract"
	default:
		return "unknown"
	}
}

// StepKind tags a Step's variant within its phase.
type StepKind int

const (
	StepAddEntity StepKind = iota
	StepAddField
	StepAddRelation
	StepAddConstraint
	StepCreateIndex

	StepPopulateDefault
	StepPopulateNullsWithDefault
	StepTransformField
	StepBuildIndex

	StepCheckConstraint
	StepCheckDataIntegrity

	StepRemoveConstraint
	StepRemoveRelation
	StepRemoveField
	StepRemoveIndex
	StepRemoveEntity
	StepEnforceConstraint
)

// Step is one unit of work within a MigrationPlan. Only the fields
// relevant to Kind are populated.
type Step struct {
	Phase Phase
	Kind  StepKind

	EntityName     string
	FieldName      string
	ConstraintName string
	RelationName   string

	Entity     *catalog.EntityDef
	Field      *catalog.FieldDef
	Relation   *catalog.RelationDef
	Constraint *catalog.ConstraintDef

	DefaultValue value.Value // PopulateDefault
	Deferred     bool        // AddConstraint: enforcement postponed to contract phase
	Transform    *FieldTransform
}

// FieldTransform describes an in-place value conversion backfill must
// apply to every existing row of a field whose type changed.
type FieldTransform struct {
	FromScalar catalog.ScalarType
	ToScalar   catalog.ScalarType
}

// MigrationPlan is the ordered, fully-resolved set of steps needed to
// bring a schema from FromVersion to ToVersion.
type MigrationPlan struct {
	ID          value.UUID
	FromVersion uint64
	ToVersion   uint64
	Grade       MigrationGrade
	Steps       []Step
	CreatedAt   int64 // unix nanoseconds
}

func (p MigrationPlan) StepCount() int { return len(p.Steps) }
func (p MigrationPlan) IsEmpty() bool  { return len(p.Steps) == 0 }

func (p MigrationPlan) StepsInPhase(phase Phase) []Step {
	var out []Step
	for _, s := range p.Steps {
		if s.Phase == phase {
			out = append(out, s)
		}
	}
	return out
}

// GeneratePlan computes the diff between from and to, grades it, and
// builds the ordered step sequence. now is the creation timestamp (unix
// nanoseconds); callers supply it since time.Now is off-limits inside
// deterministic planning code paths exercised by tests.
func GeneratePlan(ids *idgen.Generator, from, to *catalog.Bundle, now int64) MigrationPlan {
	diff := ComputeDiff(from, to)
	grade := Grade(diff)
	return PlanFromDiff(ids, diff, grade, now)
}

// PlanFromDiff builds a plan from an already-computed diff and grade,
// useful when a caller wants to inspect or override the grade before
// planning (e.g. forcing allow_destructive bookkeeping upstream).
func PlanFromDiff(ids *idgen.Generator, diff SchemaDiff, grade MigrationGrade, now int64) MigrationPlan {
	var steps []Step
	steps = append(steps, generateExpandSteps(diff)...)
	steps = append(steps, generateBackfillSteps(diff)...)
	steps = append(steps, generateValidateSteps(diff)...)
	steps = append(steps, generateContractSteps(diff)...)

	return MigrationPlan{
		ID:          ids.Generate(),
		FromVersion: diff.FromVersion,
		ToVersion:   diff.ToVersion,
		Grade:       grade,
		Steps:       steps,
		CreatedAt:   now,
	}
}

func generateExpandSteps(diff SchemaDiff) []Step {
	var steps []Step

	for _, c := range diff.EntityChanges {
		if c.Kind == EntityAdded {
			steps = append(steps, Step{Phase: PhaseExpand, Kind: StepAddEntity, EntityName: c.EntityName, Entity: c.Entity})
		}
	}
	for _, c := range diff.EntityChanges {
		if c.Kind != EntityModified {
			continue
		}
		for _, fc := range c.FieldChanges {
			if fc.Kind == FieldAdded {
				steps = append(steps, Step{Phase: PhaseExpand, Kind: StepAddField, EntityName: c.EntityName, FieldName: fc.FieldName, Field: fc.Field})
			}
			if fc.Kind == FieldIndexChanged && fc.ToIndexed {
				steps = append(steps, Step{Phase: PhaseExpand, Kind: StepCreateIndex, EntityName: c.EntityName, FieldName: fc.FieldName})
			}
		}
	}
	for _, c := range diff.RelationChanges {
		if c.Kind == RelationAdded {
			steps = append(steps, Step{Phase: PhaseExpand, Kind: StepAddRelation, RelationName: c.RelationName, Relation: c.Relation})
		}
	}
	for _, c := range diff.ConstraintChanges {
		if c.Kind == ConstraintAdded {
			steps = append(steps, Step{
				Phase: PhaseExpand, Kind: StepAddConstraint, ConstraintName: c.ConstraintName,
				Constraint: c.Constraint, Deferred: constraintNeedsBackfill(c.Constraint),
			})
		}
	}

	return steps
}

func generateBackfillSteps(diff SchemaDiff) []Step {
	var steps []Step

	for _, c := range diff.EntityChanges {
		if c.Kind != EntityModified {
			continue
		}
		for _, fc := range c.FieldChanges {
			switch {
			case fc.Kind == FieldAdded && fc.Field.Required && fc.Field.Default != nil:
				steps = append(steps, Step{
					Phase: PhaseBackfill, Kind: StepPopulateDefault,
					EntityName: c.EntityName, FieldName: fc.FieldName, DefaultValue: *fc.Field.Default,
				})
			case fc.Kind == FieldRequiredChanged && fc.ToRequired && fc.HasDefault:
				steps = append(steps, Step{
					Phase: PhaseBackfill, Kind: StepPopulateNullsWithDefault,
					EntityName: c.EntityName, FieldName: fc.FieldName, DefaultValue: *fc.ToDefault,
				})
			case fc.Kind == FieldTypeChanged:
				if t := typeTransform(fc.FromKind, fc.FromScalar, fc.ToKind, fc.ToScalar); t != nil {
					steps = append(steps, Step{Phase: PhaseBackfill, Kind: StepTransformField, EntityName: c.EntityName, FieldName: fc.FieldName, Transform: t})
				}
			}
		}
	}

	for _, c := range diff.ConstraintChanges {
		if c.Kind == ConstraintAdded && constraintNeedsBackfill(c.Constraint) {
			steps = append(steps, Step{
				Phase: PhaseBackfill, Kind: StepBuildIndex,
				EntityName: c.Constraint.Entity, ConstraintName: c.ConstraintName, Constraint: c.Constraint,
			})
		}
	}

	return steps
}

func typeTransform(fromKind catalog.FieldKind, fromScalar catalog.ScalarType, toKind catalog.FieldKind, toScalar catalog.ScalarType) *FieldTransform {
	if fromKind != toKind {
		return nil
	}
	if widensTo(fromScalar, toScalar) {
		return &FieldTransform{FromScalar: fromScalar, ToScalar: toScalar}
	}
	return nil
}

func generateValidateSteps(diff SchemaDiff) []Step {
	var steps []Step

	for _, c := range diff.ConstraintChanges {
		if c.Kind == ConstraintAdded {
			steps = append(steps, Step{Phase: PhaseValidate, Kind: StepCheckConstraint, ConstraintName: c.ConstraintName})
		}
	}
	for _, c := range diff.EntityChanges {
		if c.Kind == EntityModified {
			steps = append(steps, Step{Phase: PhaseValidate, Kind: StepCheckDataIntegrity, EntityName: c.EntityName})
		}
	}

	return steps
}

func generateContractSteps(diff SchemaDiff) []Step {
	var steps []Step

	for _, c := range diff.ConstraintChanges {
		if c.Kind == ConstraintRemoved {
			steps = append(steps, Step{Phase: PhaseContract, Kind: StepRemoveConstraint, ConstraintName: c.ConstraintName})
		}
	}
	for _, c := range diff.RelationChanges {
		if c.Kind == RelationRemoved {
			steps = append(steps, Step{Phase: PhaseContract, Kind: StepRemoveRelation, RelationName: c.RelationName})
		}
	}
	for _, c := range diff.EntityChanges {
		if c.Kind != EntityModified {
			continue
		}
		for _, fc := range c.FieldChanges {
			if fc.Kind == FieldRemoved {
				steps = append(steps, Step{Phase: PhaseContract, Kind: StepRemoveField, EntityName: c.EntityName, FieldName: fc.FieldName})
			}
			if fc.Kind == FieldIndexChanged && !fc.ToIndexed {
				steps = append(steps, Step{Phase: PhaseContract, Kind: StepRemoveIndex, EntityName: c.EntityName, FieldName: fc.FieldName})
			}
		}
	}
	for _, c := range diff.EntityChanges {
		if c.Kind == EntityRemoved {
			steps = append(steps, Step{Phase: PhaseContract, Kind: StepRemoveEntity, EntityName: c.EntityName})
		}
	}
	for _, c := range diff.ConstraintChanges {
		if c.Kind == ConstraintAdded && constraintNeedsBackfill(c.Constraint) {
			steps = append(steps, Step{Phase: PhaseContract, Kind: StepEnforceConstraint, ConstraintName: c.ConstraintName})
		}
	}

	return steps
}
