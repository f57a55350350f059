package migration

import "github.com/quartzdb/quartzdb/internal/catalog"

// SafetyGrade ranks how disruptive a change is to run online. Grades are
// ordered A < B < C < D; an overall grade is the max across every change
// in a diff.
type SafetyGrade int

const (
	GradeA SafetyGrade = iota // non-breaking, runs immediately
	GradeB                    // safe, but needs a background backfill
	GradeC                    // needs data migration/validation before it's safe
	GradeD                    // destructive; blocked unless explicitly allowed
)

func (g SafetyGrade) String() string {
	switch g {
	case GradeA:
		return "A"
	case GradeB:
		return "B"
	case GradeC:
		return "C"
	case GradeD:
		return "D"
	default:
		return "unknown"
	}
}

// ChangeGrade is the graded outcome for one change within a diff.
type ChangeGrade struct {
	Grade                 SafetyGrade
	Description           string
	Reasoning             string
	RequiresBackfill      bool
	RequiresDataMigration bool
}

// MigrationGrade is the complete grading result for a diff.
type MigrationGrade struct {
	OverallGrade    SafetyGrade
	ChangeGrades    []ChangeGrade
	BlockingChanges []ChangeGrade // grade C or D
	Warnings        []string
}

func (g MigrationGrade) RequiresBackfill() bool {
	for _, cg := range g.ChangeGrades {
		if cg.RequiresBackfill {
			return true
		}
	}
	return false
}

func (g MigrationGrade) RequiresDataMigration() bool {
	for _, cg := range g.ChangeGrades {
		if cg.RequiresDataMigration {
			return true
		}
	}
	return false
}

// CanRunOnline reports whether the migration can proceed without a
// separate offline/destructive-allowed step (grade B or below).
func (g MigrationGrade) CanRunOnline() bool {
	return g.OverallGrade <= GradeB
}

// Grade computes the safety grade of every change in diff and rolls them
// up into an overall MigrationGrade.
func Grade(diff SchemaDiff) MigrationGrade {
	var changeGrades []ChangeGrade
	overall := GradeA

	for _, c := range diff.EntityChanges {
		cg := gradeEntityChange(c)
		if cg.Grade > overall {
			overall = cg.Grade
		}
		changeGrades = append(changeGrades, cg)
	}
	for _, c := range diff.RelationChanges {
		cg := gradeRelationChange(c)
		if cg.Grade > overall {
			overall = cg.Grade
		}
		changeGrades = append(changeGrades, cg)
	}
	for _, c := range diff.ConstraintChanges {
		cg := gradeConstraintChange(c)
		if cg.Grade > overall {
			overall = cg.Grade
		}
		changeGrades = append(changeGrades, cg)
	}

	var blocking []ChangeGrade
	for _, cg := range changeGrades {
		if cg.Grade >= GradeC {
			blocking = append(blocking, cg)
		}
	}

	return MigrationGrade{
		OverallGrade:    overall,
		ChangeGrades:    changeGrades,
		BlockingChanges: blocking,
		Warnings:        generateWarnings(changeGrades),
	}
}

func generateWarnings(grades []ChangeGrade) []string {
	var warnings []string
	for _, g := range grades {
		if g.Grade == GradeD {
			warnings = append(warnings, "destructive change requires allow_destructive: "+g.Description)
		}
	}
	return warnings
}

func gradeEntityChange(c EntityChange) ChangeGrade {
	switch c.Kind {
	case EntityAdded:
		return ChangeGrade{Grade: GradeA, Description: "add entity " + c.EntityName, Reasoning: "adding new entities is non-breaking"}
	case EntityRemoved:
		return ChangeGrade{Grade: GradeD, Description: "remove entity " + c.EntityName, Reasoning: "removing entities destroys data and breaks clients", RequiresDataMigration: true}
	default:
		if c.IdentityChanged != nil {
			return ChangeGrade{
				Grade: GradeD, Description: "change identity field of " + c.EntityName,
				Reasoning: "changing identity field breaks referential integrity", RequiresDataMigration: true,
			}
		}
		if c.LifecycleChanged != nil {
			if lg := gradeLifecycleChange(c.EntityName, *c.LifecycleChanged); lg.Grade >= GradeC {
				return lg
			}
		}

		max := ChangeGrade{Grade: GradeA, Description: "modify entity " + c.EntityName, Reasoning: "minor changes to entity"}
		for _, fc := range c.FieldChanges {
			fg := gradeFieldChange(c.EntityName, fc)
			if fg.Grade > max.Grade {
				max = fg
			}
		}
		return max
	}
}

func gradeFieldChange(entity string, c FieldChange) ChangeGrade {
	switch c.Kind {
	case FieldAdded:
		f := c.Field
		switch {
		case !f.Required:
			return ChangeGrade{Grade: GradeA, Description: "add optional field " + entity + "." + f.Name, Reasoning: "optional fields don't affect existing data"}
		case f.Default != nil:
			return ChangeGrade{Grade: GradeB, Description: "add required field " + entity + "." + f.Name + " with default", Reasoning: "requires background backfill to populate defaults", RequiresBackfill: true}
		default:
			return ChangeGrade{Grade: GradeD, Description: "add required field " + entity + "." + f.Name + " without default", Reasoning: "cannot add required field without default to existing data", RequiresDataMigration: true}
		}

	case FieldRemoved:
		return ChangeGrade{Grade: GradeD, Description: "remove field " + entity + "." + c.Field.Name, Reasoning: "removing fields destroys data", RequiresDataMigration: true}

	case FieldTypeChanged:
		grade := gradeTypeChange(c.FromKind, c.FromScalar, c.ToKind, c.ToScalar)
		cg := ChangeGrade{Grade: grade, Description: "change type of " + entity + "." + c.FieldName, Reasoning: typeChangeReasoning(grade)}
		if grade >= GradeB {
			cg.RequiresBackfill = true
		}
		if grade >= GradeC {
			cg.RequiresDataMigration = true
		}
		return cg

	case FieldRequiredChanged:
		switch {
		case c.FromRequired && !c.ToRequired:
			return ChangeGrade{Grade: GradeA, Description: "make " + entity + "." + c.FieldName + " optional", Reasoning: "making fields optional is non-breaking"}
		case c.HasDefault:
			return ChangeGrade{Grade: GradeB, Description: "make " + entity + "." + c.FieldName + " required (has default)", Reasoning: "requires backfill of default for null values", RequiresBackfill: true}
		default:
			return ChangeGrade{Grade: GradeD, Description: "make " + entity + "." + c.FieldName + " required (no default)", Reasoning: "cannot enforce not-null on existing null values without a default", RequiresDataMigration: true}
		}

	case FieldDefaultChanged:
		return ChangeGrade{Grade: GradeA, Description: "change default for " + entity + "." + c.FieldName, Reasoning: "default changes only affect new records"}

	case FieldIndexChanged:
		if c.ToIndexed && !c.FromIndexed {
			return ChangeGrade{Grade: GradeB, Description: "add index on " + entity + "." + c.FieldName, Reasoning: "index build runs in the background", RequiresBackfill: true}
		}
		return ChangeGrade{Grade: GradeA, Description: "remove index from " + entity + "." + c.FieldName, Reasoning: "removing indexes is safe"}

	case FieldComputedChanged:
		return ChangeGrade{Grade: GradeB, Description: "change computed field " + entity + "." + c.FieldName, Reasoning: "computed field changes may require recomputation", RequiresBackfill: true}

	default:
		return ChangeGrade{Grade: GradeA, Description: "modify " + entity + "." + c.FieldName}
	}
}

func typeChangeReasoning(g SafetyGrade) string {
	switch g {
	case GradeA:
		return "type is unchanged or equivalent"
	case GradeB:
		return "type widening is safe with background conversion"
	case GradeC:
		return "type change requires data migration"
	default:
		return "incompatible type change"
	}
}

// gradeTypeChange classifies a field type change by numeric widening/
// narrowing and optional-ness; an exact match on kind+scalar is Grade A,
// anything not explicitly classified here is treated as Grade D (unknown
// or incompatible change).
func gradeTypeChange(fromKind catalog.FieldKind, fromScalar catalog.ScalarType, toKind catalog.FieldKind, toScalar catalog.ScalarType) SafetyGrade {
	if fromKind == toKind && fromScalar == toScalar {
		return GradeA
	}

	// Scalar -> OptionalScalar of the same underlying type: non-breaking.
	if fromKind == catalog.FieldScalar && toKind == catalog.FieldOptionalScalar && fromScalar == toScalar {
		return GradeA
	}
	// OptionalScalar -> Scalar of the same underlying type: needs validation
	// that no existing row is null (required default handled separately).
	if fromKind == catalog.FieldOptionalScalar && toKind == catalog.FieldScalar && fromScalar == toScalar {
		return GradeC
	}

	if fromKind != toKind {
		return GradeD
	}

	switch {
	case widensTo(fromScalar, toScalar):
		return GradeB
	case narrowsTo(fromScalar, toScalar):
		return GradeC
	case fromScalar == catalog.ScalarString && toScalar == catalog.ScalarBytes:
		return GradeB
	default:
		return GradeD
	}
}

func widensTo(from, to catalog.ScalarType) bool {
	switch {
	case from == catalog.ScalarInt32 && to == catalog.ScalarInt64:
		return true
	case from == catalog.ScalarFloat32 && to == catalog.ScalarFloat64:
		return true
	case from == catalog.ScalarInt32 && to == catalog.ScalarFloat64:
		return true
	case from == catalog.ScalarInt64 && to == catalog.ScalarFloat64:
		return true
	default:
		return false
	}
}

func narrowsTo(from, to catalog.ScalarType) bool {
	switch {
	case from == catalog.ScalarInt64 && to == catalog.ScalarInt32:
		return true
	case from == catalog.ScalarFloat64 && to == catalog.ScalarFloat32:
		return true
	default:
		return false
	}
}

func gradeLifecycleChange(entity string, c LifecycleChange) ChangeGrade {
	if c.SoftDeleteChanged {
		if !c.FromSoftDelete && c.ToSoftDelete {
			return ChangeGrade{Grade: GradeA, Description: "enable soft delete for " + entity, Reasoning: "enabling soft delete is non-breaking"}
		}
		return ChangeGrade{Grade: GradeC, Description: "disable soft delete for " + entity, Reasoning: "disabling soft delete changes deletion semantics"}
	}
	return ChangeGrade{Grade: GradeA, Description: "change lifecycle rules for " + entity, Reasoning: "minor lifecycle changes"}
}

func gradeRelationChange(c RelationChange) ChangeGrade {
	switch c.Kind {
	case RelationAdded:
		return ChangeGrade{Grade: GradeA, Description: "add relation " + c.RelationName, Reasoning: "adding relations is non-breaking"}
	case RelationRemoved:
		return ChangeGrade{Grade: GradeD, Description: "remove relation " + c.RelationName, Reasoning: "removing relations breaks referential integrity"}
	default:
		if c.EntitiesChanged {
			return ChangeGrade{Grade: GradeD, Description: "change entities in relation " + c.RelationName, Reasoning: "changing relation entities breaks referential integrity", RequiresDataMigration: true}
		}
		if c.CardinalityChanged {
			return ChangeGrade{Grade: GradeD, Description: "change cardinality of relation " + c.RelationName, Reasoning: "changing cardinality may violate existing data", RequiresDataMigration: true}
		}
		if c.DeleteBehaviorChanged {
			return ChangeGrade{Grade: GradeB, Description: "change delete behavior of relation " + c.RelationName, Reasoning: "delete behavior changes affect future deletes only"}
		}
		return ChangeGrade{Grade: GradeA, Description: "modify relation " + c.RelationName, Reasoning: "minor relation changes"}
	}
}

func gradeConstraintChange(c ConstraintChange) ChangeGrade {
	switch c.Kind {
	case ConstraintAdded:
		switch c.Constraint.Kind {
		case catalog.ConstraintUnique:
			return ChangeGrade{Grade: GradeB, Description: "add unique constraint " + c.ConstraintName, Reasoning: "existing data must be checked for uniqueness violations", RequiresBackfill: true}
		case catalog.ConstraintForeignKey:
			return ChangeGrade{Grade: GradeB, Description: "add foreign key constraint " + c.ConstraintName, Reasoning: "existing data must be checked for referential integrity", RequiresBackfill: true}
		default:
			return ChangeGrade{Grade: GradeB, Description: "add check constraint " + c.ConstraintName, Reasoning: "existing data must be validated against the check expression", RequiresBackfill: true}
		}
	case ConstraintRemoved:
		return ChangeGrade{Grade: GradeA, Description: "remove constraint " + c.ConstraintName, Reasoning: "removing constraints is safe"}
	default:
		return ChangeGrade{Grade: GradeB, Description: "modify constraint " + c.ConstraintName, Reasoning: "constraint modifications require validation of existing data", RequiresBackfill: true}
	}
}

// constraintNeedsBackfill reports whether an added constraint requires a
// validation/build pass over existing data before it can be enforced.
func constraintNeedsBackfill(c *catalog.ConstraintDef) bool {
	return c.Kind == catalog.ConstraintUnique || c.Kind == catalog.ConstraintForeignKey
}
