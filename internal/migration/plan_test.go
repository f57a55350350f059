package migration

import (
	"testing"

	"github.com/quartzdb/quartzdb/internal/catalog"
	"github.com/quartzdb/quartzdb/internal/idgen"
	"github.com/quartzdb/quartzdb/internal/value"
)

func TestPlanOrdersExpandBeforeBackfillBeforeContract(t *testing.T) {
	def := value.String("unknown")
	from := bundleWith(map[string]*catalog.EntityDef{"User": userEntity(
		catalog.FieldDef{Name: "id", Scalar: catalog.ScalarUUID},
		catalog.FieldDef{Name: "legacy", Scalar: catalog.ScalarBool},
	)})
	to := bundleWith(map[string]*catalog.EntityDef{"User": userEntity(
		catalog.FieldDef{Name: "id", Scalar: catalog.ScalarUUID},
		catalog.FieldDef{Name: "country", Scalar: catalog.ScalarString, Required: true, Default: &def},
	)})

	plan := GeneratePlan(idgen.New(), from, to, 1000)

	if plan.IsEmpty() {
		t.Fatalf("expected a non-empty plan")
	}
	var sawBackfill, sawContract bool
	lastPhase := PhaseExpand
	for _, s := range plan.Steps {
		if s.Phase < lastPhase {
			t.Fatalf("step phases went backwards: %v after %v", s.Phase, lastPhase)
		}
		lastPhase = s.Phase
		if s.Phase == PhaseBackfill {
			sawBackfill = true
		}
		if s.Phase == PhaseContract {
			sawContract = true
		}
	}
	if !sawBackfill {
		t.Fatalf("expected a backfill step for the new required field with default")
	}
	if !sawContract {
		t.Fatalf("expected a contract step for the removed field")
	}
}

func TestPlanAddFieldGeneratesExpandAndBackfillSteps(t *testing.T) {
	def := value.Int64(0)
	from := bundleWith(map[string]*catalog.EntityDef{"User": userEntity(catalog.FieldDef{Name: "id", Scalar: catalog.ScalarUUID})})
	to := bundleWith(map[string]*catalog.EntityDef{"User": userEntity(
		catalog.FieldDef{Name: "id", Scalar: catalog.ScalarUUID},
		catalog.FieldDef{Name: "score", Scalar: catalog.ScalarInt64, Required: true, Default: &def},
	)})

	plan := GeneratePlan(idgen.New(), from, to, 1)

	var addField, populateDefault bool
	for _, s := range plan.Steps {
		if s.Kind == StepAddField && s.FieldName == "score" {
			addField = true
		}
		if s.Kind == StepPopulateDefault && s.FieldName == "score" {
			populateDefault = true
			if !value.Equal(s.DefaultValue, def) {
				t.Fatalf("expected default value %v, got %v", def, s.DefaultValue)
			}
		}
	}
	if !addField || !populateDefault {
		t.Fatalf("expected AddField+PopulateDefault steps, got %+v", plan.Steps)
	}
}

func TestPlanTypeWideningGeneratesTransformStep(t *testing.T) {
	from := bundleWith(map[string]*catalog.EntityDef{"User": userEntity(catalog.FieldDef{Name: "age", Scalar: catalog.ScalarInt32})})
	to := bundleWith(map[string]*catalog.EntityDef{"User": userEntity(catalog.FieldDef{Name: "age", Scalar: catalog.ScalarInt64})})

	plan := GeneratePlan(idgen.New(), from, to, 1)

	var found bool
	for _, s := range plan.Steps {
		if s.Kind == StepTransformField {
			found = true
			if s.Transform == nil || s.Transform.FromScalar != catalog.ScalarInt32 || s.Transform.ToScalar != catalog.ScalarInt64 {
				t.Fatalf("unexpected transform: %+v", s.Transform)
			}
		}
	}
	if !found {
		t.Fatalf("expected a TransformField step, got %+v", plan.Steps)
	}
}

func TestPlanEmptyDiffHasNoSteps(t *testing.T) {
	b := bundleWith(map[string]*catalog.EntityDef{"User": userEntity(catalog.FieldDef{Name: "id", Scalar: catalog.ScalarUUID})})
	plan := GeneratePlan(idgen.New(), b, b, 1)
	if !plan.IsEmpty() {
		t.Fatalf("expected empty plan for identical bundles, got %+v", plan.Steps)
	}
}

func TestPlanConstraintAddBuildsIndexBeforeEnforcing(t *testing.T) {
	from := &catalog.Bundle{Version: 1, Entities: map[string]*catalog.EntityDef{}, Relations: map[string]*catalog.RelationDef{}}
	to := &catalog.Bundle{
		Version: 2, Entities: map[string]*catalog.EntityDef{}, Relations: map[string]*catalog.RelationDef{},
		Constraints: []*catalog.ConstraintDef{{Name: "uniq_email", Kind: catalog.ConstraintUnique, Entity: "User", UniqueFields: []string{"email"}}},
	}

	plan := GeneratePlan(idgen.New(), from, to, 1)

	var buildIdx, enforce int
	for i, s := range plan.Steps {
		if s.Kind == StepBuildIndex {
			buildIdx = i
			if s.Constraint == nil || s.Constraint.Name != "uniq_email" {
				t.Fatalf("expected BuildIndex step to carry the constraint, got %+v", s)
			}
		}
		if s.Kind == StepEnforceConstraint {
			enforce = i
		}
	}
	if buildIdx == 0 && enforce == 0 {
		t.Fatalf("expected both BuildIndex and EnforceConstraint steps, got %+v", plan.Steps)
	}
	if buildIdx >= enforce {
		t.Fatalf("expected BuildIndex (backfill) before EnforceConstraint (contract), got indices %d, %d", buildIdx, enforce)
	}
}
