package migration

import (
	"testing"

	"github.com/quartzdb/quartzdb/internal/catalog"
	"github.com/quartzdb/quartzdb/internal/value"
)

func userEntity(fields ...catalog.FieldDef) *catalog.EntityDef {
	return &catalog.EntityDef{Name: "User", IdentityField: "id", Fields: fields}
}

func bundleWith(entities map[string]*catalog.EntityDef) *catalog.Bundle {
	return &catalog.Bundle{Version: 1, Entities: entities, Relations: map[string]*catalog.RelationDef{}}
}

func TestDiffEntityAdded(t *testing.T) {
	from := bundleWith(map[string]*catalog.EntityDef{})
	to := bundleWith(map[string]*catalog.EntityDef{"User": userEntity(catalog.FieldDef{Name: "id", Scalar: catalog.ScalarUUID})})

	diff := ComputeDiff(from, to)
	if len(diff.EntityChanges) != 1 || diff.EntityChanges[0].Kind != EntityAdded {
		t.Fatalf("expected one EntityAdded change, got %+v", diff.EntityChanges)
	}
}

func TestDiffEntityRemoved(t *testing.T) {
	from := bundleWith(map[string]*catalog.EntityDef{"User": userEntity()})
	to := bundleWith(map[string]*catalog.EntityDef{})

	diff := ComputeDiff(from, to)
	if len(diff.EntityChanges) != 1 || diff.EntityChanges[0].Kind != EntityRemoved {
		t.Fatalf("expected one EntityRemoved change, got %+v", diff.EntityChanges)
	}
}

func TestDiffFieldAdded(t *testing.T) {
	from := bundleWith(map[string]*catalog.EntityDef{"User": userEntity(catalog.FieldDef{Name: "id", Scalar: catalog.ScalarUUID})})
	to := bundleWith(map[string]*catalog.EntityDef{"User": userEntity(
		catalog.FieldDef{Name: "id", Scalar: catalog.ScalarUUID},
		catalog.FieldDef{Name: "email", Scalar: catalog.ScalarString},
	)})

	diff := ComputeDiff(from, to)
	if len(diff.EntityChanges) != 1 {
		t.Fatalf("expected 1 entity change, got %d", len(diff.EntityChanges))
	}
	fcs := diff.EntityChanges[0].FieldChanges
	if len(fcs) != 1 || fcs[0].Kind != FieldAdded || fcs[0].FieldName != "email" {
		t.Fatalf("expected one FieldAdded(email) change, got %+v", fcs)
	}
}

func TestDiffFieldTypeWidened(t *testing.T) {
	from := bundleWith(map[string]*catalog.EntityDef{"User": userEntity(
		catalog.FieldDef{Name: "age", Scalar: catalog.ScalarInt32},
	)})
	to := bundleWith(map[string]*catalog.EntityDef{"User": userEntity(
		catalog.FieldDef{Name: "age", Scalar: catalog.ScalarInt64},
	)})

	diff := ComputeDiff(from, to)
	fcs := diff.EntityChanges[0].FieldChanges
	if len(fcs) != 1 || fcs[0].Kind != FieldTypeChanged {
		t.Fatalf("expected one FieldTypeChanged, got %+v", fcs)
	}
	if fcs[0].FromScalar != catalog.ScalarInt32 || fcs[0].ToScalar != catalog.ScalarInt64 {
		t.Fatalf("unexpected from/to scalar: %+v", fcs[0])
	}
}

func TestDiffFieldRequiredChangedCarriesDefault(t *testing.T) {
	def := value.Int64(0)
	from := bundleWith(map[string]*catalog.EntityDef{"User": userEntity(
		catalog.FieldDef{Name: "age", Scalar: catalog.ScalarInt64, Required: false},
	)})
	to := bundleWith(map[string]*catalog.EntityDef{"User": userEntity(
		catalog.FieldDef{Name: "age", Scalar: catalog.ScalarInt64, Required: true, Default: &def},
	)})

	diff := ComputeDiff(from, to)
	fcs := diff.EntityChanges[0].FieldChanges
	if len(fcs) != 1 || fcs[0].Kind != FieldRequiredChanged {
		t.Fatalf("expected FieldRequiredChanged, got %+v", fcs)
	}
	if !fcs[0].HasDefault || fcs[0].ToDefault == nil || !value.Equal(*fcs[0].ToDefault, def) {
		t.Fatalf("expected ToDefault to carry the new default, got %+v", fcs[0])
	}
}

func TestDiffNoChangesIsEmpty(t *testing.T) {
	b := bundleWith(map[string]*catalog.EntityDef{"User": userEntity(catalog.FieldDef{Name: "id", Scalar: catalog.ScalarUUID})})
	diff := ComputeDiff(b, b)
	if !diff.IsEmpty() {
		t.Fatalf("expected empty diff comparing a bundle to itself, got %+v", diff)
	}
}

func TestDiffConstraintAdded(t *testing.T) {
	from := &catalog.Bundle{Version: 1, Entities: map[string]*catalog.EntityDef{}, Relations: map[string]*catalog.RelationDef{}}
	to := &catalog.Bundle{
		Version: 2, Entities: map[string]*catalog.EntityDef{}, Relations: map[string]*catalog.RelationDef{},
		Constraints: []*catalog.ConstraintDef{{Name: "uniq_email", Kind: catalog.ConstraintUnique, Entity: "User", UniqueFields: []string{"email"}}},
	}

	diff := ComputeDiff(from, to)
	if len(diff.ConstraintChanges) != 1 || diff.ConstraintChanges[0].Kind != ConstraintAdded {
		t.Fatalf("expected one ConstraintAdded change, got %+v", diff.ConstraintChanges)
	}
}

func TestDiffRelationModifiedCardinality(t *testing.T) {
	from := &catalog.Bundle{
		Version: 1, Entities: map[string]*catalog.EntityDef{},
		Relations: map[string]*catalog.RelationDef{
			"owns": {Name: "owns", FromEntity: "User", ToEntity: "Order", Cardinality: catalog.OneToMany},
		},
	}
	to := &catalog.Bundle{
		Version: 2, Entities: map[string]*catalog.EntityDef{},
		Relations: map[string]*catalog.RelationDef{
			"owns": {Name: "owns", FromEntity: "User", ToEntity: "Order", Cardinality: catalog.ManyToMany},
		},
	}

	diff := ComputeDiff(from, to)
	if len(diff.RelationChanges) != 1 || diff.RelationChanges[0].Kind != RelationModified || !diff.RelationChanges[0].CardinalityChanged {
		t.Fatalf("expected one cardinality-changed RelationModified, got %+v", diff.RelationChanges)
	}
}
