package migration

import (
	"github.com/quartzdb/quartzdb/internal/catalog"
	"github.com/quartzdb/quartzdb/internal/value"
)

// SchemaDiff is the complete set of changes between two catalog bundles.
type SchemaDiff struct {
	FromVersion       uint64
	ToVersion         uint64
	EntityChanges     []EntityChange
	RelationChanges   []RelationChange
	ConstraintChanges []ConstraintChange
}

// IsEmpty reports whether the diff contains no changes at all.
func (d SchemaDiff) IsEmpty() bool {
	return len(d.EntityChanges) == 0 && len(d.RelationChanges) == 0 && len(d.ConstraintChanges) == 0
}

func (d SchemaDiff) ChangeCount() int {
	return len(d.EntityChanges) + len(d.RelationChanges) + len(d.ConstraintChanges)
}

// EntityChangeKind tags an EntityChange's variant.
type EntityChangeKind int

const (
	EntityAdded EntityChangeKind = iota
	EntityRemoved
	EntityModified
)

type IdentityChange struct {
	FromField string
	ToField   string
}

type LifecycleChange struct {
	SoftDeleteChanged   bool
	FromSoftDelete      bool
	ToSoftDelete        bool
	DefaultOrderChanged bool
}

type EntityChange struct {
	Kind             EntityChangeKind
	EntityName       string
	Entity           *catalog.EntityDef // set for Added/Removed
	FieldChanges     []FieldChange      // set for Modified
	IdentityChanged  *IdentityChange    // set for Modified, if identity field changed
	LifecycleChanged *LifecycleChange   // set for Modified, if lifecycle rules changed
}

// FieldChangeKind tags a FieldChange's variant.
type FieldChangeKind int

const (
	FieldAdded FieldChangeKind = iota
	FieldRemoved
	FieldTypeChanged
	FieldRequiredChanged
	FieldDefaultChanged
	FieldIndexChanged
	FieldComputedChanged
)

type FieldChange struct {
	Kind      FieldChangeKind
	FieldName string

	Field *catalog.FieldDef // set for Added/Removed

	FromScalar catalog.ScalarType // TypeChanged
	ToScalar   catalog.ScalarType
	FromKind   catalog.FieldKind
	ToKind     catalog.FieldKind

	FromRequired bool // RequiredChanged
	ToRequired   bool
	HasDefault   bool

	FromDefault *value.Value // DefaultChanged
	ToDefault   *value.Value

	FromIndexed bool // IndexChanged
	ToIndexed   bool

	FromComputed string // ComputedChanged
	ToComputed   string
}

// RelationChangeKind tags a RelationChange's variant.
type RelationChangeKind int

const (
	RelationAdded RelationChangeKind = iota
	RelationRemoved
	RelationModified
)

type RelationChange struct {
	Kind                  RelationChangeKind
	RelationName          string
	Relation              *catalog.RelationDef // set for Added/Removed
	CardinalityChanged    bool
	FromCardinality       catalog.Cardinality
	ToCardinality         catalog.Cardinality
	DeleteBehaviorChanged bool
	FromDeleteBehavior    catalog.OnDelete
	ToDeleteBehavior      catalog.OnDelete
	EntitiesChanged       bool
	FieldsChanged         bool
}

// ConstraintChangeKind tags a ConstraintChange's variant.
type ConstraintChangeKind int

const (
	ConstraintAdded ConstraintChangeKind = iota
	ConstraintRemoved
	ConstraintModified
)

type ConstraintChange struct {
	Kind           ConstraintChangeKind
	ConstraintName string
	Constraint     *catalog.ConstraintDef // Added/Removed use this; Modified uses From/To
	From           *catalog.ConstraintDef
	To             *catalog.ConstraintDef
}

// ComputeDiff compares from and to, producing the structured set of
// changes between them. Entities, relations and constraints are matched
// by name; anything present in only one side is Added/Removed, anything
// present in both with differing contents is Modified.
func ComputeDiff(from, to *catalog.Bundle) SchemaDiff {
	return SchemaDiff{
		FromVersion:       from.Version,
		ToVersion:         to.Version,
		EntityChanges:     diffEntities(from.Entities, to.Entities),
		RelationChanges:   diffRelations(from.Relations, to.Relations),
		ConstraintChanges: diffConstraints(from.Constraints, to.Constraints),
	}
}

func diffEntities(from, to map[string]*catalog.EntityDef) []EntityChange {
	var changes []EntityChange

	for name, e := range to {
		if _, ok := from[name]; !ok {
			changes = append(changes, EntityChange{Kind: EntityAdded, EntityName: name, Entity: e})
		}
	}
	for name, e := range from {
		if _, ok := to[name]; !ok {
			changes = append(changes, EntityChange{Kind: EntityRemoved, EntityName: name, Entity: e})
		}
	}
	for name, fromEntity := range from {
		toEntity, ok := to[name]
		if !ok {
			continue
		}
		fieldChanges := diffFields(fromEntity.Fields, toEntity.Fields)
		var identityChanged *IdentityChange
		if fromEntity.IdentityField != toEntity.IdentityField {
			identityChanged = &IdentityChange{FromField: fromEntity.IdentityField, ToField: toEntity.IdentityField}
		}
		lifecycleChanged := diffLifecycle(fromEntity.Lifecycle, toEntity.Lifecycle)

		if len(fieldChanges) > 0 || identityChanged != nil || lifecycleChanged != nil {
			changes = append(changes, EntityChange{
				Kind: EntityModified, EntityName: name,
				FieldChanges: fieldChanges, IdentityChanged: identityChanged, LifecycleChanged: lifecycleChanged,
			})
		}
	}

	return changes
}

func diffFields(from, to []catalog.FieldDef) []FieldChange {
	var changes []FieldChange

	fromMap := fieldsByName(from)
	toMap := fieldsByName(to)

	for name, f := range toMap {
		if _, ok := fromMap[name]; !ok {
			field := f
			changes = append(changes, FieldChange{Kind: FieldAdded, FieldName: name, Field: &field})
		}
	}
	for name, f := range fromMap {
		if _, ok := toMap[name]; !ok {
			field := f
			changes = append(changes, FieldChange{Kind: FieldRemoved, FieldName: name, Field: &field})
		}
	}
	for name, fromField := range fromMap {
		toField, ok := toMap[name]
		if !ok {
			continue
		}

		if fromField.Kind != toField.Kind || fromField.Scalar != toField.Scalar {
			changes = append(changes, FieldChange{
				Kind: FieldTypeChanged, FieldName: name,
				FromKind: fromField.Kind, ToKind: toField.Kind,
				FromScalar: fromField.Scalar, ToScalar: toField.Scalar,
			})
		}
		if fromField.Required != toField.Required {
			changes = append(changes, FieldChange{
				Kind: FieldRequiredChanged, FieldName: name,
				FromRequired: fromField.Required, ToRequired: toField.Required,
				HasDefault: toField.Default != nil, ToDefault: toField.Default,
			})
		}
		if !defaultsEqual(fromField.Default, toField.Default) {
			changes = append(changes, FieldChange{
				Kind: FieldDefaultChanged, FieldName: name,
				FromDefault: fromField.Default, ToDefault: toField.Default,
			})
		}
		if fromField.Indexed != toField.Indexed {
			changes = append(changes, FieldChange{
				Kind: FieldIndexChanged, FieldName: name,
				FromIndexed: fromField.Indexed, ToIndexed: toField.Indexed,
			})
		}
		if fromField.ComputedExpr != toField.ComputedExpr {
			changes = append(changes, FieldChange{
				Kind: FieldComputedChanged, FieldName: name,
				FromComputed: fromField.ComputedExpr, ToComputed: toField.ComputedExpr,
			})
		}
	}

	return changes
}

func fieldsByName(fields []catalog.FieldDef) map[string]catalog.FieldDef {
	m := make(map[string]catalog.FieldDef, len(fields))
	for _, f := range fields {
		m[f.Name] = f
	}
	return m
}

func defaultsEqual(a, b *value.Value) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return value.Equal(*a, *b)
}

func diffLifecycle(from, to catalog.LifecycleRules) *LifecycleChange {
	softChanged := from.SoftDelete != to.SoftDelete
	orderChanged := !orderSpecsEqual(from.DefaultOrder, to.DefaultOrder)
	if !softChanged && !orderChanged {
		return nil
	}
	return &LifecycleChange{
		SoftDeleteChanged: softChanged, FromSoftDelete: from.SoftDelete, ToSoftDelete: to.SoftDelete,
		DefaultOrderChanged: orderChanged,
	}
}

func orderSpecsEqual(a, b []catalog.OrderSpec) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func diffRelations(from, to map[string]*catalog.RelationDef) []RelationChange {
	var changes []RelationChange

	for name, r := range to {
		if _, ok := from[name]; !ok {
			changes = append(changes, RelationChange{Kind: RelationAdded, RelationName: name, Relation: r})
		}
	}
	for name, r := range from {
		if _, ok := to[name]; !ok {
			changes = append(changes, RelationChange{Kind: RelationRemoved, RelationName: name, Relation: r})
		}
	}
	for name, fromRel := range from {
		toRel, ok := to[name]
		if !ok {
			continue
		}
		cardinalityChanged := fromRel.Cardinality != toRel.Cardinality
		deleteBehaviorChanged := fromRel.OnDelete != toRel.OnDelete
		fieldsChanged := fromRel.FromField != toRel.FromField || fromRel.ToField != toRel.ToField
		entitiesChanged := fromRel.FromEntity != toRel.FromEntity || fromRel.ToEntity != toRel.ToEntity

		if cardinalityChanged || deleteBehaviorChanged || fieldsChanged || entitiesChanged {
			changes = append(changes, RelationChange{
				Kind: RelationModified, RelationName: name,
				CardinalityChanged: cardinalityChanged, FromCardinality: fromRel.Cardinality, ToCardinality: toRel.Cardinality,
				DeleteBehaviorChanged: deleteBehaviorChanged, FromDeleteBehavior: fromRel.OnDelete, ToDeleteBehavior: toRel.OnDelete,
				FieldsChanged: fieldsChanged, EntitiesChanged: entitiesChanged,
			})
		}
	}

	return changes
}

func diffConstraints(from, to []*catalog.ConstraintDef) []ConstraintChange {
	var changes []ConstraintChange

	fromMap := constraintsByName(from)
	toMap := constraintsByName(to)

	for name, c := range toMap {
		if _, ok := fromMap[name]; !ok {
			changes = append(changes, ConstraintChange{Kind: ConstraintAdded, ConstraintName: name, Constraint: c})
		}
	}
	for name, c := range fromMap {
		if _, ok := toMap[name]; !ok {
			changes = append(changes, ConstraintChange{Kind: ConstraintRemoved, ConstraintName: name, Constraint: c})
		}
	}
	for name, fromC := range fromMap {
		toC, ok := toMap[name]
		if !ok {
			continue
		}
		if !constraintsEqual(fromC, toC) {
			changes = append(changes, ConstraintChange{Kind: ConstraintModified, ConstraintName: name, From: fromC, To: toC})
		}
	}

	return changes
}

func constraintsByName(cs []*catalog.ConstraintDef) map[string]*catalog.ConstraintDef {
	m := make(map[string]*catalog.ConstraintDef, len(cs))
	for _, c := range cs {
		m[c.Name] = c
	}
	return m
}

func constraintsEqual(a, b *catalog.ConstraintDef) bool {
	if a.Kind != b.Kind || a.Entity != b.Entity {
		return false
	}
	switch a.Kind {
	case catalog.ConstraintUnique:
		return stringSlicesEqual(a.UniqueFields, b.UniqueFields)
	case catalog.ConstraintForeignKey:
		return a.FKField == b.FKField && a.FKRefEntity == b.FKRefEntity && a.FKRefField == b.FKRefField
	case catalog.ConstraintCheck:
		return a.CheckExpr == b.CheckExpr
	default:
		return true
	}
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
