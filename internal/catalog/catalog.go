package catalog

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// ErrNotFound is returned by lookups against a name that doesn't exist in
// the current bundle.
var ErrNotFound = errors.New("catalog: not found")

// ErrInvalidSchema is returned by ApplySchema when the candidate bundle
// fails internal-consistency validation.
var ErrInvalidSchema = errors.New("catalog: invalid schema")

// Catalog holds the currently active schema bundle. current is an
// atomic.Pointer so readers observe a consistent bundle without locking;
// ApplySchema swaps the pointer as its last step.
type Catalog struct {
	current atomic.Pointer[Bundle]
	log     *slog.Logger
}

func New(log *slog.Logger) *Catalog {
	if log == nil {
		log = slog.Default()
	}
	c := &Catalog{log: log}
	c.current.Store(newEmptyBundle())
	return c
}

// CurrentSchema returns the active bundle. Callers must not mutate it.
func (c *Catalog) CurrentSchema() *Bundle { return c.current.Load() }

func (c *Catalog) CurrentVersion() uint64 { return c.current.Load().Version }

func (c *Catalog) GetEntity(name string) (*EntityDef, error) {
	b := c.current.Load()
	e, ok := b.Entities[name]
	if !ok {
		return nil, fmt.Errorf("%w: entity %q", ErrNotFound, name)
	}
	return e, nil
}

func (c *Catalog) RelationsFrom(entity string) []*RelationDef { return c.current.Load().RelationsFrom(entity) }
func (c *Catalog) RelationsTo(entity string) []*RelationDef   { return c.current.Load().RelationsTo(entity) }

func (c *Catalog) GetRelation(name string) (*RelationDef, error) {
	b := c.current.Load()
	r, ok := b.Relations[name]
	if !ok {
		return nil, fmt.Errorf("%w: relation %q", ErrNotFound, name)
	}
	return r, nil
}

// ApplySchema atomically replaces the current bundle and bumps its
// version, after validating internal consistency. On validation failure
// the current bundle is left untouched.
func (c *Catalog) ApplySchema(next *Bundle) error {
	prev := c.current.Load()
	if next.Version <= prev.Version {
		next.Version = prev.Version + 1
	}
	if err := Validate(next); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	c.current.Store(next)
	c.log.Info("schema applied", "version", next.Version, "entities", len(next.Entities))
	return nil
}

// Validate checks that a bundle is internally consistent: every
// relation's endpoints refer to existing entities/fields of matching
// types, every constraint references a live entity, and every field
// default is type-compatible with its field type.
func Validate(b *Bundle) error {
	for name, e := range b.Entities {
		if e.Name != name {
			return fmt.Errorf("entity key %q does not match entity name %q", name, e.Name)
		}
		if _, ok := e.Field(e.IdentityField); !ok && e.IdentityField != "" {
			return fmt.Errorf("entity %q: identity field %q not defined", name, e.IdentityField)
		}
		seen := map[string]bool{}
		for _, f := range e.Fields {
			if seen[f.Name] {
				return fmt.Errorf("entity %q: duplicate field %q", name, f.Name)
			}
			seen[f.Name] = true
			if f.Kind == FieldEnum && len(f.EnumVariants) == 0 {
				return fmt.Errorf("entity %q field %q: enum with no variants", name, f.Name)
			}
			if f.Default != nil {
				if err := checkDefaultCompatible(f); err != nil {
					return fmt.Errorf("entity %q field %q: %w", name, f.Name, err)
				}
			}
		}
	}

	for name, r := range b.Relations {
		if r.Name != name {
			return fmt.Errorf("relation key %q does not match relation name %q", name, r.Name)
		}
		fromE, ok := b.Entities[r.FromEntity]
		if !ok {
			return fmt.Errorf("relation %q: from-entity %q does not exist", name, r.FromEntity)
		}
		toE, ok := b.Entities[r.ToEntity]
		if !ok {
			return fmt.Errorf("relation %q: to-entity %q does not exist", name, r.ToEntity)
		}
		fromF, ok := fromE.Field(r.FromField)
		if !ok {
			return fmt.Errorf("relation %q: from-field %q does not exist on %q", name, r.FromField, r.FromEntity)
		}
		toF, ok := toE.Field(r.ToField)
		if !ok {
			return fmt.Errorf("relation %q: to-field %q does not exist on %q", name, r.ToField, r.ToEntity)
		}
		if fromF.Scalar != toF.Scalar {
			return fmt.Errorf("relation %q: endpoint field type mismatch (%v vs %v)", name, fromF.Scalar, toF.Scalar)
		}
	}

	for _, c := range b.Constraints {
		e, ok := b.Entities[c.Entity]
		if !ok {
			return fmt.Errorf("constraint %q: entity %q does not exist", c.Name, c.Entity)
		}
		switch c.Kind {
		case ConstraintUnique:
			for _, f := range c.UniqueFields {
				if _, ok := e.Field(f); !ok {
					return fmt.Errorf("constraint %q: field %q not on entity %q", c.Name, f, c.Entity)
				}
			}
		case ConstraintForeignKey:
			if _, ok := e.Field(c.FKField); !ok {
				return fmt.Errorf("constraint %q: field %q not on entity %q", c.Name, c.FKField, c.Entity)
			}
			refE, ok := b.Entities[c.FKRefEntity]
			if !ok {
				return fmt.Errorf("constraint %q: referenced entity %q does not exist", c.Name, c.FKRefEntity)
			}
			if _, ok := refE.Field(c.FKRefField); !ok {
				return fmt.Errorf("constraint %q: referenced field %q not on %q", c.Name, c.FKRefField, c.FKRefEntity)
			}
		case ConstraintCheck:
			if c.CheckExpr == "" {
				return fmt.Errorf("constraint %q: empty check expression", c.Name)
			}
		}
	}
	return nil
}

func checkDefaultCompatible(f FieldDef) error {
	if f.Default.IsNull() {
		if f.Required {
			return fmt.Errorf("required field cannot default to null")
		}
		return nil
	}
	if f.Kind == FieldArray {
		return nil // array defaults are validated structurally elsewhere
	}
	ok := scalarMatchesValueKind(f.Scalar, f.Default.Kind)
	if !ok {
		return fmt.Errorf("default value kind incompatible with field scalar type")
	}
	return nil
}
