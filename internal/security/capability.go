// Package security implements capability-based access control:
// per-connection capability sets, row-level security policy compilation
// into query filters, field-level masking, and an audit sink.
//
// SecurityContext and CapabilitySet expose the predicates a policy or
// handler needs to check: IsAdmin, IsAuthenticated, CanAccessSensitive,
// HasCustom, attribute lookup/attachment, and constructors for an admin,
// anonymous, or freshly-authenticated context.
package security

import "github.com/quartzdb/quartzdb/internal/catalog"

// CapabilityKind tags the variant carried by a Capability.
type CapabilityKind uint8

const (
	CapRead CapabilityKind = iota
	CapWrite
	CapSensitiveFieldAccess
	CapAdmin
	CapCustom
)

// ScopeKind distinguishes an entity-wide grant from an all-entities grant.
type ScopeKind uint8

const (
	ScopeAll ScopeKind = iota
	ScopeEntity
)

// EntityScope names which entities a Read/Write capability covers.
type EntityScope struct {
	Kind   ScopeKind
	Entity string // only meaningful when Kind == ScopeEntity
}

func AllEntities() EntityScope                { return EntityScope{Kind: ScopeAll} }
func OneEntity(name string) EntityScope       { return EntityScope{Kind: ScopeEntity, Entity: name} }
func (s EntityScope) allows(entity string) bool {
	return s.Kind == ScopeAll || s.Entity == entity
}

// Capability is a single grant held by a SecurityContext.
type Capability struct {
	Kind  CapabilityKind
	Scope EntityScope           // Read/Write
	Level catalog.Sensitivity   // SensitiveFieldAccess
	Name  string                // Custom
}

func ReadCapability(scope EntityScope) Capability  { return Capability{Kind: CapRead, Scope: scope} }
func WriteCapability(scope EntityScope) Capability { return Capability{Kind: CapWrite, Scope: scope} }
func SensitiveFieldAccess(level catalog.Sensitivity) Capability {
	return Capability{Kind: CapSensitiveFieldAccess, Level: level}
}
func AdminCapability() Capability        { return Capability{Kind: CapAdmin} }
func CustomCapability(name string) Capability { return Capability{Kind: CapCustom, Name: name} }

// CapabilitySet is the collection of grants held by one security context.
type CapabilitySet struct {
	caps []Capability
}

func NewCapabilitySet(caps ...Capability) CapabilitySet {
	return CapabilitySet{caps: append([]Capability(nil), caps...)}
}

func (s *CapabilitySet) Add(c Capability) { s.caps = append(s.caps, c) }

func (s CapabilitySet) IsAdmin() bool {
	for _, c := range s.caps {
		if c.Kind == CapAdmin {
			return true
		}
	}
	return false
}

func (s CapabilitySet) HasCustom(name string) bool {
	for _, c := range s.caps {
		if c.Kind == CapCustom && c.Name == name {
			return true
		}
	}
	return false
}

// CanRead reports whether the set grants read access to entity.
func (s CapabilitySet) CanRead(entity string) bool {
	for _, c := range s.caps {
		if c.Kind == CapRead && c.Scope.allows(entity) {
			return true
		}
	}
	return false
}

// CanWrite reports whether the set grants write access to entity.
func (s CapabilitySet) CanWrite(entity string) bool {
	for _, c := range s.caps {
		if c.Kind == CapWrite && c.Scope.allows(entity) {
			return true
		}
	}
	return false
}

// CanAccessSensitive reports whether the set grants access to fields at
// least as sensitive as level. Sensitivity levels are ordered (Public <
// Internal < Sensitive < Restricted), so a Restricted grant also covers
// Sensitive and Internal requests.
func (s CapabilitySet) CanAccessSensitive(level catalog.Sensitivity) bool {
	for _, c := range s.caps {
		if c.Kind == CapSensitiveFieldAccess && c.Level >= level {
			return true
		}
	}
	return false
}
