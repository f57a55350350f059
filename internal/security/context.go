package security

import (
	"github.com/quartzdb/quartzdb/internal/catalog"
	"github.com/quartzdb/quartzdb/internal/value"
)

// SecurityContext carries the capabilities and contextual attributes
// (e.g. "user.org_id") that RLS policy compilation and field masking
// evaluate against for one connection/request.
type SecurityContext struct {
	ConnectionID  string
	ClientID      string
	Capabilities  CapabilitySet
	Authenticated bool
	attributes    map[string]value.Value
}

// NewSecurityContext builds an authenticated context for a connection.
func NewSecurityContext(connectionID, clientID string, caps CapabilitySet) *SecurityContext {
	return &SecurityContext{
		ConnectionID: connectionID, ClientID: clientID, Capabilities: caps,
		Authenticated: true, attributes: map[string]value.Value{},
	}
}

// AdminContext builds a fully-privileged context, which bypasses RLS and
// field masking.
func AdminContext(connectionID string) *SecurityContext {
	caps := NewCapabilitySet(AdminCapability())
	return NewSecurityContext(connectionID, "admin", caps)
}

// AnonymousContext builds an unauthenticated context with no capabilities.
func AnonymousContext() *SecurityContext {
	return &SecurityContext{Authenticated: false, attributes: map[string]value.Value{}}
}

func (c *SecurityContext) IsAdmin() bool         { return c != nil && c.Capabilities.IsAdmin() }
func (c *SecurityContext) IsAuthenticated() bool { return c != nil && c.Authenticated }

// CanAccessSensitive reports whether c may access a field at least as
// sensitive as level; admins always can.
func (c *SecurityContext) CanAccessSensitive(level catalog.Sensitivity) bool {
	return c.IsAdmin() || c.Capabilities.CanAccessSensitive(level)
}

// WithAttribute returns a copy of c with name set to v, leaving c itself
// unmodified so a base context can seed several per-request variants.
func (c *SecurityContext) WithAttribute(name string, v value.Value) *SecurityContext {
	next := *c
	next.attributes = make(map[string]value.Value, len(c.attributes)+1)
	for k, val := range c.attributes {
		next.attributes[k] = val
	}
	next.attributes[name] = v
	return &next
}

func (c *SecurityContext) GetAttribute(name string) (value.Value, bool) {
	if c == nil || c.attributes == nil {
		return value.Value{}, false
	}
	v, ok := c.attributes[name]
	return v, ok
}
