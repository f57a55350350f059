package config

import (
	"path/filepath"
	"testing"

	"github.com/quartzdb/quartzdb/internal/catalog"
	"github.com/quartzdb/quartzdb/internal/security"
)

func TestLoadRLSPoliciesEmptyPath(t *testing.T) {
	policies, err := LoadRLSPolicies("")
	if err != nil {
		t.Fatalf("LoadRLSPolicies: %v", err)
	}
	if policies != nil {
		t.Fatalf("expected nil policies for empty path, got %+v", policies)
	}
}

func TestLoadRLSPoliciesParsesAttributeEq(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "rls.toml", `
[[policy]]
name = "org_isolation"
entity = "Document"
type = "permissive"
operations = ["select", "update"]
attribute_eq_field = "org_id"
attribute_eq_attr = "user.org_id"
`)

	policies, err := LoadRLSPolicies(path)
	if err != nil {
		t.Fatalf("LoadRLSPolicies: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("expected 1 policy, got %d", len(policies))
	}
	p := policies[0]
	if p.Name != "org_isolation" || p.Entity != "Document" || p.Type != security.Permissive {
		t.Fatalf("unexpected policy: %+v", p)
	}
	if len(p.Operations) != 2 || p.Operations[0] != security.OpSelect || p.Operations[1] != security.OpUpdate {
		t.Fatalf("unexpected operations: %+v", p.Operations)
	}
	if p.Filter.Kind != security.RlsAttributeEq || p.Filter.Field != "org_id" || p.Filter.Attribute != "user.org_id" {
		t.Fatalf("unexpected filter: %+v", p.Filter)
	}
}

func TestLoadRLSPoliciesParsesAllOf(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "rls.toml", `
[[policy]]
name = "combo"
entity = "Document"
type = "restrictive"
bypass_capability = "rls.bypass.document"

[[policy.all_of]]
attribute_eq_field = "org_id"
attribute_eq_attr = "user.org_id"

[[policy.all_of]]
attribute_in_field = "team_id"
attribute_in_attr = "user.team_ids"
`)

	policies, err := LoadRLSPolicies(path)
	if err != nil {
		t.Fatalf("LoadRLSPolicies: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("expected 1 policy, got %d", len(policies))
	}
	p := policies[0]
	if p.Type != security.Restrictive || p.BypassCapability != "rls.bypass.document" {
		t.Fatalf("unexpected policy: %+v", p)
	}
	if p.Filter.Kind != security.RlsAnd || len(p.Filter.Children) != 2 {
		t.Fatalf("unexpected filter: %+v", p.Filter)
	}
}

func TestLoadRLSPoliciesRejectsMissingCondition(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "rls.toml", `
[[policy]]
name = "broken"
entity = "Document"
`)
	if _, err := LoadRLSPolicies(path); err == nil {
		t.Fatal("expected an error for a policy with no condition")
	}
}

func TestLoadCapabilityRolesParsesRoles(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "capabilities.toml", `
[role.admin]
admin = true

[role.analyst]
read_entities = ["*"]
sensitive_level = "sensitive"

[role.writer]
read_entities = ["Document"]
write_entities = ["Document"]
custom_capabilities = ["rls.bypass.document"]
`)

	roles, err := LoadCapabilityRoles(path)
	if err != nil {
		t.Fatalf("LoadCapabilityRoles: %v", err)
	}
	if len(roles) != 3 {
		t.Fatalf("expected 3 roles, got %d", len(roles))
	}
	if !roles["admin"].IsAdmin() {
		t.Fatalf("expected admin role to carry AdminCapability")
	}
	analyst := roles["analyst"]
	if !analyst.CanAccessSensitive(catalog.SensitivitySensitive) {
		t.Fatalf("expected analyst role to access sensitive fields")
	}
	writer := roles["writer"]
	if !writer.HasCustom("rls.bypass.document") {
		t.Fatalf("expected writer role to carry the custom capability")
	}
}

func TestLoadCapabilityRolesEmptyPath(t *testing.T) {
	roles, err := LoadCapabilityRoles("")
	if err != nil {
		t.Fatalf("LoadCapabilityRoles: %v", err)
	}
	if roles != nil {
		t.Fatalf("expected nil roles for empty path, got %+v", roles)
	}
}

func TestLoadRLSPoliciesRejectsBadPath(t *testing.T) {
	_, err := LoadRLSPolicies(filepath.Join(t.TempDir(), "missing.toml"))
	if err == nil {
		t.Fatal("expected an error for a nonexistent policy file")
	}
}
