package security

import (
	"testing"

	"github.com/quartzdb/quartzdb/internal/query/ir"
	"github.com/quartzdb/quartzdb/internal/value"
)

func contextWithOrg(org string) *SecurityContext {
	caps := NewCapabilitySet(ReadCapability(AllEntities()))
	return NewSecurityContext("conn", "client", caps).WithAttribute("user.org_id", value.String(org))
}

func TestCompileAttributeEq(t *testing.T) {
	policy := NewRlsPolicy("org_isolation", "Document", AttributeEq("org_id", "user.org_id"))
	ctx := contextWithOrg("org-123")

	f, err := Compile([]RlsPolicy{policy}, ctx, "Document", OpSelect)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if f == nil || f.Op != ir.OpEq || f.Field != "org_id" || !value.Equal(f.Value, value.String("org-123")) {
		t.Errorf("unexpected filter: %+v", f)
	}
}

func TestCompileNoMatchingEntity(t *testing.T) {
	policy := NewRlsPolicy("org_isolation", "Document", AttributeEq("org_id", "user.org_id"))
	ctx := contextWithOrg("org-123")

	f, err := Compile([]RlsPolicy{policy}, ctx, "User", OpSelect)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if f != nil {
		t.Errorf("expected nil filter for unrelated entity, got %+v", f)
	}
}

func TestCompileNoMatchingOperation(t *testing.T) {
	policy := NewRlsPolicy("org_isolation", "Document", AttributeEq("org_id", "user.org_id"))
	policy.Operations = []RlsOperation{OpSelect}
	ctx := contextWithOrg("org-123")

	f, err := Compile([]RlsPolicy{policy}, ctx, "Document", OpDelete)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if f != nil {
		t.Errorf("expected nil filter for non-matching operation, got %+v", f)
	}
}

func TestCompileAdminBypassesAll(t *testing.T) {
	policy := NewRlsPolicy("org_isolation", "Document", AttributeEq("org_id", "user.org_id"))
	admin := AdminContext("conn")

	f, err := Compile([]RlsPolicy{policy}, admin, "Document", OpSelect)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if f != nil {
		t.Errorf("admin should bypass all policies, got %+v", f)
	}
}

func TestCompileCustomBypass(t *testing.T) {
	policy := NewRlsPolicy("org_isolation", "Document", AttributeEq("org_id", "user.org_id"))
	policy.BypassCapability = "bypass_rls"

	caps := NewCapabilitySet(CustomCapability("bypass_rls"))
	ctx := NewSecurityContext("conn", "client", caps)

	f, err := Compile([]RlsPolicy{policy}, ctx, "Document", OpSelect)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if f != nil {
		t.Errorf("custom bypass should allow all, got %+v", f)
	}
}

func TestCompileMultiplePermissiveOrs(t *testing.T) {
	p1 := NewRlsPolicy("org_isolation", "Document", AttributeEq("org_id", "user.org_id"))
	p2 := NewRlsPolicy("public_docs", "Document", StandardFilter(ir.Eq("is_public", value.Bool(true))))
	ctx := contextWithOrg("org-123")

	f, err := Compile([]RlsPolicy{p1, p2}, ctx, "Document", OpSelect)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if f == nil || f.Op != ir.OpOr || len(f.Children) != 2 {
		t.Errorf("expected Or of 2 policies, got %+v", f)
	}
}

func TestCompileRestrictiveAndsWithPermissive(t *testing.T) {
	permissive := NewRlsPolicy("org_isolation", "Document", AttributeEq("org_id", "user.org_id"))
	restrictive := NewRlsPolicy("active_only", "Document", StandardFilter(ir.Eq("status", value.String("active"))))
	restrictive.Type = Restrictive
	ctx := contextWithOrg("org-123")

	f, err := Compile([]RlsPolicy{permissive, restrictive}, ctx, "Document", OpSelect)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if f == nil || f.Op != ir.OpAnd || len(f.Children) != 2 {
		t.Errorf("expected And of permissive+restrictive, got %+v", f)
	}
}

func TestCombineFilters(t *testing.T) {
	user := ir.Eq("status", value.String("published"))
	rls := ir.Eq("org_id", value.String("org-123"))

	combined := CombineFilters(&user, &rls)
	if combined == nil || combined.Op != ir.OpAnd || len(combined.Children) != 2 {
		t.Errorf("unexpected combination: %+v", combined)
	}

	if got := CombineFilters(&user, nil); got != &user {
		t.Errorf("user-only combine should return user filter unchanged")
	}
	if got := CombineFilters(nil, nil); got != nil {
		t.Errorf("expected nil for no filters, got %+v", got)
	}
}
