package catalog

import (
	"path/filepath"
	"testing"

	"github.com/quartzdb/quartzdb/internal/storage/kv"
)

func openTestKV(t *testing.T) *kv.Handle {
	t.Helper()
	h, err := kv.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("kv.Open: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func testBundle() *Bundle {
	return &Bundle{
		Version: 3,
		Entities: map[string]*EntityDef{
			"User": {
				Name:          "User",
				IdentityField: "id",
				Fields: []FieldDef{
					{Name: "id", Kind: FieldScalar, Scalar: ScalarUUID},
					{Name: "handle", Kind: FieldScalar, Scalar: ScalarString, Indexed: true},
				},
			},
		},
		Relations: map[string]*RelationDef{},
	}
}

func TestSaveLoadSchemaRoundTrips(t *testing.T) {
	h := openTestKV(t)
	want := testBundle()
	if err := SaveSchema(h, want); err != nil {
		t.Fatalf("SaveSchema: %v", err)
	}
	got, found, err := LoadSchema(h)
	if err != nil {
		t.Fatalf("LoadSchema: %v", err)
	}
	if !found {
		t.Fatalf("expected a persisted schema to be found")
	}
	if got.Version != want.Version {
		t.Fatalf("Version = %d, want %d", got.Version, want.Version)
	}
	u, ok := got.Entities["User"]
	if !ok {
		t.Fatalf("expected User entity to round-trip")
	}
	if len(u.Fields) != 2 || u.Fields[1].Name != "handle" || !u.Fields[1].Indexed {
		t.Fatalf("fields did not round-trip: %+v", u.Fields)
	}
}

func TestLoadSchemaNotFoundOnFreshStore(t *testing.T) {
	h := openTestKV(t)
	got, found, err := LoadSchema(h)
	if err != nil {
		t.Fatalf("LoadSchema: %v", err)
	}
	if found || got != nil {
		t.Fatalf("expected no schema on a fresh store, got found=%v bundle=%v", found, got)
	}
}

func TestCatalogLoadPopulatesFromPersistedSchema(t *testing.T) {
	h := openTestKV(t)
	want := testBundle()
	if err := SaveSchema(h, want); err != nil {
		t.Fatalf("SaveSchema: %v", err)
	}

	c := New(nil)
	found, err := c.Load(h)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !found {
		t.Fatalf("expected Load to find the persisted schema")
	}
	if c.CurrentVersion() != 3 {
		t.Fatalf("CurrentVersion = %d, want 3", c.CurrentVersion())
	}
	if _, err := c.GetEntity("User"); err != nil {
		t.Fatalf("GetEntity(User): %v", err)
	}
}

func TestCatalogLoadLeavesEmptyBundleWhenNothingPersisted(t *testing.T) {
	h := openTestKV(t)
	c := New(nil)
	found, err := c.Load(h)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if found {
		t.Fatalf("expected no schema to be found on a fresh store")
	}
	if c.CurrentVersion() != 0 {
		t.Fatalf("expected empty bundle at version 0, got %d", c.CurrentVersion())
	}
}

func TestApplyAndSavePersistsAcrossCatalogInstances(t *testing.T) {
	h := openTestKV(t)
	c1 := New(nil)
	if err := c1.ApplyAndSave(h, testBundle()); err != nil {
		t.Fatalf("ApplyAndSave: %v", err)
	}

	c2 := New(nil)
	found, err := c2.Load(h)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !found || c2.CurrentVersion() != c1.CurrentVersion() {
		t.Fatalf("expected c2 to observe c1's saved schema, found=%v version=%d", found, c2.CurrentVersion())
	}
}
