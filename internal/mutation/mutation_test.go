package mutation

import (
	"errors"
	"path/filepath"
	"testing"

	bolt "go.etcd.io/bbolt"

	"github.com/quartzdb/quartzdb/internal/catalog"
	"github.com/quartzdb/quartzdb/internal/idgen"
	"github.com/quartzdb/quartzdb/internal/query/ir"
	"github.com/quartzdb/quartzdb/internal/stats"
	"github.com/quartzdb/quartzdb/internal/storage/changelog"
	"github.com/quartzdb/quartzdb/internal/storage/columnar"
	"github.com/quartzdb/quartzdb/internal/storage/index"
	"github.com/quartzdb/quartzdb/internal/storage/kv"
	"github.com/quartzdb/quartzdb/internal/storage/rowstore"
	"github.com/quartzdb/quartzdb/internal/value"
)

func setupExecutor(t *testing.T) (*Executor, *kv.Handle, *catalog.Catalog) {
	t.Helper()
	h, err := kv.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("kv.Open: %v", err)
	}
	t.Cleanup(func() { h.Close() })

	rows := rowstore.New(h, idgen.New(), nil)
	cols, err := columnar.Open(h, nil)
	if err != nil {
		t.Fatalf("columnar.Open: %v", err)
	}
	hashIdx, err := index.NewHashIndex(h)
	if err != nil {
		t.Fatalf("NewHashIndex: %v", err)
	}
	rngIdx := index.NewRangeIndex(h)
	st := stats.New(rows, h, nil)
	cl := changelog.New(h, nil)

	cat := catalog.New(nil)
	user := &catalog.EntityDef{
		Name: "User", IdentityField: "id",
		Fields: []catalog.FieldDef{
			{Name: "id", Scalar: catalog.ScalarUUID},
			{Name: "name", Scalar: catalog.ScalarString, Indexed: true, Required: true},
			{Name: "age", Scalar: catalog.ScalarInt64, RangeIndexed: true},
		},
	}
	bundle := &catalog.Bundle{Version: 1, Entities: map[string]*catalog.EntityDef{"User": user}}
	if err := cat.ApplySchema(bundle); err != nil {
		t.Fatalf("ApplySchema: %v", err)
	}

	return New(rows, cols, hashIdx, rngIdx, cat, st, cl, nil), h, cat
}

func TestInsertWritesRowColumnarIndexStatsChangelog(t *testing.T) {
	ex, h, _ := setupExecutor(t)
	var id value.UUID
	err := h.Update(func(tx *bolt.Tx) error {
		var err error
		id, err = ex.Execute(tx, ir.Mutation{
			Kind: ir.MutInsert, EntityName: "User",
			Fields: map[string]value.Value{"name": value.String("alice"), "age": value.Int64(30)},
		})
		return err
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id == (value.UUID{}) {
		t.Fatal("expected generated id")
	}

	proj, err := ex.cols.Projection("User")
	if err != nil {
		t.Fatalf("Projection: %v", err)
	}
	err = h.View(func(tx *bolt.Tx) error {
		_, rec, err := ex.rows.GetLatest(tx, id)
		if err != nil {
			return err
		}
		fields, err := value.DecodeEntity(rec.Payload)
		if err != nil {
			return err
		}
		found := fieldMap(fields)
		if found["name"].Str != "alice" {
			t.Errorf("name = %v, want alice", found["name"])
		}

		ids, err := ex.hash.Lookup(tx, "User", "name", value.String("alice"))
		if err != nil {
			return err
		}
		if len(ids) != 1 || ids[0] != id {
			t.Errorf("hash index lookup = %v", ids)
		}

		col, ok, err := proj.GetColumn(tx, id, "name")
		if err != nil {
			return err
		}
		if !ok || col.Str != "alice" {
			t.Errorf("columnar name = %v, ok=%v, want alice", col, ok)
		}

		var entries []changelog.Entry
		if err := ex.log.ScanBatch(tx, 0, 10, func(en changelog.Entry) error {
			entries = append(entries, en)
			return nil
		}); err != nil {
			return err
		}
		if len(entries) != 1 || entries[0].Op != changelog.OpInsert || entries[0].EntityID != id {
			t.Errorf("changelog entries = %+v, want one insert for %v", entries, id)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}

	if got := ex.stats.Snapshot()["User"]; got != 1 {
		t.Errorf("stats count = %d, want 1", got)
	}
}

func TestUpdateReindexesChangedFieldOnly(t *testing.T) {
	ex, h, _ := setupExecutor(t)
	var id value.UUID
	err := h.Update(func(tx *bolt.Tx) error {
		var err error
		id, err = ex.Execute(tx, ir.Mutation{
			Kind: ir.MutInsert, EntityName: "User",
			Fields: map[string]value.Value{"name": value.String("alice"), "age": value.Int64(30)},
		})
		return err
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	err = h.Update(func(tx *bolt.Tx) error {
		_, err := ex.Execute(tx, ir.Mutation{
			Kind: ir.MutUpdate, EntityName: "User", ID: &id,
			Fields: map[string]value.Value{"name": value.String("alicia")},
		})
		return err
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	err = h.View(func(tx *bolt.Tx) error {
		oldIDs, err := ex.hash.Lookup(tx, "User", "name", value.String("alice"))
		if err != nil {
			return err
		}
		if len(oldIDs) != 0 {
			t.Errorf("stale index entry for old name still present: %v", oldIDs)
		}
		newIDs, err := ex.hash.Lookup(tx, "User", "name", value.String("alicia"))
		if err != nil {
			return err
		}
		if len(newIDs) != 1 || newIDs[0] != id {
			t.Errorf("new name index = %v", newIDs)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestDeleteTombstonesAndDecrementsStats(t *testing.T) {
	ex, h, _ := setupExecutor(t)
	var id value.UUID
	err := h.Update(func(tx *bolt.Tx) error {
		var err error
		id, err = ex.Execute(tx, ir.Mutation{
			Kind: ir.MutInsert, EntityName: "User",
			Fields: map[string]value.Value{"name": value.String("alice"), "age": value.Int64(30)},
		})
		return err
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	err = h.Update(func(tx *bolt.Tx) error {
		_, err := ex.Execute(tx, ir.Mutation{Kind: ir.MutDelete, EntityName: "User", ID: &id})
		return err
	})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}

	if got := ex.stats.Snapshot()["User"]; got != 0 {
		t.Errorf("stats count after delete = %d, want 0", got)
	}

	err = h.View(func(tx *bolt.Tx) error {
		_, _, err := ex.rows.GetLatest(tx, id)
		if !errors.Is(err, rowstore.ErrNotFound) {
			t.Errorf("GetLatest after delete = %v, want ErrNotFound", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestUpsertWithoutIDInserts(t *testing.T) {
	ex, h, _ := setupExecutor(t)
	var id value.UUID
	err := h.Update(func(tx *bolt.Tx) error {
		var err error
		id, err = ex.Execute(tx, ir.Mutation{
			Kind: ir.MutUpsert, EntityName: "User",
			Fields: map[string]value.Value{"name": value.String("carol"), "age": value.Int64(22)},
		})
		return err
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if id == (value.UUID{}) {
		t.Fatal("expected generated id from id-less upsert")
	}
}

func TestUpsertWithIDUpdatesExisting(t *testing.T) {
	ex, h, _ := setupExecutor(t)
	var id value.UUID
	err := h.Update(func(tx *bolt.Tx) error {
		var err error
		id, err = ex.Execute(tx, ir.Mutation{
			Kind: ir.MutInsert, EntityName: "User",
			Fields: map[string]value.Value{"name": value.String("dave"), "age": value.Int64(50)},
		})
		return err
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	err = h.Update(func(tx *bolt.Tx) error {
		_, err := ex.Execute(tx, ir.Mutation{
			Kind: ir.MutUpsert, EntityName: "User", ID: &id,
			Fields: map[string]value.Value{"age": value.Int64(51)},
		})
		return err
	})
	if err != nil {
		t.Fatalf("upsert update: %v", err)
	}

	if got := ex.stats.Snapshot()["User"]; got != 1 {
		t.Errorf("stats count = %d, want 1 (upsert-on-existing must not double-count)", got)
	}
}

func TestInsertMissingRequiredFieldFails(t *testing.T) {
	ex, h, _ := setupExecutor(t)
	err := h.Update(func(tx *bolt.Tx) error {
		_, err := ex.Execute(tx, ir.Mutation{Kind: ir.MutInsert, EntityName: "User"})
		return err
	})
	if !errors.Is(err, ErrFieldRequired) {
		t.Errorf("got %v, want ErrFieldRequired", err)
	}
}
