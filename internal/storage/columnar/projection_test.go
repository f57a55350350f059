package columnar

import (
	"path/filepath"
	"testing"

	bolt "go.etcd.io/bbolt"

	"github.com/quartzdb/quartzdb/internal/storage/kv"
	"github.com/quartzdb/quartzdb/internal/value"
)

func setupTestStore(t *testing.T) (*Store, *kv.Handle) {
	t.Helper()
	h, err := kv.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("kv.Open: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	store, err := Open(h, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return store, h
}

func TestUpdateRowAndGetColumn(t *testing.T) {
	store, h := setupTestStore(t)
	proj, err := store.Projection("User")
	if err != nil {
		t.Fatalf("Projection: %v", err)
	}

	var id value.UUID
	id[0] = 1
	fields := []value.Field{
		{Name: "name", Value: value.String("Alice")},
		{Name: "age", Value: value.Int32(30)},
	}

	if err := h.Update(func(tx *bolt.Tx) error { return proj.UpdateRow(tx, id, fields) }); err != nil {
		t.Fatalf("UpdateRow: %v", err)
	}

	err = h.View(func(tx *bolt.Tx) error {
		v, ok, err := proj.GetColumn(tx, id, "name")
		if err != nil {
			return err
		}
		if !ok || v.Str != "Alice" {
			t.Errorf("name = %+v, ok=%v, want Alice", v, ok)
		}
		v, ok, err = proj.GetColumn(tx, id, "age")
		if err != nil {
			return err
		}
		if !ok || v.I32 != 30 {
			t.Errorf("age = %+v, ok=%v, want 30", v, ok)
		}
		_, ok, err = proj.GetColumn(tx, id, "nonexistent")
		if err != nil {
			return err
		}
		if ok {
			t.Errorf("nonexistent column returned ok=true")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestStringDictionaryDedup(t *testing.T) {
	store, h := setupTestStore(t)
	proj, err := store.Projection("User")
	if err != nil {
		t.Fatalf("Projection: %v", err)
	}

	var a, b value.UUID
	a[0], b[0] = 1, 2

	err = h.Update(func(tx *bolt.Tx) error {
		if err := proj.UpdateRow(tx, a, []value.Field{{Name: "name", Value: value.String("shared")}}); err != nil {
			return err
		}
		return proj.UpdateRow(tx, b, []value.Field{{Name: "name", Value: value.String("shared")}})
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	var forwardCount int
	err = h.View(func(tx *bolt.Tx) error {
		return tx.Bucket(kv.BucketDictForward).ForEach(func(k, v []byte) error {
			forwardCount++
			return nil
		})
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if forwardCount != 1 {
		t.Errorf("forward dictionary entries = %d, want 1 (deduplicated)", forwardCount)
	}
}

func TestDeleteRow(t *testing.T) {
	store, h := setupTestStore(t)
	proj, err := store.Projection("User")
	if err != nil {
		t.Fatalf("Projection: %v", err)
	}
	var id value.UUID
	id[0] = 1

	err = h.Update(func(tx *bolt.Tx) error {
		return proj.UpdateRow(tx, id, []value.Field{
			{Name: "name", Value: value.String("Bob")},
			{Name: "age", Value: value.Int32(25)},
		})
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	err = h.Update(func(tx *bolt.Tx) error { return proj.DeleteRow(tx, id, []string{"name", "age"}) })
	if err != nil {
		t.Fatalf("delete: %v", err)
	}

	err = h.View(func(tx *bolt.Tx) error {
		_, ok, err := proj.GetColumn(tx, id, "name")
		if err != nil {
			return err
		}
		if ok {
			t.Errorf("name still present after delete")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestAggregates(t *testing.T) {
	store, h := setupTestStore(t)
	proj, err := store.Projection("User")
	if err != nil {
		t.Fatalf("Projection: %v", err)
	}

	err = h.Update(func(tx *bolt.Tx) error {
		for i := 0; i < 10; i++ {
			var id value.UUID
			id[0] = byte(i)
			if err := proj.UpdateRow(tx, id, []value.Field{{Name: "age", Value: value.Int32(int32(20 + i))}}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	err = h.View(func(tx *bolt.Tx) error {
		count, err := proj.CountColumn(tx, "age")
		if err != nil {
			return err
		}
		if count != 10 {
			t.Errorf("count = %d, want 10", count)
		}
		sum, err := proj.SumColumn(tx, "age")
		if err != nil {
			return err
		}
		if sum != 245 {
			t.Errorf("sum = %v, want 245", sum)
		}
		minV, ok, err := proj.MinColumn(tx, "age")
		if err != nil {
			return err
		}
		if !ok || minV.I32 != 20 {
			t.Errorf("min = %+v, want 20", minV)
		}
		maxV, ok, err := proj.MaxColumn(tx, "age")
		if err != nil {
			return err
		}
		if !ok || maxV.I32 != 29 {
			t.Errorf("max = %+v, want 29", maxV)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestArrayValueRoundtrip(t *testing.T) {
	store, h := setupTestStore(t)
	proj, err := store.Projection("Test")
	if err != nil {
		t.Fatalf("Projection: %v", err)
	}
	var id value.UUID
	id[0] = 1

	want := value.Value{Kind: value.KindArrayString, ArrStr: []string{"a", "b", "c"}}
	err = h.Update(func(tx *bolt.Tx) error {
		return proj.UpdateRow(tx, id, []value.Field{{Name: "tags", Value: want}})
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	err = h.View(func(tx *bolt.Tx) error {
		got, ok, err := proj.GetColumn(tx, id, "tags")
		if err != nil {
			return err
		}
		if !ok {
			t.Fatal("tags not found")
		}
		if len(got.ArrStr) != 3 || got.ArrStr[0] != "a" || got.ArrStr[2] != "c" {
			t.Errorf("tags = %+v, want %+v", got.ArrStr, want.ArrStr)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}
