package index

import (
	"path/filepath"
	"testing"

	bolt "go.etcd.io/bbolt"

	"github.com/quartzdb/quartzdb/internal/storage/kv"
	"github.com/quartzdb/quartzdb/internal/value"
)

func setupRangeIndex(t *testing.T) (*RangeIndex, *kv.Handle) {
	t.Helper()
	h, err := kv.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("kv.Open: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return NewRangeIndex(h), h
}

func TestRangeIndexScanOrder(t *testing.T) {
	idx, h := setupRangeIndex(t)

	ages := []int32{30, 10, 25, 5, 40}
	ids := make([]value.UUID, len(ages))
	err := h.Update(func(tx *bolt.Tx) error {
		for i, age := range ages {
			ids[i][0] = byte(i + 1)
			if err := idx.Insert(tx, "User", "age", value.Int32(age), ids[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	var got []value.UUID
	err = h.View(func(tx *bolt.Tx) error {
		return idx.ScanRange(tx, "User", "age", nil, nil, func(id value.UUID) error {
			got = append(got, id)
			return nil
		})
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	// sorted by age: 5, 10, 25, 30, 40 -> ids[3], ids[1], ids[2], ids[0], ids[4]
	want := []value.UUID{ids[3], ids[1], ids[2], ids[0], ids[4]}
	if len(got) != len(want) {
		t.Fatalf("got %d results, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestRangeIndexBounds(t *testing.T) {
	idx, h := setupRangeIndex(t)

	ids := make([]value.UUID, 10)
	err := h.Update(func(tx *bolt.Tx) error {
		for i := 0; i < 10; i++ {
			ids[i][0] = byte(i + 1)
			if err := idx.Insert(tx, "User", "age", value.Int32(int32(20+i)), ids[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	lo, hi := value.Int32(23), value.Int32(26)
	var got []value.UUID
	err = h.View(func(tx *bolt.Tx) error {
		return idx.ScanRange(tx, "User", "age", &lo, &hi, func(id value.UUID) error {
			got = append(got, id)
			return nil
		})
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if len(got) != 4 {
		t.Errorf("got %d results for [23,26], want 4", len(got))
	}
}

func TestRangeIndexNegativeFloatOrdering(t *testing.T) {
	idx, h := setupRangeIndex(t)

	vals := []float64{-5.5, 3.2, -100.0, 0.0, 42.1}
	ids := make([]value.UUID, len(vals))
	err := h.Update(func(tx *bolt.Tx) error {
		for i, v := range vals {
			ids[i][0] = byte(i + 1)
			if err := idx.Insert(tx, "Item", "price", value.Float64(v), ids[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	var got []value.UUID
	err = h.View(func(tx *bolt.Tx) error {
		return idx.ScanRange(tx, "Item", "price", nil, nil, func(id value.UUID) error {
			got = append(got, id)
			return nil
		})
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	// sorted ascending: -100.0, -5.5, 0.0, 3.2, 42.1 -> ids[2], ids[0], ids[3], ids[1], ids[4]
	want := []value.UUID{ids[2], ids[0], ids[3], ids[1], ids[4]}
	if len(got) != len(want) {
		t.Fatalf("got %d results, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestRangeIndexCacheServesSubRange(t *testing.T) {
	idx, h := setupRangeIndex(t)

	ids := make([]value.UUID, 10)
	err := h.Update(func(tx *bolt.Tx) error {
		for i := 0; i < 10; i++ {
			ids[i][0] = byte(i + 1)
			if err := idx.Insert(tx, "User", "age", value.Int32(int32(20+i)), ids[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Full scan populates the cache with unbounded range.
	err = h.View(func(tx *bolt.Tx) error {
		return idx.ScanRange(tx, "User", "age", nil, nil, func(id value.UUID) error { return nil })
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}

	// A sub-range query should be served from cache and still be correct.
	lo, hi := value.Int32(22), value.Int32(24)
	var got []value.UUID
	err = h.View(func(tx *bolt.Tx) error {
		return idx.ScanRange(tx, "User", "age", &lo, &hi, func(id value.UUID) error {
			got = append(got, id)
			return nil
		})
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("got %d results for [22,24], want 3", len(got))
	}
}
