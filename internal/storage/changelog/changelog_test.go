package changelog

import (
	"bytes"
	"path/filepath"
	"testing"

	bolt "go.etcd.io/bbolt"

	"github.com/quartzdb/quartzdb/internal/storage/kv"
	"github.com/quartzdb/quartzdb/internal/value"
)

func setupLog(t *testing.T) (*Log, *kv.Handle) {
	t.Helper()
	h, err := kv.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("kv.Open: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return New(h, nil), h
}

func TestAppendAssignsMonotonicLSN(t *testing.T) {
	l, h := setupLog(t)
	var lsns []uint64
	err := h.Update(func(tx *bolt.Tx) error {
		for i := 0; i < 5; i++ {
			lsn, err := l.Append(tx, Entry{EntityName: "User", Op: OpInsert})
			if err != nil {
				return err
			}
			lsns = append(lsns, lsn)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	for i := 1; i < len(lsns); i++ {
		if lsns[i] <= lsns[i-1] {
			t.Errorf("lsn[%d]=%d not strictly greater than lsn[%d]=%d", i, lsns[i], i-1, lsns[i-1])
		}
	}
}

func TestScanBatchOrderAndLimit(t *testing.T) {
	l, h := setupLog(t)
	err := h.Update(func(tx *bolt.Tx) error {
		for i := 0; i < 10; i++ {
			if _, err := l.Append(tx, Entry{EntityName: "User", Op: OpUpdate}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	var got []Entry
	err = h.View(func(tx *bolt.Tx) error {
		return l.ScanBatch(tx, 0, 3, func(e Entry) error {
			got = append(got, e)
			return nil
		})
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].LSN <= got[i-1].LSN {
			t.Errorf("entries not in ascending LSN order: %d then %d", got[i-1].LSN, got[i].LSN)
		}
	}
}

func TestScanFilteredByEntity(t *testing.T) {
	l, h := setupLog(t)
	err := h.Update(func(tx *bolt.Tx) error {
		if _, err := l.Append(tx, Entry{EntityName: "User", Op: OpInsert}); err != nil {
			return err
		}
		if _, err := l.Append(tx, Entry{EntityName: "Post", Op: OpInsert}); err != nil {
			return err
		}
		_, err := l.Append(tx, Entry{EntityName: "User", Op: OpUpdate})
		return err
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	var got []Entry
	err = h.View(func(tx *bolt.Tx) error {
		return l.ScanFiltered(tx, 0, 10, Filter{Entities: []string{"User"}}, func(e Entry) error {
			got = append(got, e)
			return nil
		})
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	for _, e := range got {
		if e.EntityName != "User" {
			t.Errorf("unexpected entity %q in filtered scan", e.EntityName)
		}
	}
}

func TestEntryRoundtripWithLargeBeforeAfter(t *testing.T) {
	l, h := setupLog(t)
	before := bytes.Repeat([]byte("x"), compressThreshold+100)
	after := bytes.Repeat([]byte("y"), compressThreshold+100)

	var id value.UUID
	id[0] = 7
	err := h.Update(func(tx *bolt.Tx) error {
		_, err := l.Append(tx, Entry{
			EntityName:    "User",
			EntityID:      id,
			Op:            OpUpdate,
			Before:        before,
			After:         after,
			ChangedFields: []string{"name", "age"},
			SchemaVersion: 3,
		})
		return err
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	var got Entry
	err = h.View(func(tx *bolt.Tx) error {
		return l.ScanBatch(tx, 0, 1, func(e Entry) error {
			got = e
			return nil
		})
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if !bytes.Equal(got.Before, before) {
		t.Error("before payload did not round-trip through compression")
	}
	if !bytes.Equal(got.After, after) {
		t.Error("after payload did not round-trip through compression")
	}
	if got.SchemaVersion != 3 {
		t.Errorf("schema version = %d, want 3", got.SchemaVersion)
	}
	if len(got.ChangedFields) != 2 {
		t.Errorf("changed fields = %v, want 2 entries", got.ChangedFields)
	}
}
