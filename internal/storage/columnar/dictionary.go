package columnar

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	bolt "go.etcd.io/bbolt"

	"github.com/quartzdb/quartzdb/internal/storage/kv"
)

// StringDictionary maps field string values to u32 ids so the columnar
// projection never stores a repeated string more than once. Forward and
// reverse mappings live in the shared bbolt buckets dict:forward and
// dict:reverse, with an atomic counter handing out the next id.
//
// Dictionary entries are never garbage collected as strings fall out of
// use; nothing in the repository reclaims them.
type StringDictionary struct {
	nextID atomic.Uint32
}

// OpenStringDictionary scans dict:reverse once for the highest assigned id
// so nextID resumes correctly across restarts.
func OpenStringDictionary(h *kv.Handle) (*StringDictionary, error) {
	d := &StringDictionary{}
	err := h.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(kv.BucketDictReverse).Cursor()
		k, _ := c.Last()
		if k == nil {
			return nil
		}
		if len(k) != 4 {
			return fmt.Errorf("columnar: malformed dict:reverse key %x", k)
		}
		d.nextID.Store(binary.BigEndian.Uint32(k) + 1)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// GetOrInsert returns s's dictionary id, assigning the next available one
// and recording both forward and reverse mappings if s hasn't been seen.
func (d *StringDictionary) GetOrInsert(tx *bolt.Tx, s string) (uint32, error) {
	fwd := tx.Bucket(kv.BucketDictForward)
	key := []byte(s)
	if existing := fwd.Get(key); existing != nil {
		return binary.LittleEndian.Uint32(existing), nil
	}

	id := d.nextID.Add(1) - 1
	idLE := make([]byte, 4)
	binary.LittleEndian.PutUint32(idLE, id)
	if err := fwd.Put(key, idLE); err != nil {
		return 0, err
	}
	idBE := make([]byte, 4)
	binary.BigEndian.PutUint32(idBE, id)
	rev := tx.Bucket(kv.BucketDictReverse)
	if err := rev.Put(idBE, key); err != nil {
		return 0, err
	}
	return id, nil
}

// Lookup returns the string previously assigned id, or ok=false.
func (d *StringDictionary) Lookup(tx *bolt.Tx, id uint32) (string, bool, error) {
	idBE := make([]byte, 4)
	binary.BigEndian.PutUint32(idBE, id)
	rev := tx.Bucket(kv.BucketDictReverse)
	v := rev.Get(idBE)
	if v == nil {
		return "", false, nil
	}
	return string(v), true, nil
}
