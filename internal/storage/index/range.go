package index

import (
	"bytes"
	"sync"

	"github.com/google/btree"
	bolt "go.etcd.io/bbolt"

	"github.com/quartzdb/quartzdb/internal/storage/kv"
	"github.com/quartzdb/quartzdb/internal/value"
)

// RangeIndex provides ordered range scans over (entity_type, column,
// value) -> entity id, persisted as one bbolt bucket per entity type with
// keys ordered so byte-lexicographic order matches value order (see
// ordering.go). An in-memory google/btree mirrors the bounds of the most
// recently scanned range per (entity_type, column) so a repeated
// sub-range scan is served without walking bbolt again.
type RangeIndex struct {
	kv *kv.Handle

	cacheMu sync.Mutex
	cache   map[hasIndexKey]*rangeCache
}

type rangeCache struct {
	lo, hi []byte // bounds of the range currently mirrored, lo/hi inclusive
	tree   *btree.BTree
}

// rangeItem implements btree.Item; ordering is purely by orderedKey so the
// tree reproduces bbolt's byte order.
type rangeItem struct {
	orderedKey []byte
	id         value.UUID
}

func (a rangeItem) Less(other btree.Item) bool {
	b := other.(rangeItem)
	c := bytes.Compare(a.orderedKey, b.orderedKey)
	if c != 0 {
		return c < 0
	}
	return bytes.Compare(a.id[:], b.id[:]) < 0
}

func NewRangeIndex(h *kv.Handle) *RangeIndex {
	return &RangeIndex{kv: h, cache: make(map[hasIndexKey]*rangeCache)}
}

// rangeKey is [column_name_len:1][column_name][0x00][ordered_value][entity_id:16].
func rangeKey(column string, ordered []byte, id value.UUID) []byte {
	buf := make([]byte, 0, 1+len(column)+1+len(ordered)+16)
	buf = append(buf, byte(len(column)))
	buf = append(buf, column...)
	buf = append(buf, 0x00)
	buf = append(buf, ordered...)
	buf = append(buf, id[:]...)
	return buf
}

func rangeColumnPrefix(column string) []byte {
	buf := make([]byte, 0, 1+len(column)+1)
	buf = append(buf, byte(len(column)))
	buf = append(buf, column...)
	buf = append(buf, 0x00)
	return buf
}

// Insert adds (column, v) -> id to the range index. v's kind must be
// orderable (see encodeOrderedValue); non-orderable kinds are a no-op,
// since array-typed fields are never range-indexed.
func (r *RangeIndex) Insert(tx *bolt.Tx, entityType, column string, v value.Value, id value.UUID) error {
	ordered, ok := encodeOrderedValue(v)
	if !ok {
		return nil
	}
	b, err := tx.CreateBucketIfNotExists(kv.RangeIndexBucket(entityType))
	if err != nil {
		return err
	}
	if err := b.Put(rangeKey(column, ordered, id), []byte{}); err != nil {
		return err
	}
	r.invalidate(entityType, column)
	return nil
}

// Remove drops (column, v) -> id from the range index.
func (r *RangeIndex) Remove(tx *bolt.Tx, entityType, column string, v value.Value, id value.UUID) error {
	ordered, ok := encodeOrderedValue(v)
	if !ok {
		return nil
	}
	b := tx.Bucket(kv.RangeIndexBucket(entityType))
	if b == nil {
		return nil
	}
	if err := b.Delete(rangeKey(column, ordered, id)); err != nil {
		return err
	}
	r.invalidate(entityType, column)
	return nil
}

// ScanRange yields every (id) whose indexed value falls within [lo, hi]
// (either bound may be the zero Value to mean unbounded on that side),
// in ascending order. Serves from the in-memory btree cache when the
// requested bounds fall within the most recently scanned range for this
// (entityType, column); otherwise walks bbolt and repopulates the cache.
func (r *RangeIndex) ScanRange(tx *bolt.Tx, entityType, column string, lo, hi *value.Value, fn func(id value.UUID) error) error {
	var loOrdered, hiOrdered []byte
	if lo != nil {
		loOrdered, _ = encodeOrderedValue(*lo)
	}
	if hi != nil {
		hiOrdered, _ = encodeOrderedValue(*hi)
	}

	if items, ok := r.tryServeFromCache(entityType, column, loOrdered, hiOrdered); ok {
		for _, it := range items {
			if err := fn(it.id); err != nil {
				return err
			}
		}
		return nil
	}

	b := tx.Bucket(kv.RangeIndexBucket(entityType))
	prefix := rangeColumnPrefix(column)
	var collected []rangeItem
	if b != nil {
		c := b.Cursor()
		start := prefix
		if loOrdered != nil {
			start = append(append([]byte(nil), prefix...), loOrdered...)
		}
		for k, _ := c.Seek(start); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			orderedAndID := k[len(prefix):]
			if len(orderedAndID) < 16 {
				continue
			}
			ordered := orderedAndID[:len(orderedAndID)-16]
			if hiOrdered != nil && bytes.Compare(ordered, hiOrdered) > 0 {
				break
			}
			var id value.UUID
			copy(id[:], orderedAndID[len(orderedAndID)-16:])
			item := rangeItem{orderedKey: append([]byte(nil), ordered...), id: id}
			collected = append(collected, item)
			if err := fn(id); err != nil {
				return err
			}
		}
	}
	r.populateCache(entityType, column, loOrdered, hiOrdered, collected)
	return nil
}

func (r *RangeIndex) invalidate(entityType, column string) {
	r.cacheMu.Lock()
	delete(r.cache, hasIndexKey{entityType, column})
	r.cacheMu.Unlock()
}

func (r *RangeIndex) populateCache(entityType, column string, lo, hi []byte, items []rangeItem) {
	tree := btree.New(32)
	for _, it := range items {
		tree.ReplaceOrInsert(it)
	}
	r.cacheMu.Lock()
	r.cache[hasIndexKey{entityType, column}] = &rangeCache{lo: lo, hi: hi, tree: tree}
	r.cacheMu.Unlock()
}

// tryServeFromCache returns the cached items for [lo, hi] if the cache's
// mirrored range fully covers the request.
func (r *RangeIndex) tryServeFromCache(entityType, column string, lo, hi []byte) ([]rangeItem, bool) {
	r.cacheMu.Lock()
	c, ok := r.cache[hasIndexKey{entityType, column}]
	r.cacheMu.Unlock()
	if !ok {
		return nil, false
	}
	if lo == nil {
		if c.lo != nil {
			return nil, false
		}
	} else if c.lo != nil && bytes.Compare(lo, c.lo) < 0 {
		return nil, false
	}
	if hi == nil {
		if c.hi != nil {
			return nil, false
		}
	} else if c.hi != nil && bytes.Compare(hi, c.hi) > 0 {
		return nil, false
	}

	var out []rangeItem
	pivotLow := rangeItem{orderedKey: lo}
	c.tree.AscendGreaterOrEqual(pivotLow, func(i btree.Item) bool {
		it := i.(rangeItem)
		if hi != nil && bytes.Compare(it.orderedKey, hi) > 0 {
			return false
		}
		out = append(out, it)
		return true
	})
	return out, true
}
