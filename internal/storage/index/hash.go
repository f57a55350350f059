package index

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/quartzdb/quartzdb/internal/storage/kv"
	"github.com/quartzdb/quartzdb/internal/value"
)

const defaultLookupCacheSize = 10_000

// HashIndex provides O(1) equality lookups over (entity_type, column,
// value) -> entity ids, persisted as one bbolt bucket per entity type.
type HashIndex struct {
	kv *kv.Handle

	hasIndexMu    sync.RWMutex
	hasIndexCache map[hasIndexKey]bool

	lookupCache *lru.Cache[string, []value.UUID]
}

type hasIndexKey struct {
	entityType string
	column     string
}

func NewHashIndex(h *kv.Handle) (*HashIndex, error) {
	c, err := lru.New[string, []value.UUID](defaultLookupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("index: create lookup cache: %w", err)
	}
	return &HashIndex{
		kv:            h,
		hasIndexCache: make(map[hasIndexKey]bool),
		lookupCache:   c,
	}, nil
}

// buildHashKey builds [column_name_len:1][column_name][0x00][encoded_value].
func buildHashKey(column string, v value.Value) []byte {
	buf := make([]byte, 0, 1+len(column)+1+9)
	buf = append(buf, byte(len(column)))
	buf = append(buf, column...)
	buf = append(buf, 0x00)
	buf = append(buf, value.EncodeValue(v)...)
	return buf
}

func hashColumnPrefix(column string) []byte {
	buf := make([]byte, 0, 1+len(column)+1)
	buf = append(buf, byte(len(column)))
	buf = append(buf, column...)
	buf = append(buf, 0x00)
	return buf
}

func fullCacheKey(entityType string, key []byte) string {
	return entityType + "\x00" + base64.StdEncoding.EncodeToString(key)
}

func decodeIDList(buf []byte) []value.UUID {
	n := len(buf) / 16
	ids := make([]value.UUID, n)
	for i := 0; i < n; i++ {
		copy(ids[i][:], buf[i*16:i*16+16])
	}
	return ids
}

func encodeIDList(ids []value.UUID) []byte {
	buf := make([]byte, 0, len(ids)*16)
	for _, id := range ids {
		buf = append(buf, id[:]...)
	}
	return buf
}

func containsID(ids []value.UUID, id value.UUID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// Insert adds id to the set of entities matching (column, v). Idempotent.
func (h *HashIndex) Insert(tx *bolt.Tx, entityType, column string, v value.Value, id value.UUID) error {
	b, err := tx.CreateBucketIfNotExists(kv.HashIndexBucket(entityType))
	if err != nil {
		return err
	}
	key := buildHashKey(column, v)
	ids := decodeIDList(b.Get(key))
	if containsID(ids, id) {
		return nil
	}
	ids = append(ids, id)
	if err := b.Put(key, encodeIDList(ids)); err != nil {
		return err
	}
	h.setHasIndex(entityType, column, true)
	h.lookupCache.Remove(fullCacheKey(entityType, key))
	return nil
}

// Remove drops id from (column, v)'s entity set, deleting the entry
// entirely once empty.
func (h *HashIndex) Remove(tx *bolt.Tx, entityType, column string, v value.Value, id value.UUID) error {
	b := tx.Bucket(kv.HashIndexBucket(entityType))
	if b == nil {
		return nil
	}
	key := buildHashKey(column, v)
	existing := b.Get(key)
	if existing == nil {
		return nil
	}
	ids := decodeIDList(existing)
	filtered := ids[:0]
	for _, x := range ids {
		if x != id {
			filtered = append(filtered, x)
		}
	}
	h.lookupCache.Remove(fullCacheKey(entityType, key))
	if len(filtered) == 0 {
		return b.Delete(key)
	}
	return b.Put(key, encodeIDList(filtered))
}

// Lookup returns every entity id matching (column, v), serving from the
// lookup cache when possible.
func (h *HashIndex) Lookup(tx *bolt.Tx, entityType, column string, v value.Value) ([]value.UUID, error) {
	key := buildHashKey(column, v)
	ck := fullCacheKey(entityType, key)
	if cached, ok := h.lookupCache.Get(ck); ok {
		return cached, nil
	}
	b := tx.Bucket(kv.HashIndexBucket(entityType))
	var ids []value.UUID
	if b != nil {
		ids = decodeIDList(b.Get(key))
	}
	h.lookupCache.Add(ck, ids)
	return ids, nil
}

// HasIndex reports whether any hash-index entries exist for (entityType,
// column), checking the in-memory cache before falling back to a prefix
// scan.
func (h *HashIndex) HasIndex(tx *bolt.Tx, entityType, column string) bool {
	k := hasIndexKey{entityType, column}
	h.hasIndexMu.RLock()
	exists, ok := h.hasIndexCache[k]
	h.hasIndexMu.RUnlock()
	if ok {
		return exists
	}

	exists = false
	b := tx.Bucket(kv.HashIndexBucket(entityType))
	if b != nil {
		c := b.Cursor()
		prefix := hashColumnPrefix(column)
		if key, _ := c.Seek(prefix); key != nil && bytes.HasPrefix(key, prefix) {
			exists = true
		}
	}
	h.setHasIndex(entityType, column, exists)
	return exists
}

func (h *HashIndex) setHasIndex(entityType, column string, exists bool) {
	h.hasIndexMu.Lock()
	h.hasIndexCache[hasIndexKey{entityType, column}] = exists
	h.hasIndexMu.Unlock()
}

// InsertBatch groups (value, id) pairs by value and performs one
// read-modify-write per unique value rather than one per pair, for
// efficient bulk index backfill.
func (h *HashIndex) InsertBatch(tx *bolt.Tx, entityType, column string, pairs []ValueID) (int, error) {
	if len(pairs) == 0 {
		return 0, nil
	}
	b, err := tx.CreateBucketIfNotExists(kv.HashIndexBucket(entityType))
	if err != nil {
		return 0, err
	}

	groups := make(map[string][]value.UUID)
	keyBytes := make(map[string][]byte)
	for _, p := range pairs {
		key := buildHashKey(column, p.Value)
		ks := string(key)
		groups[ks] = append(groups[ks], p.ID)
		keyBytes[ks] = key
	}

	inserted := 0
	for ks, newIDs := range groups {
		key := keyBytes[ks]
		existing := decodeIDList(b.Get(key))
		seen := make(map[value.UUID]bool, len(existing))
		for _, id := range existing {
			seen[id] = true
		}
		before := len(existing)
		for _, id := range newIDs {
			if !seen[id] {
				seen[id] = true
				existing = append(existing, id)
			}
		}
		inserted += len(existing) - before
		if err := b.Put(key, encodeIDList(existing)); err != nil {
			return 0, err
		}
		h.lookupCache.Remove(fullCacheKey(entityType, key))
	}
	h.setHasIndex(entityType, column, true)
	return inserted, nil
}

// ValueID pairs an indexed value with the entity it belongs to, used by
// InsertBatch and BuildForColumn.
type ValueID struct {
	Value value.Value
	ID    value.UUID
}

// BuildForColumn backfills the index for column from an already-produced
// sequence of (entity_id, value) pairs, typically a columnar scan.
func (h *HashIndex) BuildForColumn(tx *bolt.Tx, entityType, column string, pairs []ValueID) (int, error) {
	return h.InsertBatch(tx, entityType, column, pairs)
}

// DropColumnIndex removes every hash-index entry for (entityType, column).
func (h *HashIndex) DropColumnIndex(tx *bolt.Tx, entityType, column string) error {
	b := tx.Bucket(kv.HashIndexBucket(entityType))
	if b == nil {
		return nil
	}
	prefix := hashColumnPrefix(column)
	c := b.Cursor()
	var toDelete [][]byte
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		toDelete = append(toDelete, append([]byte(nil), k...))
	}
	for _, k := range toDelete {
		if err := b.Delete(k); err != nil {
			return err
		}
		h.lookupCache.Remove(fullCacheKey(entityType, k))
	}
	h.setHasIndex(entityType, column, false)
	return nil
}
