package catalog

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/quartzdb/quartzdb/internal/storage/kv"
)

// schemaMetaKey is the fixed key a bundle is stored under in
// kv.BucketMeta. The "schema:" prefix keeps it clear of rowstore's
// "latest:"-prefixed pointer keys, which share the same bucket.
var schemaMetaKey = []byte("schema:bundle")

// SaveSchema persists b into kv.BucketMeta as JSON, the same low-volume
// control-plane encoding internal/migration uses for its state records.
// It is the caller's responsibility to call this after a successful
// ApplySchema (or to use ApplyAndSave); ApplySchema itself never writes
// to the kv store, so that a
// Catalog can be constructed and populated in tests without a backing
// Handle.
func SaveSchema(h *kv.Handle, b *Bundle) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("catalog: marshal schema: %w", err)
	}
	return h.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(kv.BucketMeta).Put(schemaMetaKey, data)
	})
}

// LoadSchema reads back the most recently saved bundle. It returns
// (bundle, true, nil) if one was found, or (nil, false, nil) if the
// database has never had a schema applied and persisted.
func LoadSchema(h *kv.Handle) (*Bundle, bool, error) {
	var b *Bundle
	var found bool
	err := h.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(kv.BucketMeta).Get(schemaMetaKey)
		if data == nil {
			return nil
		}
		found = true
		b = &Bundle{}
		return json.Unmarshal(data, b)
	})
	if err != nil {
		return nil, false, fmt.Errorf("catalog: load schema: %w", err)
	}
	return b, found, nil
}

// Load populates c's current bundle from h, if one has been persisted.
// It returns false (with no error) when the store has no saved schema,
// leaving c at its initial empty bundle — the expected state for a
// brand-new database before its first ApplySchema.
func (c *Catalog) Load(h *kv.Handle) (bool, error) {
	b, found, err := LoadSchema(h)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	c.current.Store(b)
	return true, nil
}

// ApplyAndSave is ApplySchema followed by SaveSchema, so the in-memory
// swap and its durable record never drift apart under normal operation.
// Callers that apply schema changes outside of a migration (e.g. initial
// bootstrap) should prefer this over calling ApplySchema directly.
func (c *Catalog) ApplyAndSave(h *kv.Handle, next *Bundle) error {
	if err := c.ApplySchema(next); err != nil {
		return err
	}
	return SaveSchema(h, c.CurrentSchema())
}
