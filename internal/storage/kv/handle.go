// Package kv wraps a single bbolt database file and its bucket-per-concern
// layout: data, meta, index:entity_type, columnar:<entity>, dict:forward,
// dict:reverse, index:hash:<entity>, index:range:<entity>, migration:state,
// changelog. Grounded on cuemby-warren's pkg/storage/boltdb.go
// bucket-constant-plus-Update/View idiom.
package kv

import (
	"fmt"
	"log/slog"

	bolt "go.etcd.io/bbolt"
)

// Fixed top-level bucket names. Per-entity buckets are derived at runtime
// via BucketName helpers below.
var (
	BucketData        = []byte("data")
	BucketMeta         = []byte("meta")
	BucketEntityType   = []byte("index:entity_type")
	BucketDictForward  = []byte("dict:forward")
	BucketDictReverse  = []byte("dict:reverse")
	BucketMigration    = []byte("migration:state")
	BucketBackfill     = []byte("backfill:state")
	BucketChangelog    = []byte("changelog")
)

func ColumnarBucket(entity string) []byte { return []byte("columnar:" + entity) }
func HashIndexBucket(entity string) []byte { return []byte("index:hash:" + entity) }
func RangeIndexBucket(entity string) []byte { return []byte("index:range:" + entity) }

// Handle owns the single *bolt.DB the database exclusively holds; every
// storage-engine component (rowstore, columnar, index, changelog,
// migration state) operates through it so that a mutation's row write,
// columnar update, index reconciliation, and changelog append are one
// bbolt transaction; the stats bump is an in-memory counter outside it
// (see DESIGN.md's "partial commit" decision).
type Handle struct {
	DB  *bolt.DB
	log *slog.Logger
}

// Open opens (creating if absent) the bbolt file at path and ensures the
// fixed top-level buckets exist.
func Open(path string, log *slog.Logger) (*Handle, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("kv: open %s: %w", path, err)
	}
	h := &Handle{DB: db, log: log}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{
			BucketData, BucketMeta, BucketEntityType,
			BucketDictForward, BucketDictReverse,
			BucketMigration, BucketBackfill, BucketChangelog,
		} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

func (h *Handle) Close() error { return h.DB.Close() }

// EnsureBucket creates name if it doesn't already exist (used for
// per-entity buckets created lazily the first time an entity is written).
func (h *Handle) EnsureBucket(name []byte) error {
	return h.DB.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(name)
		return err
	})
}

func (h *Handle) Update(fn func(tx *bolt.Tx) error) error { return h.DB.Update(fn) }
func (h *Handle) View(fn func(tx *bolt.Tx) error) error   { return h.DB.View(fn) }
