// Package rowstore implements the versioned row store: a key->record
// tree keyed by (entity_id, version_ts), a latest-version pointer per
// entity, an entity-type index, and tombstone-based soft delete.
package rowstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	bolt "go.etcd.io/bbolt"

	"github.com/quartzdb/quartzdb/internal/idgen"
	"github.com/quartzdb/quartzdb/internal/storage/kv"
	"github.com/quartzdb/quartzdb/internal/value"
)

var (
	ErrNotFound    = errors.New("rowstore: not found")
	ErrInvalidKey  = errors.New("rowstore: invalid key")
)

const keyLen = 16 + 8 // entity_id + version_ts

// Key is the 24-byte (entity_id ∥ version_ts) versioned row key.
type Key struct {
	EntityID   value.UUID
	VersionTS  int64
}

func (k Key) Encode() []byte {
	buf := make([]byte, keyLen)
	copy(buf[0:16], k.EntityID[:])
	binary.BigEndian.PutUint64(buf[16:24], uint64(k.VersionTS))
	return buf
}

func DecodeKey(buf []byte) (Key, error) {
	if len(buf) != keyLen {
		return Key{}, fmt.Errorf("%w: length %d", ErrInvalidKey, len(buf))
	}
	var k Key
	copy(k.EntityID[:], buf[0:16])
	k.VersionTS = int64(binary.BigEndian.Uint64(buf[16:24]))
	return k, nil
}

// Record is a stored payload plus its tombstone flag.
type Record struct {
	Payload []byte
	Deleted bool
}

func encodeRecord(r Record) []byte {
	buf := make([]byte, 1+len(r.Payload))
	if r.Deleted {
		buf[0] = 1
	}
	copy(buf[1:], r.Payload)
	return buf
}

func decodeRecord(buf []byte) (Record, error) {
	if len(buf) < 1 {
		return Record{}, fmt.Errorf("%w: empty record", ErrInvalidKey)
	}
	return Record{Deleted: buf[0] != 0, Payload: append([]byte(nil), buf[1:]...)}, nil
}

// Store is the versioned row store over a shared bbolt handle.
type Store struct {
	kv  *kv.Handle
	ids *idgen.Generator
	log *slog.Logger
}

func New(h *kv.Handle, ids *idgen.Generator, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{kv: h, ids: ids, log: log}
}

func (s *Store) GenerateID() value.UUID { return s.ids.Generate() }

func latestMetaKey(id value.UUID) []byte {
	buf := make([]byte, 0, 7+16)
	buf = append(buf, "latest:"...)
	buf = append(buf, id[:]...)
	return buf
}

func typeIndexKey(entityType string, id value.UUID) []byte {
	buf := make([]byte, 0, len(entityType)+1+16)
	buf = append(buf, entityType...)
	buf = append(buf, 0x00)
	buf = append(buf, id[:]...)
	return buf
}

// Put inserts the versioned record and advances the latest pointer for
// entity_id to version_ts. Never overwrites an existing (entity_id,
// version_ts) pair — callers must choose a fresh version_ts.
func (s *Store) Put(tx *bolt.Tx, key Key, rec Record) error {
	data := tx.Bucket(kv.BucketData)
	meta := tx.Bucket(kv.BucketMeta)
	k := key.Encode()
	if existing := data.Get(k); existing != nil {
		return fmt.Errorf("rowstore: version already written for key %x", k)
	}
	if err := data.Put(k, encodeRecord(rec)); err != nil {
		return err
	}
	mk := latestMetaKey(key.EntityID)
	cur := meta.Get(mk)
	if cur == nil || int64(binary.BigEndian.Uint64(cur)) < key.VersionTS {
		vt := make([]byte, 8)
		binary.BigEndian.PutUint64(vt, uint64(key.VersionTS))
		if err := meta.Put(mk, vt); err != nil {
			return err
		}
	}
	return nil
}

// PutTyped is Put plus an entry in the (entity_type, entity_id) type index.
func (s *Store) PutTyped(tx *bolt.Tx, entityType string, key Key, rec Record) error {
	if err := s.Put(tx, key, rec); err != nil {
		return err
	}
	idx := tx.Bucket(kv.BucketEntityType)
	return idx.Put(typeIndexKey(entityType, key.EntityID), []byte{})
}

// Get returns the exact-version record, or ErrNotFound if absent or a
// tombstone.
func (s *Store) Get(tx *bolt.Tx, id value.UUID, versionTS int64) (Record, error) {
	data := tx.Bucket(kv.BucketData)
	buf := data.Get(Key{EntityID: id, VersionTS: versionTS}.Encode())
	if buf == nil {
		return Record{}, ErrNotFound
	}
	rec, err := decodeRecord(buf)
	if err != nil {
		return Record{}, err
	}
	if rec.Deleted {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// GetLatest follows the latest pointer; returns ErrNotFound if the entity
// has never been written or its latest version is a tombstone.
func (s *Store) GetLatest(tx *bolt.Tx, id value.UUID) (int64, Record, error) {
	meta := tx.Bucket(kv.BucketMeta)
	vtBuf := meta.Get(latestMetaKey(id))
	if vtBuf == nil {
		return 0, Record{}, ErrNotFound
	}
	vt := int64(binary.BigEndian.Uint64(vtBuf))
	data := tx.Bucket(kv.BucketData)
	buf := data.Get(Key{EntityID: id, VersionTS: vt}.Encode())
	if buf == nil {
		return 0, Record{}, ErrNotFound
	}
	rec, err := decodeRecord(buf)
	if err != nil {
		return 0, Record{}, err
	}
	if rec.Deleted {
		return 0, Record{}, ErrNotFound
	}
	return vt, rec, nil
}

// GetAt reverse-scans from (entity_id, at_ts) inclusive; the first
// non-tombstone version at or before at_ts wins.
func (s *Store) GetAt(tx *bolt.Tx, id value.UUID, atTS int64) (int64, Record, error) {
	data := tx.Bucket(kv.BucketData)
	c := data.Cursor()
	seekKey := Key{EntityID: id, VersionTS: atTS}.Encode()

	k, v := c.Seek(seekKey)
	if k == nil || !bytes.Equal(k[:16], id[:]) {
		// Seek landed past the end or past this entity's range; step back.
		k, v = c.Prev()
	} else if !bytes.Equal(k, seekKey) {
		// Seek landed on the next key >= seekKey but not equal; step back
		// to the version at or before atTS.
		k, v = c.Prev()
	}

	for k != nil && bytes.Equal(k[:16], id[:]) {
		rec, err := decodeRecord(v)
		if err != nil {
			return 0, Record{}, err
		}
		if !rec.Deleted {
			dk, err := DecodeKey(k)
			if err != nil {
				return 0, Record{}, err
			}
			return dk.VersionTS, rec, nil
		}
		k, v = c.Prev()
	}
	return 0, Record{}, ErrNotFound
}

// ScanVersions yields every version of id in ascending timestamp order.
func (s *Store) ScanVersions(tx *bolt.Tx, id value.UUID, fn func(versionTS int64, rec Record) error) error {
	data := tx.Bucket(kv.BucketData)
	c := data.Cursor()
	prefix := id[:]
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		dk, err := DecodeKey(k)
		if err != nil {
			return err
		}
		rec, err := decodeRecord(v)
		if err != nil {
			return err
		}
		if err := fn(dk.VersionTS, rec); err != nil {
			return err
		}
	}
	return nil
}

// Delete writes a tombstone at the given version_ts. The type-index entry
// (if PutTyped was used) is left in place so history remains scannable.
func (s *Store) Delete(tx *bolt.Tx, id value.UUID, versionTS int64) error {
	return s.Put(tx, Key{EntityID: id, VersionTS: versionTS}, Record{Deleted: true})
}

// ScanEntityType iterates the type index for entityType and yields only
// live (non-tombstoned) latest records.
func (s *Store) ScanEntityType(tx *bolt.Tx, entityType string, fn func(id value.UUID, versionTS int64, rec Record) error) error {
	idx := tx.Bucket(kv.BucketEntityType)
	c := idx.Cursor()
	prefix := append([]byte(entityType), 0x00)
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		var id value.UUID
		copy(id[:], k[len(prefix):])
		vt, rec, err := s.GetLatest(tx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return err
		}
		if err := fn(id, vt, rec); err != nil {
			return err
		}
	}
	return nil
}
