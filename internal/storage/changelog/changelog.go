// Package changelog implements the append-only, LSN-ordered change log:
// every mutation appends one entry carrying the before/after data and
// changed-field list, so external collaborators (replication, auditing)
// can replay history without re-deriving it from row-store scans. One
// append-only record per state transition, with a filterable scan.
package changelog

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/klauspost/compress/s2"
	bolt "go.etcd.io/bbolt"

	"github.com/quartzdb/quartzdb/internal/storage/kv"
	"github.com/quartzdb/quartzdb/internal/value"
)

// compressThreshold is the payload size above which before/after blobs are
// s2-compressed. Never applied to keys.
const compressThreshold = 4096

// Operation names the kind of mutation an entry records.
type Operation uint8

const (
	OpInsert Operation = iota
	OpUpdate
	OpDelete
)

func (o Operation) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Entry is one changelog record.
type Entry struct {
	LSN           uint64
	TimestampUnix int64
	EntityName    string
	EntityID      value.UUID
	Op            Operation
	Before        []byte // encoded entity payload, nil for insert
	After         []byte // encoded entity payload, nil for delete
	ChangedFields []string
	SchemaVersion uint64
}

// Log is the append-only changelog, backed by the shared bbolt handle's
// changelog bucket with keys equal to the big-endian LSN.
type Log struct {
	kv  *kv.Handle
	log *slog.Logger
}

func New(h *kv.Handle, log *slog.Logger) *Log {
	if log == nil {
		log = slog.Default()
	}
	return &Log{kv: h, log: log}
}

func lsnKey(lsn uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, lsn)
	return buf
}

// Append assigns the next LSN (one past the bucket's current highest key,
// bbolt's NextSequence) and writes entry, returning the assigned LSN. LSN
// order is strictly monotonic across every append to this bucket, since
// NextSequence is a per-bucket atomic counter.
func (l *Log) Append(tx *bolt.Tx, entry Entry) (uint64, error) {
	b := tx.Bucket(kv.BucketChangelog)
	seq, err := b.NextSequence()
	if err != nil {
		return 0, fmt.Errorf("changelog: next sequence: %w", err)
	}
	entry.LSN = seq
	if err := b.Put(lsnKey(seq), encodeEntry(entry)); err != nil {
		return 0, err
	}
	return seq, nil
}

// CurrentLSN returns the highest LSN appended so far, or 0 if the log is
// empty.
func (l *Log) CurrentLSN(tx *bolt.Tx) uint64 {
	b := tx.Bucket(kv.BucketChangelog)
	k, _ := b.Cursor().Last()
	if k == nil {
		return 0
	}
	return binary.BigEndian.Uint64(k)
}

// ScanBatch yields up to max entries with LSN > fromLSN, in ascending LSN
// order.
func (l *Log) ScanBatch(tx *bolt.Tx, fromLSN uint64, max int, fn func(Entry) error) error {
	return l.ScanFiltered(tx, fromLSN, max, Filter{}, fn)
}

// Filter restricts ScanFiltered to named entities and/or fields. A nil or
// empty Entities/Fields list means "no restriction" on that dimension.
type Filter struct {
	Entities []string
	Fields   []string
}

func (f Filter) matches(e Entry) bool {
	if len(f.Entities) > 0 {
		found := false
		for _, name := range f.Entities {
			if name == e.EntityName {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Fields) > 0 {
		found := false
		for _, want := range f.Fields {
			for _, got := range e.ChangedFields {
				if want == got {
					found = true
					break
				}
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ScanFiltered yields up to max entries with LSN > fromLSN matching
// filter, in ascending LSN order.
func (l *Log) ScanFiltered(tx *bolt.Tx, fromLSN uint64, max int, filter Filter, fn func(Entry) error) error {
	b := tx.Bucket(kv.BucketChangelog)
	c := b.Cursor()
	start := lsnKey(fromLSN + 1)
	n := 0
	for k, v := c.Seek(start); k != nil && n < max; k, v = c.Next() {
		entry, err := decodeEntry(v)
		if err != nil {
			return fmt.Errorf("changelog: decode entry at lsn %x: %w", k, err)
		}
		if !filter.matches(entry) {
			continue
		}
		if err := fn(entry); err != nil {
			return err
		}
		n++
	}
	return nil
}
