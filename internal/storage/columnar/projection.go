// Package columnar implements the columnar projection: a per-entity
// column-oriented store that runs alongside the row store so analytical
// scans and aggregates over one field don't require decoding whole
// entities. Column keys and the string dictionary live in bbolt buckets,
// in the style of internal/storage/kv's bucket-per-concern handle.
package columnar

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	bolt "go.etcd.io/bbolt"

	"github.com/quartzdb/quartzdb/internal/storage/kv"
	"github.com/quartzdb/quartzdb/internal/value"
)

var (
	ErrInvalidData = errors.New("columnar: invalid data")
	ErrUnknownDict = errors.New("columnar: unknown dictionary id")
)

// Store owns the string dictionary shared by every entity's projection.
type Store struct {
	kv   *kv.Handle
	dict *StringDictionary
	log  *slog.Logger
}

func Open(h *kv.Handle, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	dict, err := OpenStringDictionary(h)
	if err != nil {
		return nil, fmt.Errorf("columnar: open dictionary: %w", err)
	}
	return &Store{kv: h, dict: dict, log: log}, nil
}

// Projection is a single entity type's columnar view.
type Projection struct {
	s          *Store
	entityType string
	bucket     []byte
}

func (s *Store) Projection(entityType string) (*Projection, error) {
	if err := s.kv.EnsureBucket(kv.ColumnarBucket(entityType)); err != nil {
		return nil, err
	}
	return &Projection{s: s, entityType: entityType, bucket: kv.ColumnarBucket(entityType)}, nil
}

// columnKey builds [name_len:1][name][entity_id:16].
func columnKey(column string, id value.UUID) []byte {
	buf := make([]byte, 0, 1+len(column)+16)
	buf = append(buf, byte(len(column)))
	buf = append(buf, column...)
	buf = append(buf, id[:]...)
	return buf
}

func columnPrefix(column string) []byte {
	buf := make([]byte, 0, 1+len(column))
	buf = append(buf, byte(len(column)))
	buf = append(buf, column...)
	return buf
}

// UpdateRow writes each (field, value) pair into its own column entry for
// entity id.
func (p *Projection) UpdateRow(tx *bolt.Tx, id value.UUID, fields []value.Field) error {
	b := tx.Bucket(p.bucket)
	for _, f := range fields {
		enc, err := p.encodeColumnValue(tx, f.Value)
		if err != nil {
			return fmt.Errorf("columnar: encode %s.%s: %w", p.entityType, f.Name, err)
		}
		if err := b.Put(columnKey(f.Name, id), enc); err != nil {
			return err
		}
	}
	p.s.log.Debug("updated columnar row", "entity_type", p.entityType, "field_count", len(fields))
	return nil
}

// DeleteRow removes id's entry from each named column.
func (p *Projection) DeleteRow(tx *bolt.Tx, id value.UUID, columns []string) error {
	b := tx.Bucket(p.bucket)
	for _, col := range columns {
		if err := b.Delete(columnKey(col, id)); err != nil {
			return err
		}
	}
	return nil
}

// GetColumn returns the single-entity column value, ok=false if absent.
func (p *Projection) GetColumn(tx *bolt.Tx, id value.UUID, column string) (value.Value, bool, error) {
	b := tx.Bucket(p.bucket)
	buf := b.Get(columnKey(column, id))
	if buf == nil {
		return value.Value{}, false, nil
	}
	v, err := p.decodeColumnValue(tx, buf)
	if err != nil {
		return value.Value{}, false, err
	}
	return v, true, nil
}

// ScanColumn yields every (entity_id, value) pair stored for column.
func (p *Projection) ScanColumn(tx *bolt.Tx, column string, fn func(id value.UUID, v value.Value) error) error {
	b := tx.Bucket(p.bucket)
	c := b.Cursor()
	prefix := columnPrefix(column)
	for k, buf := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, buf = c.Next() {
		if len(k) != len(prefix)+16 {
			return fmt.Errorf("%w: key length %d", ErrInvalidData, len(k))
		}
		var id value.UUID
		copy(id[:], k[len(prefix):])
		v, err := p.decodeColumnValue(tx, buf)
		if err != nil {
			return err
		}
		if err := fn(id, v); err != nil {
			return err
		}
	}
	return nil
}

// ScanColumns returns every entity's values across the named columns,
// keyed by entity id then column name. Prefer ScanColumnsIter when the
// result will be consumed row-by-row; this materializes every entity
// before returning.
func (p *Projection) ScanColumns(tx *bolt.Tx, columns []string) (map[value.UUID]map[string]value.Value, error) {
	out := make(map[value.UUID]map[string]value.Value)
	err := p.ScanColumnsIter(tx, columns, func(id value.UUID, row map[string]value.Value) error {
		out[id] = row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// columnCursor tracks one column's position during a ScanColumnsIter merge.
type columnCursor struct {
	name   string
	prefix []byte
	cur    *bolt.Cursor
	id     value.UUID
	buf    []byte
	done   bool
}

func (c *columnCursor) seek() {
	k, v := c.cur.Seek(c.prefix)
	c.advance(k, v)
}

func (c *columnCursor) next() {
	k, v := c.cur.Next()
	c.advance(k, v)
}

func (c *columnCursor) advance(k, v []byte) {
	if k == nil || !bytes.HasPrefix(k, c.prefix) {
		c.done = true
		return
	}
	copy(c.id[:], k[len(c.prefix):])
	c.buf = v
}

// ScanColumnsIter streams every entity present in any of columns, joining
// across columns by entity id without materializing the full result set:
// it merges one cursor per column in id order, emitting one callback per
// distinct id with whichever columns have a value for it. This is the
// multi-column counterpart to ScanColumn; ScanColumns is built on it.
func (p *Projection) ScanColumnsIter(tx *bolt.Tx, columns []string, fn func(id value.UUID, row map[string]value.Value) error) error {
	if len(columns) == 0 {
		return nil
	}
	b := tx.Bucket(p.bucket)
	cursors := make([]*columnCursor, len(columns))
	for i, col := range columns {
		cc := &columnCursor{name: col, prefix: columnPrefix(col), cur: b.Cursor()}
		cc.seek()
		cursors[i] = cc
	}

	for {
		var min value.UUID
		haveMin := false
		for _, cc := range cursors {
			if cc.done {
				continue
			}
			if !haveMin || bytes.Compare(cc.id[:], min[:]) < 0 {
				min, haveMin = cc.id, true
			}
		}
		if !haveMin {
			return nil
		}

		row := make(map[string]value.Value, len(columns))
		for _, cc := range cursors {
			if cc.done || cc.id != min {
				continue
			}
			v, err := p.decodeColumnValue(tx, cc.buf)
			if err != nil {
				return err
			}
			row[cc.name] = v
			cc.next()
		}
		if err := fn(min, row); err != nil {
			return err
		}
	}
}

// ScanColumnEq yields every entity id whose column value equals want.
func (p *Projection) ScanColumnEq(tx *bolt.Tx, column string, want value.Value, fn func(id value.UUID) error) error {
	return p.ScanColumn(tx, column, func(id value.UUID, v value.Value) error {
		if !value.Equal(v, want) {
			return nil
		}
		return fn(id)
	})
}

// CountColumn counts non-null entries in column.
func (p *Projection) CountColumn(tx *bolt.Tx, column string) (uint64, error) {
	var n uint64
	err := p.ScanColumn(tx, column, func(_ value.UUID, v value.Value) error {
		if !v.IsNull() {
			n++
		}
		return nil
	})
	return n, err
}

// SumColumn sums the numeric values in column, ignoring non-numeric entries.
func (p *Projection) SumColumn(tx *bolt.Tx, column string) (float64, error) {
	var sum float64
	err := p.ScanColumn(tx, column, func(_ value.UUID, v value.Value) error {
		sum += toFloat64(v)
		return nil
	})
	return sum, err
}

// MinColumn and MaxColumn scan column for its extreme value, comparing via
// value.Compare and skipping values whose comparison to the running
// extreme is CmpUndefined (cross-type or NaN) rather than treating them as
// smaller/larger.
func (p *Projection) MinColumn(tx *bolt.Tx, column string) (value.Value, bool, error) {
	return p.extremeColumn(tx, column, value.CmpLess)
}

func (p *Projection) MaxColumn(tx *bolt.Tx, column string) (value.Value, bool, error) {
	return p.extremeColumn(tx, column, value.CmpGreater)
}

func (p *Projection) extremeColumn(tx *bolt.Tx, column string, want value.Cmp) (value.Value, bool, error) {
	var best value.Value
	found := false
	err := p.ScanColumn(tx, column, func(_ value.UUID, v value.Value) error {
		if v.IsNull() {
			return nil
		}
		if !found {
			best, found = v, true
			return nil
		}
		if value.Compare(v, best) == want {
			best = v
		}
		return nil
	})
	return best, found, err
}

func toFloat64(v value.Value) float64 {
	f, _ := v.AsNumeric()
	return f
}

// encodeColumnValue is value.EncodeValue with one substitution: string and
// string-array payloads store dictionary ids instead of raw bytes.
func (p *Projection) encodeColumnValue(tx *bolt.Tx, v value.Value) ([]byte, error) {
	switch v.Kind {
	case value.KindString:
		id, err := p.s.dict.GetOrInsert(tx, v.Str)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 0, 5)
		buf = append(buf, v.Kind.TagByte())
		buf = appendU32LE(buf, id)
		return buf, nil
	case value.KindArrayString:
		buf := make([]byte, 0, 5+4*len(v.ArrStr))
		buf = append(buf, v.Kind.TagByte())
		buf = appendU32LE(buf, uint32(len(v.ArrStr)))
		for _, s := range v.ArrStr {
			id, err := p.s.dict.GetOrInsert(tx, s)
			if err != nil {
				return nil, err
			}
			buf = appendU32LE(buf, id)
		}
		return buf, nil
	default:
		return value.EncodeValue(v), nil
	}
}

func (p *Projection) decodeColumnValue(tx *bolt.Tx, buf []byte) (value.Value, error) {
	if len(buf) < 1 {
		return value.Value{}, fmt.Errorf("%w: empty", ErrInvalidData)
	}
	switch value.Kind(buf[0]) {
	case value.KindString:
		if len(buf) < 5 {
			return value.Value{}, fmt.Errorf("%w: short string-dict entry", ErrInvalidData)
		}
		id := binary.LittleEndian.Uint32(buf[1:5])
		s, ok, err := p.s.dict.Lookup(tx, id)
		if err != nil {
			return value.Value{}, err
		}
		if !ok {
			return value.Value{}, fmt.Errorf("%w: %d", ErrUnknownDict, id)
		}
		return value.String(s), nil
	case value.KindArrayString:
		if len(buf) < 5 {
			return value.Value{}, fmt.Errorf("%w: short string-array entry", ErrInvalidData)
		}
		count := binary.LittleEndian.Uint32(buf[1:5])
		rest := buf[5:]
		out := make([]string, count)
		for i := uint32(0); i < count; i++ {
			if len(rest) < 4 {
				return value.Value{}, fmt.Errorf("%w: truncated string array", ErrInvalidData)
			}
			id := binary.LittleEndian.Uint32(rest[:4])
			rest = rest[4:]
			s, ok, err := p.s.dict.Lookup(tx, id)
			if err != nil {
				return value.Value{}, err
			}
			if !ok {
				return value.Value{}, fmt.Errorf("%w: %d", ErrUnknownDict, id)
			}
			out[i] = s
		}
		return value.Value{Kind: value.KindArrayString, ArrStr: out}, nil
	default:
		v, _, err := value.DecodeValue(buf)
		return v, err
	}
}

func appendU32LE(buf []byte, x uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], x)
	return append(buf, tmp[:]...)
}
