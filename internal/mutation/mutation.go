package mutation

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/quartzdb/quartzdb/internal/catalog"
	"github.com/quartzdb/quartzdb/internal/query/ir"
	"github.com/quartzdb/quartzdb/internal/stats"
	"github.com/quartzdb/quartzdb/internal/storage/changelog"
	"github.com/quartzdb/quartzdb/internal/storage/columnar"
	"github.com/quartzdb/quartzdb/internal/storage/index"
	"github.com/quartzdb/quartzdb/internal/storage/rowstore"
	"github.com/quartzdb/quartzdb/internal/value"
)

var (
	ErrMissingID     = errors.New("mutation: update/delete/upsert-by-id requires an id")
	ErrNotFound      = errors.New("mutation: entity not found")
	ErrFieldRequired = errors.New("mutation: required field missing")
)

// Executor applies ir.Mutation values against the storage engine within a
// caller-supplied transaction.
type Executor struct {
	rows  *rowstore.Store
	cols  *columnar.Store
	hash  *index.HashIndex
	rng   *index.RangeIndex
	cat   *catalog.Catalog
	stats *stats.Stats
	log   *changelog.Log
	slog  *slog.Logger
	now   func() int64 // unix nanoseconds; overridable in tests
}

func New(rows *rowstore.Store, cols *columnar.Store, hash *index.HashIndex, rng *index.RangeIndex, cat *catalog.Catalog, st *stats.Stats, cl *changelog.Log, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		rows: rows, cols: cols, hash: hash, rng: rng, cat: cat, stats: st, log: cl, slog: log,
		now: func() int64 { return time.Now().UnixNano() },
	}
}

// Execute dispatches m to insert/update/delete/upsert and returns the
// affected entity's id.
func (e *Executor) Execute(tx *bolt.Tx, m ir.Mutation) (value.UUID, error) {
	switch m.Kind {
	case ir.MutInsert:
		return e.insert(tx, m)
	case ir.MutUpdate:
		return e.update(tx, m)
	case ir.MutDelete:
		return e.delete(tx, m)
	case ir.MutUpsert:
		return e.upsert(tx, m)
	default:
		return value.UUID{}, fmt.Errorf("mutation: unknown mutation kind %v", m.Kind)
	}
}

// ExecuteBatch applies every mutation in order within tx, stopping at the
// first error. Mutations run sequentially rather than concurrently:
// they share one write transaction, and bbolt's Tx is not safe for
// concurrent use regardless.
func (e *Executor) ExecuteBatch(tx *bolt.Tx, muts []ir.Mutation) ([]value.UUID, error) {
	ids := make([]value.UUID, 0, len(muts))
	for i, m := range muts {
		id, err := e.Execute(tx, m)
		if err != nil {
			return ids, fmt.Errorf("mutation: batch item %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (e *Executor) insert(tx *bolt.Tx, m ir.Mutation) (value.UUID, error) {
	def, err := e.cat.GetEntity(m.EntityName)
	if err != nil {
		return value.UUID{}, err
	}

	id := e.rows.GenerateID()
	if m.ID != nil {
		id = *m.ID
	}

	fields, err := buildFieldList(def, m.Fields, id)
	if err != nil {
		return value.UUID{}, err
	}
	payload := value.EncodeEntity(fields)
	versionTS := e.now()

	if err := e.rows.PutTyped(tx, def.Name, rowstore.Key{EntityID: id, VersionTS: versionTS}, rowstore.Record{Payload: payload}); err != nil {
		return value.UUID{}, err
	}
	if err := e.applyColumnar(tx, def, id, fields); err != nil {
		return value.UUID{}, err
	}
	if err := e.reindex(tx, def, id, nil, fields); err != nil {
		return value.UUID{}, err
	}
	e.stats.Increment(def.Name, 1)

	_, err = e.log.Append(tx, changelog.Entry{
		TimestampUnix: versionTS,
		EntityName:    def.Name,
		EntityID:      id,
		Op:            changelog.OpInsert,
		After:         payload,
		ChangedFields: fieldNames(fields),
		SchemaVersion: e.cat.CurrentVersion(),
	})
	return id, err
}

func (e *Executor) update(tx *bolt.Tx, m ir.Mutation) (value.UUID, error) {
	if m.ID == nil {
		return value.UUID{}, ErrMissingID
	}
	def, err := e.cat.GetEntity(m.EntityName)
	if err != nil {
		return value.UUID{}, err
	}
	id := *m.ID

	_, oldRec, err := e.rows.GetLatest(tx, id)
	if errors.Is(err, rowstore.ErrNotFound) {
		return value.UUID{}, fmt.Errorf("%w: %s %s", ErrNotFound, def.Name, id)
	}
	if err != nil {
		return value.UUID{}, err
	}
	oldFields, err := value.DecodeEntity(oldRec.Payload)
	if err != nil {
		return value.UUID{}, err
	}
	oldByName := fieldMap(oldFields)

	merged := mergeFields(oldFields, m.Fields)
	payload := value.EncodeEntity(merged)
	versionTS := e.now()

	if err := e.rows.PutTyped(tx, def.Name, rowstore.Key{EntityID: id, VersionTS: versionTS}, rowstore.Record{Payload: payload}); err != nil {
		return value.UUID{}, err
	}
	if err := e.applyColumnar(tx, def, id, merged); err != nil {
		return value.UUID{}, err
	}
	if err := e.reindex(tx, def, id, oldByName, merged); err != nil {
		return value.UUID{}, err
	}

	changed := changedFieldNames(oldByName, merged)
	_, err = e.log.Append(tx, changelog.Entry{
		TimestampUnix: versionTS,
		EntityName:    def.Name,
		EntityID:      id,
		Op:            changelog.OpUpdate,
		Before:        oldRec.Payload,
		After:         payload,
		ChangedFields: changed,
		SchemaVersion: e.cat.CurrentVersion(),
	})
	return id, err
}

func (e *Executor) delete(tx *bolt.Tx, m ir.Mutation) (value.UUID, error) {
	if m.ID == nil {
		return value.UUID{}, ErrMissingID
	}
	def, err := e.cat.GetEntity(m.EntityName)
	if err != nil {
		return value.UUID{}, err
	}
	id := *m.ID

	_, oldRec, err := e.rows.GetLatest(tx, id)
	if errors.Is(err, rowstore.ErrNotFound) {
		return value.UUID{}, fmt.Errorf("%w: %s %s", ErrNotFound, def.Name, id)
	}
	if err != nil {
		return value.UUID{}, err
	}
	oldFields, err := value.DecodeEntity(oldRec.Payload)
	if err != nil {
		return value.UUID{}, err
	}
	oldByName := fieldMap(oldFields)
	versionTS := e.now()

	if err := e.rows.Delete(tx, id, versionTS); err != nil {
		return value.UUID{}, err
	}

	proj, err := e.cols.Projection(def.Name)
	if err != nil {
		return value.UUID{}, err
	}
	columns := make([]string, len(def.Fields))
	for i, fd := range def.Fields {
		columns[i] = fd.Name
	}
	if err := proj.DeleteRow(tx, id, columns); err != nil {
		return value.UUID{}, err
	}
	if err := e.reindex(tx, def, id, oldByName, nil); err != nil {
		return value.UUID{}, err
	}
	e.stats.Increment(def.Name, -1)

	_, err = e.log.Append(tx, changelog.Entry{
		TimestampUnix: versionTS,
		EntityName:    def.Name,
		EntityID:      id,
		Op:            changelog.OpDelete,
		Before:        oldRec.Payload,
		ChangedFields: fieldNames(oldFields),
		SchemaVersion: e.cat.CurrentVersion(),
	})
	return id, err
}

// buildFieldList produces the full field list for a new row: id, every
// provided field, and every remaining entity field filled from its
// default (erroring if required and absent).
func buildFieldList(def *catalog.EntityDef, provided map[string]value.Value, id value.UUID) ([]value.Field, error) {
	out := make([]value.Field, 0, len(def.Fields))
	for _, fd := range def.Fields {
		if fd.Name == def.IdentityField {
			out = append(out, value.Field{Name: fd.Name, Value: value.FromUUID(id)})
			continue
		}
		if v, ok := provided[fd.Name]; ok {
			out = append(out, value.Field{Name: fd.Name, Value: v})
			continue
		}
		if fd.Default != nil {
			out = append(out, value.Field{Name: fd.Name, Value: *fd.Default})
			continue
		}
		if fd.Required {
			return nil, fmt.Errorf("%w: %q on entity %q", ErrFieldRequired, fd.Name, def.Name)
		}
		out = append(out, value.Field{Name: fd.Name, Value: value.Null()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// mergeFields applies patch on top of old, replacing any field named in
// patch and keeping the rest unchanged.
func mergeFields(old []value.Field, patch map[string]value.Value) []value.Field {
	merged := fieldMap(old)
	for name, v := range patch {
		merged[name] = v
	}
	out := make([]value.Field, 0, len(merged))
	for name, v := range merged {
		out = append(out, value.Field{Name: name, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func fieldMap(fields []value.Field) map[string]value.Value {
	out := make(map[string]value.Value, len(fields))
	for _, f := range fields {
		out[f.Name] = f.Value
	}
	return out
}

func fieldNames(fields []value.Field) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.Name
	}
	return out
}

func changedFieldNames(old map[string]value.Value, merged []value.Field) []string {
	var out []string
	for _, f := range merged {
		prev, existed := old[f.Name]
		if !existed || !value.Equal(prev, f.Value) {
			out = append(out, f.Name)
		}
	}
	return out
}

func (e *Executor) applyColumnar(tx *bolt.Tx, def *catalog.EntityDef, id value.UUID, fields []value.Field) error {
	proj, err := e.cols.Projection(def.Name)
	if err != nil {
		return err
	}
	return proj.UpdateRow(tx, id, fields)
}

// reindex reconciles the hash and range indexes for every indexed field
// whose value changed between old (nil for an insert) and newFields (nil
// for a delete).
func (e *Executor) reindex(tx *bolt.Tx, def *catalog.EntityDef, id value.UUID, old map[string]value.Value, newFields []value.Field) error {
	newByName := fieldMap(newFields)
	for _, fd := range def.Fields {
		if !fd.Indexed && !fd.RangeIndexed {
			continue
		}
		oldVal, hadOld := old[fd.Name]
		newVal, hasNew := newByName[fd.Name]
		if hadOld && hasNew && value.Equal(oldVal, newVal) {
			continue
		}
		if hadOld && !oldVal.IsNull() {
			if fd.Indexed {
				if err := e.hash.Remove(tx, def.Name, fd.Name, oldVal, id); err != nil {
					return err
				}
			}
			if fd.RangeIndexed {
				if err := e.rng.Remove(tx, def.Name, fd.Name, oldVal, id); err != nil {
					return err
				}
			}
		}
		// Null values are never indexed: an absent optional field is filled
		// with value.Null() by buildFieldList, and that sentinel must not
		// become a hash- or range-index lookup key.
		if hasNew && !newVal.IsNull() {
			if fd.Indexed {
				if err := e.hash.Insert(tx, def.Name, fd.Name, newVal, id); err != nil {
					return err
				}
			}
			if fd.RangeIndexed {
				if err := e.rng.Insert(tx, def.Name, fd.Name, newVal, id); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
