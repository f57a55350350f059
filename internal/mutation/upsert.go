package mutation

import (
	"errors"

	bolt "go.etcd.io/bbolt"

	"github.com/quartzdb/quartzdb/internal/query/ir"
	"github.com/quartzdb/quartzdb/internal/storage/rowstore"
	"github.com/quartzdb/quartzdb/internal/value"
)

// upsert inserts m if its target doesn't exist yet and updates it
// otherwise.
//
// An upsert with no id is always an insert: there is no existing row an
// id-less upsert could be referring to, so "upsert without id" collapses
// to plain insert (rather than erroring), and insert generates the id and
// returns it to the caller. Every row's identity comes either from the
// caller or from GenerateID, never from ambiguity.
func (e *Executor) upsert(tx *bolt.Tx, m ir.Mutation) (value.UUID, error) {
	if m.ID == nil {
		return e.insert(tx, m)
	}

	_, _, err := e.rows.GetLatest(tx, *m.ID)
	switch {
	case errors.Is(err, rowstore.ErrNotFound):
		return e.insert(tx, m)
	case err != nil:
		return value.UUID{}, err
	default:
		return e.update(tx, m)
	}
}
