// Package mutation applies insert/update/delete/upsert operations
// consistently across every side-table a row touches: the versioned row
// store, the columnar projection, secondary indexes, entity-count
// statistics, and the append-only changelog.
//
// Atomicity is achieved by doing all of the above inside the single
// *bolt.Tx the caller supplies: a before-image read, a merged update, and
// its side-table writes all fold into one database transaction. bbolt's
// single-writer transaction already gives every write in Execute the
// same durability and visibility guarantees a SQL transaction would, so
// no extra two-phase-commit machinery is needed: either the whole
// closure the caller passes to kv.Handle.Update commits, or none of it
// does. The one exception is the entity-count statistic: stats.Increment
// adjusts an in-memory counter, which a rolled-back transaction does not
// undo; stats.Refresh recounts from the row store.
package mutation
