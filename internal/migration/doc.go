// Package migration implements the four-phase online schema migration
// engine: diffing two catalog.Bundle versions, grading the safety of
// each change (A/B/C/D), planning an ordered expand/backfill/validate/
// contract step sequence, and executing that plan with persistent,
// resumable state.
//
// Instead of hand-written SQL per migration, the whole sequence is
// derived from a diff between two schema versions and executed by a
// single driver loop over small, idempotent, ordered steps — the same
// idiomatic shape as a sequentially-numbered migration runner, but with
// the step sequence generated from the diff and safety grade rather than
// authored by hand.
package migration
