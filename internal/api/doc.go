// Package api declares the interface seams a network-facing frontend
// would call into: query planning and execution, mutation execution,
// catalog lookups, changelog tailing, and metrics reporting. It mirrors
// the storage-surface interface pattern used elsewhere in this codebase
// (a narrow interface naming only the methods a caller needs, satisfied
// by a concrete package without that package importing api) — but here
// the interfaces describe the boundary between an RPC/wire transport and
// the engine, not between a handler and a storage backend.
//
// Nothing in this package implements a transport: no framing, no
// authentication, no rate limiting. internal/query/planner,
// internal/query/executor, internal/mutation, internal/catalog, and
// internal/storage/changelog satisfy these interfaces today; a future
// wire server would depend on api instead of depending on those
// packages directly.
package api
