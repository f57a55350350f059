package replication

import (
	"context"

	"github.com/quartzdb/quartzdb/internal/storage/changelog"
)

// ReplicationCollaborator is the optional consensus seam: a component
// that mirrors the committed changelog to other nodes and reports
// whether a given LSN has reached quorum. quartzdb ships no replicating
// implementation, only NoopCollaborator below; a caller that never
// configures one gets single-node semantics unchanged.
type ReplicationCollaborator interface {
	// Apply delivers one committed changelog entry, in LSN order, for
	// the collaborator to replicate.
	Apply(ctx context.Context, entry changelog.Entry) error

	// Durable reports whether lsn has been replicated to a quorum of
	// other nodes and is safe to acknowledge to the mutation's caller.
	Durable(ctx context.Context, lsn uint64) (bool, error)

	// LeaderHint reports whether this node currently believes itself to
	// be the replication leader, for a frontend that needs to route
	// writes accordingly. A single-node deployment has no leader
	// election and need not implement this meaningfully.
	LeaderHint() bool
}

// NoopCollaborator is the zero-value ReplicationCollaborator: every
// entry is immediately durable, since there is nothing to replicate to.
// It lets callers wire a ReplicationCollaborator field unconditionally
// instead of nil-checking at every call site.
type NoopCollaborator struct{}

func (NoopCollaborator) Apply(context.Context, changelog.Entry) error { return nil }
func (NoopCollaborator) Durable(context.Context, uint64) (bool, error) { return true, nil }
func (NoopCollaborator) LeaderHint() bool                              { return true }

var _ ReplicationCollaborator = NoopCollaborator{}
