// Package replication defines the seam a distributed-consensus
// collaborator would plug into, without implementing one. quartzdb
// itself only guarantees single-mutation atomicity (internal/storage's
// bbolt transaction boundary); replicating that mutation stream to other
// nodes and agreeing on a total order across them is out of scope.
//
// ReplicationCollaborator names the shape such a collaborator would take
// if one were added later: apply the engine's committed changelog
// entries in order, and answer whether a given LSN has been durably
// replicated to a quorum before the caller acknowledges a write back to
// its client. A Raft-backed implementation (github.com/hashicorp/raft,
// with github.com/hashicorp/raft-boltdb as its log store — both already
// present in this ecosystem) would satisfy this interface by treating
// each changelog.Entry as a Raft log entry's payload; no such
// implementation is provided here.
package replication
