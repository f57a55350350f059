package replication

import (
	"context"
	"testing"

	"github.com/quartzdb/quartzdb/internal/storage/changelog"
)

func TestNoopCollaboratorIsAlwaysDurable(t *testing.T) {
	var c ReplicationCollaborator = NoopCollaborator{}

	if err := c.Apply(context.Background(), changelog.Entry{}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	durable, err := c.Durable(context.Background(), 42)
	if err != nil {
		t.Fatalf("Durable: %v", err)
	}
	if !durable {
		t.Fatal("expected NoopCollaborator to report every LSN durable")
	}
	if !c.LeaderHint() {
		t.Fatal("expected NoopCollaborator to report itself as leader")
	}
}
