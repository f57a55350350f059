// Package stats implements per-entity live-row statistics and the query
// plan cache: a bounded cache over data derived from writes, which
// Refresh (called directly or on a ticker via StartPeriodicRefresh)
// rebuilds to correct drift.
package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/quartzdb/quartzdb/internal/storage/kv"
	"github.com/quartzdb/quartzdb/internal/storage/rowstore"
	"github.com/quartzdb/quartzdb/internal/value"
)

// Stats tracks a live-row count per entity type, updated incrementally by
// the mutation executor and rebuilt from the type index by Refresh to
// correct any drift (crash during a mutation, manual storage edits).
type Stats struct {
	mu     sync.RWMutex
	counts map[string]int64

	rs  *rowstore.Store
	kv  *kv.Handle
	log *slog.Logger
}

func New(rs *rowstore.Store, h *kv.Handle, log *slog.Logger) *Stats {
	if log == nil {
		log = slog.Default()
	}
	return &Stats{counts: make(map[string]int64), rs: rs, kv: h, log: log}
}

// Increment adjusts entity's live count by delta (positive on insert,
// negative on delete). Called from inside the same bbolt transaction as
// the mutation it accompanies, but the in-memory counter itself is not
// transactional — Refresh corrects it if a crash loses the update.
func (s *Stats) Increment(entity string, delta int64) {
	s.mu.Lock()
	s.counts[entity] += delta
	s.mu.Unlock()
}

// Snapshot returns a copy of the current entity → count map.
func (s *Stats) Snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

// Refresh recounts every entity in entities from the type index, replacing
// the in-memory counters. StartPeriodicRefresh runs it on a ticker at a
// caller-chosen interval; it may also be called directly (dbctl stats
// does).
func (s *Stats) Refresh(entities []string) error {
	fresh := make(map[string]int64, len(entities))
	err := s.kv.View(func(tx *bolt.Tx) error {
		for _, entity := range entities {
			var n int64
			err := s.rs.ScanEntityType(tx, entity, func(_ value.UUID, _ int64, _ rowstore.Record) error {
				n++
				return nil
			})
			if err != nil {
				return err
			}
			fresh[entity] = n
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.counts = fresh
	s.mu.Unlock()
	s.log.Debug("stats refreshed", "entities", len(fresh))
	return nil
}

// StartPeriodicRefresh runs Refresh every interval until ctx is canceled.
// entitiesFn is called fresh on each tick so newly added entity types are
// picked up without restarting the loop.
func (s *Stats) StartPeriodicRefresh(ctx context.Context, interval time.Duration, entitiesFn func() []string) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Refresh(entitiesFn()); err != nil {
					s.log.Warn("periodic stats refresh failed", "error", err)
				}
			}
		}
	}()
}
