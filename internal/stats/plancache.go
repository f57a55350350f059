package stats

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mitchellh/hashstructure/v2"
	"golang.org/x/sync/singleflight"
)

// Fingerprint computes the plan-cache key for a query shape: a structural
// hash that honors shape, entity, includes, filter operators, order-by,
// and pagination, but ignores literal filter values. Callers build a
// "shape" value with literal values zeroed/omitted before
// calling Fingerprint — typically the same request IR with each filter
// leaf's Value field cleared.
func Fingerprint(shape any) (uint64, error) {
	return hashstructure.Hash(shape, hashstructure.FormatV2, nil)
}

type cacheEntry struct {
	plan          any
	schemaVersion uint64
}

// PlanCache is a bounded, concurrency-safe cache from query fingerprint to
// compiled plan, tagged with the schema version at compile time. A cache
// hit whose schema version no longer matches the current one is evicted
// on read rather than served stale. Concurrent misses for the same
// fingerprint+version compile the plan exactly once via singleflight.
type PlanCache struct {
	cache *lru.Cache[uint64, cacheEntry]
	sf    singleflight.Group
}

func NewPlanCache(size int) (*PlanCache, error) {
	c, err := lru.New[uint64, cacheEntry](size)
	if err != nil {
		return nil, fmt.Errorf("stats: create plan cache: %w", err)
	}
	return &PlanCache{cache: c}, nil
}

// GetOrCompile returns the cached plan for (fingerprint, schemaVersion) if
// present and current, otherwise calls compile exactly once (even under
// concurrent callers with the same key) and caches the result.
func (c *PlanCache) GetOrCompile(fingerprint uint64, schemaVersion uint64, compile func() (any, error)) (any, error) {
	if e, ok := c.cache.Get(fingerprint); ok {
		if e.schemaVersion == schemaVersion {
			return e.plan, nil
		}
		c.cache.Remove(fingerprint)
	}

	key := fmt.Sprintf("%d:%d", fingerprint, schemaVersion)
	v, err, _ := c.sf.Do(key, func() (any, error) {
		plan, err := compile()
		if err != nil {
			return nil, err
		}
		c.cache.Add(fingerprint, cacheEntry{plan: plan, schemaVersion: schemaVersion})
		return plan, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Invalidate removes fingerprint's cached plan unconditionally, used when
// a schema change makes every cached plan for the old version worth
// dropping proactively rather than waiting for the next read.
func (c *PlanCache) Invalidate(fingerprint uint64) {
	c.cache.Remove(fingerprint)
}

// Len reports the number of cached plans, for dbctl stats output.
func (c *PlanCache) Len() int { return c.cache.Len() }
