// Package stats tracks cache hit/miss counters per tier. Counters are an
// observability aid only: losing them on restart has no correctness impact.
package stats

import (
	"context"
	"sync/atomic"

	"github.com/bopmaps/mapcache/internal/cache"
	"github.com/bopmaps/mapcache/internal/core/observability"
)

type counters struct {
	hits   atomic.Int64
	misses atomic.Int64
}

// Collector accumulates purely additive per-tier counters and merges them
// with the store's key/size footprint on snapshot.
type Collector struct {
	store cache.Store
	tiers map[cache.Tier]*counters
}

func New(store cache.Store) *Collector {
	tiers := make(map[cache.Tier]*counters, len(cache.Tiers))
	for _, t := range cache.Tiers {
		tiers[t] = &counters{}
	}
	return &Collector{store: store, tiers: tiers}
}

func (c *Collector) RecordHit(tier cache.Tier) {
	if tc, ok := c.tiers[tier]; ok {
		tc.hits.Add(1)
	}
	observability.IncCacheHit(string(tier))
}

func (c *Collector) RecordMiss(tier cache.Tier) {
	if tc, ok := c.tiers[tier]; ok {
		tc.misses.Add(1)
	}
	observability.IncCacheMiss(string(tier))
}

type TierSnapshot struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

type Snapshot struct {
	PerTier     map[string]TierSnapshot `json:"per_tier"`
	TotalKeys   int64                   `json:"total_keys"`
	ApproxBytes int64                   `json:"approx_bytes"`
}

// Snapshot merges counters with store footprint. A store outage degrades
// the footprint to zero rather than failing the snapshot.
func (c *Collector) Snapshot(ctx context.Context) Snapshot {
	out := Snapshot{PerTier: make(map[string]TierSnapshot, len(c.tiers))}
	for _, t := range cache.Tiers {
		tc := c.tiers[t]
		h, m := tc.hits.Load(), tc.misses.Load()
		ts := TierSnapshot{Hits: h, Misses: m}
		if h+m > 0 {
			ts.HitRate = float64(h) / float64(h+m)
		}
		out.PerTier[string(t)] = ts

		if c.store != nil {
			if st, err := c.store.Stats(ctx, t); err == nil {
				out.TotalKeys += st.KeyCount
				out.ApproxBytes += st.ApproxBytes
			}
		}
	}
	return out
}
