// Package cache implements the tiered caching engine for map data.
package cache

import (
	"context"
	"time"
)

// Tier separates cached artifacts with distinct lifetimes and key prefixes.
type Tier string

const (
	TierTile     Tier = "tile"
	TierVector   Tier = "vector"
	TierSettings Tier = "settings"
	TierTrending Tier = "trending"
)

// Tiers lists every tier for iteration in stats and invalidation sweeps.
var Tiers = []Tier{TierTile, TierVector, TierSettings, TierTrending}

// Default lifetimes carried over from the production deployment: tiles are
// long-lived, vector layers refresh daily, trending aggregates churn fast.
var DefaultTTLs = map[Tier]time.Duration{
	TierTile:     7 * 24 * time.Hour,
	TierVector:   24 * time.Hour,
	TierSettings: 30 * 24 * time.Hour,
	TierTrending: 30 * time.Minute,
}

// Entry is one cached artifact. ETag is the xxhash content hash of Payload,
// computed at the store boundary so identical payloads always carry
// identical tags.
type Entry struct {
	Payload []byte
	ETag    string
}

// TierStats describes one tier's footprint in the shared store.
type TierStats struct {
	KeyCount    int64 `json:"key_count"`
	ApproxBytes int64 `json:"approx_bytes"`
}

// Store is the shared, TTL-evicting key/value store. Implementations must
// be safe for unsynchronized concurrent callers; writes to the same key are
// last-write-wins. An unreachable backend surfaces
// model.ErrStoreUnavailable, which callers treat as a miss.
type Store interface {
	Get(ctx context.Context, tier Tier, key string) (Entry, bool, error)
	// Set writes payload under the tier's default TTL; ttlOverride > 0
	// replaces it for this entry.
	Set(ctx context.Context, tier Tier, key string, payload []byte, ttlOverride time.Duration) error
	Delete(ctx context.Context, tier Tier, keys ...string) error
	// DeleteByPrefix removes every key in the tier starting with prefix and
	// reports how many were deleted. Deleting an already-empty prefix is a
	// no-op, not an error.
	DeleteByPrefix(ctx context.Context, tier Tier, prefix string) (int, error)
	Stats(ctx context.Context, tier Tier) (TierStats, error)
}
