// Package tileproxy serves raster tiles from cache, shielding the
// rate-limited upstream tile source behind a two-level cache (in-process
// hot LRU in front of the shared store) and single-flight fetch
// coordination.
package tileproxy

import (
	"context"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bopmaps/mapcache/internal/cache"
	"github.com/bopmaps/mapcache/internal/cache/keys"
	"github.com/bopmaps/mapcache/internal/cache/stampede"
	"github.com/bopmaps/mapcache/internal/cache/stats"
	"github.com/bopmaps/mapcache/internal/spatial"
	"github.com/bopmaps/mapcache/internal/upstream"
)

const defaultHotSize = 2048

type Proxy struct {
	logger *slog.Logger
	store  cache.Store
	guard  *stampede.Guard
	source upstream.TileSource
	stats  *stats.Collector
	hot    *lru.Cache[string, cache.Entry]
	ttl    time.Duration
}

type Option func(*Proxy)

// WithTTL overrides the tile tier's default TTL for proxy writes.
func WithTTL(d time.Duration) Option {
	return func(p *Proxy) { p.ttl = d }
}

// WithHotSize bounds the in-process LRU entry count.
func WithHotSize(n int) Option {
	return func(p *Proxy) {
		if n > 0 {
			c, _ := lru.New[string, cache.Entry](n)
			p.hot = c
		}
	}
}

func New(logger *slog.Logger, store cache.Store, guard *stampede.Guard, source upstream.TileSource, collector *stats.Collector, opts ...Option) *Proxy {
	hot, _ := lru.New[string, cache.Entry](defaultHotSize)
	p := &Proxy{
		logger: logger,
		store:  store,
		guard:  guard,
		source: source,
		stats:  collector,
		hot:    hot,
	}
	for _, f := range opts {
		f(p)
	}
	return p
}

// Result is one tile lookup outcome. NotModified means the caller's ETag
// matched and Bytes was left empty.
type Result struct {
	Bytes       []byte
	ETag        string
	FromCache   bool
	NotModified bool
}

// GetTile validates coordinates and serves the tile, fetching from the
// upstream source on miss. clientETag, when non-empty, enables conditional
// retrieval.
func (p *Proxy) GetTile(ctx context.Context, z, x, y int, clientETag string) (Result, error) {
	if err := spatial.ValidateTile(z, x, y); err != nil {
		return Result{}, err
	}
	key := keys.Tile(z, x, y)
	clientETag = normalizeETag(clientETag)

	if entry, ok := p.hot.Get(key); ok {
		p.stats.RecordHit(cache.TierTile)
		return conditional(entry, clientETag, true), nil
	}

	entry, ok, err := p.store.Get(ctx, cache.TierTile, key)
	if err != nil {
		// store outage degrades to an upstream fetch
		p.logger.Warn("tile store read failed, degrading to upstream", "key", key, "err", err)
	}
	if ok {
		p.stats.RecordHit(cache.TierTile)
		p.hot.Add(key, entry)
		return conditional(entry, clientETag, true), nil
	}
	p.stats.RecordMiss(cache.TierTile)

	body, _, err := p.guard.Do(key, func() ([]byte, error) {
		b, err := p.source.FetchTile(ctx, z, x, y)
		if err != nil {
			return nil, err
		}
		if serr := p.store.Set(ctx, cache.TierTile, key, b, p.ttl); serr != nil {
			p.logger.Warn("tile store write failed", "key", key, "err", serr)
		}
		return b, nil
	})
	if err != nil {
		return Result{}, err
	}

	fresh := cache.Entry{Payload: body, ETag: cache.ContentHash(body)}
	p.hot.Add(key, fresh)
	return conditional(fresh, clientETag, false), nil
}

// Evict drops a tile from the in-process layer and forgets any in-flight
// fetch, so invalidation is visible to the next read immediately.
func (p *Proxy) Evict(z, x, y int) {
	key := keys.Tile(z, x, y)
	p.hot.Remove(key)
	p.guard.Forget(key)
}

// EvictAllHot clears the in-process layer entirely; used by area
// invalidation where per-key eviction is not worth enumerating.
func (p *Proxy) EvictAllHot() {
	p.hot.Purge()
}

func conditional(entry cache.Entry, clientETag string, fromCache bool) Result {
	if clientETag != "" && clientETag == entry.ETag {
		return Result{ETag: entry.ETag, FromCache: fromCache, NotModified: true}
	}
	return Result{Bytes: entry.Payload, ETag: entry.ETag, FromCache: fromCache}
}

func normalizeETag(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "W/")
	return strings.Trim(s, `"`)
}
