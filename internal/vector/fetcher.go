// Package vector serves bbox-scoped feature layers from cache, with
// zoom-dependent geometry simplification applied before anything is
// cached, so the cached payload is already shaped for its zoom.
package vector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bopmaps/mapcache/internal/cache"
	"github.com/bopmaps/mapcache/internal/cache/keys"
	"github.com/bopmaps/mapcache/internal/cache/stampede"
	"github.com/bopmaps/mapcache/internal/cache/stats"
	"github.com/bopmaps/mapcache/internal/core/model"
	"github.com/bopmaps/mapcache/internal/geojson"
	"github.com/bopmaps/mapcache/internal/upstream"
)

type Fetcher struct {
	logger *slog.Logger
	store  cache.Store
	guard  *stampede.Guard
	source upstream.FeatureSource
	stats  *stats.Collector
	ttl    time.Duration
}

type Option func(*Fetcher)

// WithTTL overrides the vector tier's default TTL.
func WithTTL(d time.Duration) Option {
	return func(f *Fetcher) { f.ttl = d }
}

func New(logger *slog.Logger, store cache.Store, guard *stampede.Guard, source upstream.FeatureSource, collector *stats.Collector, opts ...Option) *Fetcher {
	f := &Fetcher{
		logger: logger,
		store:  store,
		guard:  guard,
		source: source,
		stats:  collector,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Result is one feature-layer lookup outcome. Payload is a canonical
// GeoJSON FeatureCollection.
type Result struct {
	Payload     []byte
	ETag        string
	FromCache   bool
	NotModified bool
}

// GetFeatures serves the layer for q. Repeated queries at the same zoom
// produce byte-identical payloads, so the ETag is stable across cache
// refills.
func (f *Fetcher) GetFeatures(ctx context.Context, q model.VectorQuery, clientETag string) (Result, error) {
	if err := q.Validate(); err != nil {
		return Result{}, err
	}
	q.Bounds = q.Bounds.Normalize()
	key := keys.Vector(q)
	clientETag = normalizeETag(clientETag)

	entry, ok, err := f.store.Get(ctx, cache.TierVector, key)
	if err != nil {
		f.logger.Warn("vector store read failed, degrading to upstream", "key", key, "err", err)
	}
	if ok {
		f.stats.RecordHit(cache.TierVector)
		return conditional(entry, clientETag, true), nil
	}
	f.stats.RecordMiss(cache.TierVector)

	payload, _, err := f.guard.Do(key, func() ([]byte, error) {
		b, err := f.build(ctx, q)
		if err != nil {
			return nil, err
		}
		if serr := f.store.Set(ctx, cache.TierVector, key, b, f.ttl); serr != nil {
			f.logger.Warn("vector store write failed", "key", key, "err", serr)
		}
		return b, nil
	})
	if err != nil {
		return Result{}, err
	}

	fresh := cache.Entry{Payload: payload, ETag: cache.ContentHash(payload)}
	return conditional(fresh, clientETag, false), nil
}

// build fetches, filters, caps, and simplifies the layer into its
// canonical payload.
func (f *Fetcher) build(ctx context.Context, q model.VectorQuery) ([]byte, error) {
	fc, err := f.source.FetchFeatures(ctx, q.Type, q.Bounds)
	if err != nil {
		return nil, err
	}

	features := filterForZoom(fc.Features, q.Type, q.Zoom)
	if limit := maxFeatures(q.Type, q.Zoom); len(features) > limit {
		features = features[:limit]
	}

	tolerance := geojson.ToleranceForZoom(q.Zoom)
	out := make([]geojson.Feature, 0, len(features))
	for _, feat := range features {
		s, err := geojson.SimplifyFeature(feat, tolerance)
		if err != nil {
			return nil, fmt.Errorf("simplify %s feature: %w", q.Type, err)
		}
		out = append(out, s)
	}
	return geojson.NewFeatureCollection(out).Marshal()
}

// maxFeatures caps layer size per zoom so low-zoom responses stay small.
func maxFeatures(t model.FeatureType, zoom int) int {
	switch t {
	case model.FeatureRoad:
		switch {
		case zoom < 14:
			return 300
		case zoom < 16:
			return 500
		default:
			return 1000
		}
	case model.FeaturePark:
		switch {
		case zoom < 14:
			return 100
		case zoom < 16:
			return 200
		default:
			return 500
		}
	default: // buildings
		switch {
		case zoom < 14:
			return 500
		case zoom < 16:
			return 1000
		default:
			return 2000
		}
	}
}

// filterForZoom drops minor roads at low zoom, matching how the layer is
// rendered. Other types pass through; so do roads without a class tag.
func filterForZoom(features []geojson.Feature, t model.FeatureType, zoom int) []geojson.Feature {
	if t != model.FeatureRoad || zoom >= 16 {
		return features
	}
	allowed := map[string]bool{
		"motorway": true, "trunk": true, "primary": true, "secondary": true,
	}
	if zoom >= 14 {
		allowed["tertiary"] = true
	}
	out := make([]geojson.Feature, 0, len(features))
	for _, feat := range features {
		class, ok := feat.Properties["road_type"].(string)
		if ok && !allowed[class] {
			continue
		}
		out = append(out, feat)
	}
	return out
}

func conditional(entry cache.Entry, clientETag string, fromCache bool) Result {
	if clientETag != "" && clientETag == entry.ETag {
		return Result{ETag: entry.ETag, FromCache: fromCache, NotModified: true}
	}
	return Result{Payload: entry.Payload, ETag: entry.ETag, FromCache: fromCache}
}

func normalizeETag(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "W/")
	return strings.Trim(s, `"`)
}
