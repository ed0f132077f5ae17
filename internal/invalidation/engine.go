// Package invalidation evicts cached map data when the world changes:
// eagerly on entity-mutation events, by polygon area for manual
// administration, and by point+radius when a pin near a location is
// created or deleted. TTL expiry needs no engine action; the store evicts
// lazily on its own.
package invalidation

import (
	"context"
	"log/slog"

	"github.com/bopmaps/mapcache/internal/cache"
	"github.com/bopmaps/mapcache/internal/cache/keys"
	"github.com/bopmaps/mapcache/internal/core/model"
	"github.com/bopmaps/mapcache/internal/spatial"
)

// TileEvictor lets the engine reach into the tile proxy's in-process layer
// so invalidation is not masked by the hot LRU.
type TileEvictor interface {
	Evict(z, x, y int)
	EvictAllHot()
}

type Engine struct {
	logger  *slog.Logger
	store   cache.Store
	evictor TileEvictor
}

func New(logger *slog.Logger, store cache.Store, evictor TileEvictor) *Engine {
	return &Engine{logger: logger, store: store, evictor: evictor}
}

// InvalidateTile deletes one tile across both cache levels.
func (e *Engine) InvalidateTile(ctx context.Context, z, x, y int) error {
	if err := spatial.ValidateTile(z, x, y); err != nil {
		return err
	}
	if err := e.store.Delete(ctx, cache.TierTile, keys.Tile(z, x, y)); err != nil {
		return err
	}
	if e.evictor != nil {
		e.evictor.Evict(z, x, y)
	}
	return nil
}

// InvalidateArea deletes every vector entry of one feature type (or all
// types when t is empty) whose grid cell intersects bounds, across every
// precision level the tier caches at, plus the trending aggregates in the
// same cells. Re-invalidating an already-evicted area is a no-op.
func (e *Engine) InvalidateArea(ctx context.Context, t model.FeatureType, bounds model.Bounds) (int, error) {
	if err := bounds.Validate(); err != nil {
		return 0, err
	}

	types := model.FeatureTypes
	if t != "" {
		if _, err := model.ParseFeatureType(string(t)); err != nil {
			return 0, err
		}
		types = []model.FeatureType{t}
	}

	deleted := 0
	// coarse and fine cells are independent keys, so every precision level
	// must be swept
	for precision := 0; precision <= spatial.MaxPrecision; precision++ {
		for _, cell := range spatial.CellsForBounds(bounds, precision) {
			for _, ft := range types {
				n, err := e.store.DeleteByPrefix(ctx, cache.TierVector, keys.VectorAreaPrefix(ft, cell))
				deleted += n
				if err != nil {
					return deleted, err
				}
			}
			n, err := e.store.DeleteByPrefix(ctx, cache.TierTrending, keys.TrendingCellPrefix(cell))
			deleted += n
			if err != nil {
				return deleted, err
			}
		}
	}

	e.logger.Info("area invalidated", "bounds", bounds.String(), "type", string(t), "deleted", deleted)
	return deleted, nil
}

// InvalidateNear translates a point and radius into the overlapped grid
// cells and evicts them; called whenever a location-bound entity changes
// so stale aggregates near that point are not served past their validity.
func (e *Engine) InvalidateNear(ctx context.Context, lat, lng, radiusMeters float64) (int, error) {
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return 0, model.ErrInvalidCoordinates
	}
	if radiusMeters <= 0 {
		radiusMeters = 1000
	}
	n, err := e.InvalidateArea(ctx, "", spatial.BoundsAround(lat, lng, radiusMeters))
	if err != nil {
		return n, err
	}
	e.logger.Info("point invalidated", "lat", lat, "lng", lng, "radius_m", radiusMeters, "deleted", n)
	return n, nil
}
