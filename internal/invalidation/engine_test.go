package invalidation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/bopmaps/mapcache/internal/cache"
	"github.com/bopmaps/mapcache/internal/cache/keys"
	"github.com/bopmaps/mapcache/internal/cache/redisstore"
	"github.com/bopmaps/mapcache/internal/core/model"
	"github.com/bopmaps/mapcache/internal/spatial"
)

type recordingEvictor struct {
	evicted   []spatial.Tile
	purgedAll int
}

func (r *recordingEvictor) Evict(z, x, y int) {
	r.evicted = append(r.evicted, spatial.Tile{Z: z, X: x, Y: y})
}

func (r *recordingEvictor) EvictAllHot() { r.purgedAll++ }

func newEngine(t *testing.T) (*Engine, cache.Store, *recordingEvictor) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	rc, err := redisstore.New(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("redisstore.New: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })

	store := cache.NewRedisStore(rc, nil, time.Second)
	ev := &recordingEvictor{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(logger, store, ev), store, ev
}

func TestInvalidateTile(t *testing.T) {
	e, store, ev := newEngine(t)
	ctx := context.Background()

	if err := store.Set(ctx, cache.TierTile, keys.Tile(14, 4824, 6156), []byte("png"), 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := e.InvalidateTile(ctx, 14, 4824, 6156); err != nil {
		t.Fatalf("InvalidateTile: %v", err)
	}

	_, found, err := store.Get(ctx, cache.TierTile, keys.Tile(14, 4824, 6156))
	if err != nil || found {
		t.Fatalf("tile survived invalidation: found=%v err=%v", found, err)
	}
	if len(ev.evicted) != 1 || ev.evicted[0] != (spatial.Tile{Z: 14, X: 4824, Y: 6156}) {
		t.Fatalf("hot eviction not propagated: %v", ev.evicted)
	}

	if err := e.InvalidateTile(ctx, 20, 0, 0); !errors.Is(err, model.ErrInvalidCoordinates) {
		t.Fatalf("want ErrInvalidCoordinates, got %v", err)
	}
}

func TestInvalidateNear_EvictsVectorAndTrending(t *testing.T) {
	e, store, _ := newEngine(t)
	ctx := context.Background()

	// entries keyed near the pin, at two precisions and two tiers
	q := model.VectorQuery{
		Bounds: model.Bounds{North: 40.7158, South: 40.7098, East: -74.0030, West: -74.0090},
		Zoom:   14,
		Type:   model.FeatureBuilding,
	}
	vectorKey := keys.Vector(q)
	trendingKey := keys.Trending(spatial.GridCell(40.7128, -74.0060, 2))

	if err := store.Set(ctx, cache.TierVector, vectorKey, []byte("layer"), 0); err != nil {
		t.Fatalf("seed vector: %v", err)
	}
	if err := store.Set(ctx, cache.TierTrending, trendingKey, []byte("trend"), 0); err != nil {
		t.Fatalf("seed trending: %v", err)
	}
	// an entry far away must survive
	farKey := keys.Trending(spatial.GridCell(-33.8688, 151.2093, 2))
	if err := store.Set(ctx, cache.TierTrending, farKey, []byte("far"), 0); err != nil {
		t.Fatalf("seed far: %v", err)
	}

	deleted, err := e.InvalidateNear(ctx, 40.7128, -74.0060, 1000)
	if err != nil {
		t.Fatalf("InvalidateNear: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("deleted %d entries, want 2", deleted)
	}

	if _, found, _ := store.Get(ctx, cache.TierVector, vectorKey); found {
		t.Fatal("vector entry survived")
	}
	if _, found, _ := store.Get(ctx, cache.TierTrending, trendingKey); found {
		t.Fatal("trending entry survived")
	}
	if _, found, _ := store.Get(ctx, cache.TierTrending, farKey); !found {
		t.Fatal("distant trending entry was evicted")
	}

	// idempotent: sweeping again deletes nothing and does not error
	deleted, err = e.InvalidateNear(ctx, 40.7128, -74.0060, 1000)
	if err != nil || deleted != 0 {
		t.Fatalf("second sweep: deleted=%d err=%v", deleted, err)
	}
}

func TestInvalidateNear_Validation(t *testing.T) {
	e, _, _ := newEngine(t)
	if _, err := e.InvalidateNear(context.Background(), 91, 0, 100); !errors.Is(err, model.ErrInvalidCoordinates) {
		t.Fatalf("lat out of range: %v", err)
	}
	if _, err := e.InvalidateNear(context.Background(), 0, -181, 100); !errors.Is(err, model.ErrInvalidCoordinates) {
		t.Fatalf("lng out of range: %v", err)
	}
}

func TestInvalidateNear_ValidPointAtEdges(t *testing.T) {
	e, store, _ := newEngine(t)
	ctx := context.Background()

	// a point whose radius box crosses the pole still sweeps
	trending := keys.Trending(spatial.GridCell(89.999, 10, 2))
	if err := store.Set(ctx, cache.TierTrending, trending, []byte("hot"), 0); err != nil {
		t.Fatalf("seed: %v", err)
	}
	deleted, err := e.InvalidateNear(ctx, 89.999, 10, 1000)
	if err != nil {
		t.Fatalf("polar invalidation errored: %v", err)
	}
	if deleted == 0 {
		t.Fatal("polar invalidation swept nothing")
	}

	// and one straddling the antimeridian
	if _, err := e.InvalidateNear(ctx, 0, -179.9995, 1000); err != nil {
		t.Fatalf("antimeridian invalidation errored: %v", err)
	}
}

func TestInvalidateArea_SingleType(t *testing.T) {
	e, store, _ := newEngine(t)
	ctx := context.Background()

	bounds := model.Bounds{North: 40.72, South: 40.70, East: -74.00, West: -74.02}
	cell := spatial.GridCell(40.71, -74.01, 2)

	roadKey := keys.VectorAreaPrefix(model.FeatureRoad, cell) + "zoom:14:q=1"
	parkKey := keys.VectorAreaPrefix(model.FeaturePark, cell) + "zoom:14:q=1"
	if err := store.Set(ctx, cache.TierVector, roadKey, []byte("r"), 0); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.Set(ctx, cache.TierVector, parkKey, []byte("p"), 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := e.InvalidateArea(ctx, model.FeatureRoad, bounds); err != nil {
		t.Fatalf("InvalidateArea: %v", err)
	}

	if _, found, _ := store.Get(ctx, cache.TierVector, roadKey); found {
		t.Fatal("road entry survived targeted invalidation")
	}
	if _, found, _ := store.Get(ctx, cache.TierVector, parkKey); !found {
		t.Fatal("park entry evicted by road-only invalidation")
	}
}

func TestInvalidateArea_RejectsBadInput(t *testing.T) {
	e, _, _ := newEngine(t)
	bad := model.Bounds{North: 10, South: 20, East: 0, West: 1}
	if _, err := e.InvalidateArea(context.Background(), "", bad); !errors.Is(err, model.ErrInvalidCoordinates) {
		t.Fatalf("want ErrInvalidCoordinates, got %v", err)
	}
	good := model.Bounds{North: 20, South: 10, East: 10, West: 0}
	if _, err := e.InvalidateArea(context.Background(), model.FeatureType("river"), good); err == nil {
		t.Fatal("unknown feature type accepted")
	}
}
