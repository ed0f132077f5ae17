// Package upstream defines the capability interfaces the engine needs from
// external data providers. The engine never depends on provider-specific
// types; concrete adapters live in subpackages.
package upstream

import (
	"context"

	"github.com/bopmaps/mapcache/internal/core/model"
	"github.com/bopmaps/mapcache/internal/geojson"
)

// TileSource fetches one raster tile by pyramid coordinates.
type TileSource interface {
	FetchTile(ctx context.Context, z, x, y int) ([]byte, error)
}

// FeatureSource queries all features of one type intersecting a bounding
// box.
type FeatureSource interface {
	FetchFeatures(ctx context.Context, t model.FeatureType, b model.Bounds) (geojson.FeatureCollection, error)
}
