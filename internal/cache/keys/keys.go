// Package keys derives deterministic cache keys for every tier. Identical
// inputs always produce identical keys; differing inputs (including zoom)
// never collide because every variable segment is delimited and the free-form
// parameter segment carries an xxhash suffix.
package keys

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/bopmaps/mapcache/internal/core/model"
	"github.com/bopmaps/mapcache/internal/spatial"
)

// Tile returns the key for one raster tile: tile:{z}:{x}:{y}.
func Tile(z, x, y int) string {
	return fmt.Sprintf("tile:%d:%d:%d", z, x, y)
}

// Vector returns the key for a bbox-scoped feature layer. The grid cell is
// derived from the query centroid at the zoom's precision; the normalized
// bounds are folded into a hash so distinct boxes sharing a centroid cell
// still get distinct keys.
func Vector(q model.VectorQuery) string {
	lat, lng := q.Bounds.Center()
	cell := spatial.GridCell(lat, lng, spatial.PrecisionForZoom(q.Zoom))
	return fmt.Sprintf("%s:q=%016x", VectorCellPrefix(q.Type, cell, q.Zoom), xxhash.Sum64String(q.Bounds.Normalize().String()))
}

// VectorCellPrefix is the key prefix shared by every vector entry of one
// feature type in one grid cell at one zoom. Invalidation deletes by it.
func VectorCellPrefix(t model.FeatureType, cell spatial.Cell, zoom int) string {
	return fmt.Sprintf("vector:%s:grid:%s:zoom:%d", t, cell, zoom)
}

// VectorAreaPrefix covers every zoom for one feature type in one cell.
func VectorAreaPrefix(t model.FeatureType, cell spatial.Cell) string {
	return fmt.Sprintf("vector:%s:grid:%s:", t, cell)
}

// Trending returns the key for a trending-area aggregate in one cell.
func Trending(cell spatial.Cell) string {
	return "trending:grid:" + cell.String()
}

// TrendingCellPrefix matches every trending entry in one cell.
func TrendingCellPrefix(cell spatial.Cell) string {
	return "trending:grid:" + cell.String()
}

// Settings returns the key for one user's map settings.
func Settings(userID string) string {
	return "settings:" + sanitize(userID)
}

// sanitize maps a free-form segment onto the key-safe alphabet, collapsing
// runs of replaced runes so spacing variants normalize to the same key.
func sanitize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		var out rune
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == ':' || r == '_' || r == '-' || r == '.':
			out = r
		default:
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9')
}
