package spatial

import (
	"fmt"
	"math"

	"github.com/bopmaps/mapcache/internal/core/model"
)

// Tile addresses one raster tile in the standard slippy-map pyramid.
type Tile struct {
	Z, X, Y int
}

func (t Tile) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

// ValidateTile checks z in [0,MaxZoom] and 0 <= x,y < 2^z.
func ValidateTile(z, x, y int) error {
	if z < 0 || z > model.MaxZoom {
		return fmt.Errorf("%w: zoom %d out of [0,%d]", model.ErrInvalidCoordinates, z, model.MaxZoom)
	}
	n := 1 << uint(z)
	if x < 0 || x >= n {
		return fmt.Errorf("%w: x=%d out of [0,%d) at zoom %d", model.ErrInvalidCoordinates, x, n, z)
	}
	if y < 0 || y >= n {
		return fmt.Errorf("%w: y=%d out of [0,%d) at zoom %d", model.ErrInvalidCoordinates, y, n, z)
	}
	return nil
}

// LngToX projects a longitude to a tile column at the given zoom.
func LngToX(lng float64, zoom int) int {
	n := math.Exp2(float64(zoom))
	x := int(math.Floor((lng + 180.0) / 360.0 * n))
	return clampTile(x, zoom)
}

// LatToY projects a latitude to a tile row at the given zoom using the
// Web Mercator formulation.
func LatToY(lat float64, zoom int) int {
	rad := lat * math.Pi / 180.0
	n := math.Exp2(float64(zoom))
	y := int(math.Floor((1.0 - math.Asinh(math.Tan(rad))/math.Pi) / 2.0 * n))
	return clampTile(y, zoom)
}

func clampTile(v, zoom int) int {
	max := (1 << uint(zoom)) - 1
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}

// TileRange is the inclusive rectangle of tiles covering a bounding box
// at one zoom level.
type TileRange struct {
	Zoom                   int
	MinX, MaxX, MinY, MaxY int
}

// Count returns the number of tiles in the range.
func (r TileRange) Count() int {
	return (r.MaxX - r.MinX + 1) * (r.MaxY - r.MinY + 1)
}

// Tiles enumerates the range row-major.
func (r TileRange) Tiles() []Tile {
	out := make([]Tile, 0, r.Count())
	for x := r.MinX; x <= r.MaxX; x++ {
		for y := r.MinY; y <= r.MaxY; y++ {
			out = append(out, Tile{Z: r.Zoom, X: x, Y: y})
		}
	}
	return out
}

// RangeForBounds computes the tile rectangle covering bounds at zoom.
// Note that tile rows grow southward, so north maps to MinY.
func RangeForBounds(b model.Bounds, zoom int) TileRange {
	n := b.Normalize()
	east := n.East
	if east > 180 {
		east = 180
	}
	return TileRange{
		Zoom: zoom,
		MinX: LngToX(n.West, zoom),
		MaxX: LngToX(east, zoom),
		MinY: LatToY(n.North, zoom),
		MaxY: LatToY(n.South, zoom),
	}
}

// ClampRange shrinks a range to at most limit tiles, keeping it centered,
// so one oversized zoom level cannot blow up a bundle job.
func ClampRange(r TileRange, limit int) TileRange {
	if limit <= 0 || r.Count() <= limit {
		return r
	}
	half := int(math.Sqrt(float64(limit))) / 2
	if half < 1 {
		half = 1
	}
	cx := (r.MinX + r.MaxX) / 2
	cy := (r.MinY + r.MaxY) / 2
	out := TileRange{
		Zoom: r.Zoom,
		MinX: clampTile(cx-half, r.Zoom),
		MaxX: clampTile(cx+half, r.Zoom),
		MinY: clampTile(cy-half, r.Zoom),
		MaxY: clampTile(cy+half, r.Zoom),
	}
	return out
}
