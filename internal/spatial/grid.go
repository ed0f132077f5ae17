// Package spatial derives grid cells and tile coordinates from geographic
// coordinates. Everything here is pure: identical inputs always produce
// identical outputs, across calls and across process restarts.
package spatial

import (
	"fmt"
	"math"
	"strconv"

	"github.com/bopmaps/mapcache/internal/core/model"
)

// MaxPrecision is the finest grid precision any tier caches at.
const MaxPrecision = 4

// metersPerDegree approximates one degree of latitude at the equator.
const metersPerDegree = 111000.0

// Cell is one quantized spatial bucket at a given decimal precision.
type Cell struct {
	Lat string
	Lng string
}

func (c Cell) String() string {
	return c.Lat + ":" + c.Lng
}

// GridCell truncates lat/lng toward zero at precision decimal digits and
// renders them as fixed-point strings, so the cell identifier is stable
// regardless of float formatting defaults.
func GridCell(lat, lng float64, precision int) Cell {
	return Cell{
		Lat: formatCoord(lat, precision),
		Lng: formatCoord(lng, precision),
	}
}

// PrecisionForZoom maps a tile zoom to a grid precision: coarser cells at
// low zoom, finer at high zoom. Precision 2 is roughly 1 km at the equator.
func PrecisionForZoom(zoom int) int {
	switch {
	case zoom <= 8:
		return 0
	case zoom <= 11:
		return 1
	case zoom <= 14:
		return 2
	case zoom <= 16:
		return 3
	default:
		return MaxPrecision
	}
}

// CellsForBounds enumerates every grid cell intersecting the bounding box
// at the given precision. The caller is expected to have validated bounds.
func CellsForBounds(b model.Bounds, precision int) []Cell {
	n := b.Normalize()
	factor := math.Pow(10, float64(precision))

	minLat := math.Trunc(n.South*factor) / factor
	maxLat := math.Trunc(n.North*factor) / factor
	minLng := math.Trunc(n.West*factor) / factor
	maxLng := math.Trunc(n.East*factor) / factor

	var out []Cell
	for lat := minLat; lat <= maxLat+1e-12; lat = (math.Trunc(lat*factor) + 1) / factor {
		for lng := minLng; lng <= maxLng+1e-12; lng = (math.Trunc(lng*factor) + 1) / factor {
			wrapped := lng
			if wrapped > 180 {
				wrapped -= 360
			}
			out = append(out, GridCell(lat, wrapped, precision))
		}
	}
	return out
}

// CellsNear converts a point and radius into the set of grid cells the
// radius overlaps at the given precision.
func CellsNear(lat, lng, radiusMeters float64, precision int) []Cell {
	d := radiusMeters / metersPerDegree
	return CellsForBounds(model.Bounds{
		North: lat + d,
		South: lat - d,
		East:  lng + d,
		West:  lng - d,
	}, precision)
}

func formatCoord(v float64, precision int) string {
	factor := math.Pow(10, float64(precision))
	truncated := math.Trunc(v*factor) / factor
	if truncated == 0 {
		// avoid the "-0" cell splitting a grid row in two
		truncated = 0
	}
	return strconv.FormatFloat(truncated, 'f', precision, 64)
}

// BoundsAround expands a point and radius into a bounding box using the
// equator approximation the grid math is built on. The box is clamped at
// the poles and wrapped across the antimeridian so a valid point always
// yields valid bounds.
func BoundsAround(lat, lng, radiusMeters float64) model.Bounds {
	d := radiusMeters / metersPerDegree
	b := model.Bounds{North: lat + d, South: lat - d, East: lng + d, West: lng - d}
	if b.North > 90 {
		b.North = 90
	}
	if b.South < -90 {
		b.South = -90
	}
	if b.West < -180 {
		b.West += 360
		b.East += 360
	}
	return b
}

// CellPrefixes renders per-cell key prefixes under a tier prefix, one per
// cell, suitable for prefix deletion.
func CellPrefixes(prefix string, cells []Cell) []string {
	out := make([]string, 0, len(cells))
	for _, c := range cells {
		out = append(out, fmt.Sprintf("%s:grid:%s:", prefix, c))
	}
	return out
}
