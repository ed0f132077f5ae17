package geojson

import (
	"encoding/json"
	"fmt"
	"math"
)

// ToleranceForZoom returns the Douglas-Peucker tolerance (in degrees) used
// when serving a layer at the given zoom. Zero means no simplification.
func ToleranceForZoom(zoom int) float64 {
	switch {
	case zoom < 14:
		return 0.0001
	case zoom < 16:
		return 0.00005
	default:
		return 0
	}
}

// SimplifyFeature reduces geometry detail by tolerance. The reduction is a
// pure function of (geometry, tolerance), so repeated calls at the same
// zoom yield byte-identical output. Unsupported geometry types pass
// through unchanged.
func SimplifyFeature(f Feature, tolerance float64) (Feature, error) {
	if tolerance <= 0 {
		return f, nil
	}
	g, err := simplifyGeometry(f.Geometry, tolerance)
	if err != nil {
		return Feature{}, err
	}
	f.Geometry = g
	return f, nil
}

func simplifyGeometry(g Geometry, tolerance float64) (Geometry, error) {
	switch g.Type {
	case "LineString":
		var line [][]float64
		if err := json.Unmarshal(g.Coordinates, &line); err != nil {
			return Geometry{}, fmt.Errorf("parse linestring: %w", err)
		}
		return remarshal(g.Type, douglasPeucker(line, tolerance))
	case "Polygon":
		var rings [][][]float64
		if err := json.Unmarshal(g.Coordinates, &rings); err != nil {
			return Geometry{}, fmt.Errorf("parse polygon: %w", err)
		}
		return remarshal(g.Type, simplifyRings(rings, tolerance))
	case "MultiPolygon":
		var polys [][][][]float64
		if err := json.Unmarshal(g.Coordinates, &polys); err != nil {
			return Geometry{}, fmt.Errorf("parse multipolygon: %w", err)
		}
		out := make([][][][]float64, len(polys))
		for i, rings := range polys {
			out[i] = simplifyRings(rings, tolerance)
		}
		return remarshal(g.Type, out)
	default:
		return g, nil
	}
}

func remarshal(typ string, coords any) (Geometry, error) {
	raw, err := json.Marshal(coords)
	if err != nil {
		return Geometry{}, fmt.Errorf("marshal %s coordinates: %w", typ, err)
	}
	return Geometry{Type: typ, Coordinates: raw}, nil
}

// simplifyRings runs Douglas-Peucker per ring but never collapses a ring
// below validity (4 points, closed); a ring that would degenerate is kept
// as-is.
func simplifyRings(rings [][][]float64, tolerance float64) [][][]float64 {
	out := make([][][]float64, len(rings))
	for i, ring := range rings {
		s := douglasPeucker(ring, tolerance)
		if len(s) < 4 {
			out[i] = ring
			continue
		}
		out[i] = s
	}
	return out
}

// douglasPeucker keeps endpoints and recursively retains the point
// farthest from the chord whenever it exceeds tolerance.
func douglasPeucker(points [][]float64, tolerance float64) [][]float64 {
	if len(points) < 3 {
		return points
	}
	keep := make([]bool, len(points))
	keep[0], keep[len(points)-1] = true, true
	dpMark(points, 0, len(points)-1, tolerance, keep)

	out := make([][]float64, 0, len(points))
	for i, p := range points {
		if keep[i] {
			out = append(out, p)
		}
	}
	return out
}

func dpMark(points [][]float64, first, last int, tolerance float64, keep []bool) {
	if last <= first+1 {
		return
	}
	maxDist := 0.0
	index := first
	for i := first + 1; i < last; i++ {
		d := perpendicularDistance(points[i], points[first], points[last])
		if d > maxDist {
			maxDist = d
			index = i
		}
	}
	if maxDist > tolerance {
		keep[index] = true
		dpMark(points, first, index, tolerance, keep)
		dpMark(points, index, last, tolerance, keep)
	}
}

func perpendicularDistance(p, a, b []float64) float64 {
	dx, dy := b[0]-a[0], b[1]-a[1]
	length := math.Hypot(dx, dy)
	if length == 0 {
		return math.Hypot(p[0]-a[0], p[1]-a[1])
	}
	return math.Abs(dy*p[0]-dx*p[1]+b[0]*a[1]-b[1]*a[0]) / length
}
