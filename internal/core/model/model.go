// Package model defines core domain types shared across the engine.
package model

import "fmt"

// Bounds is a geographic bounding box in EPSG:4326 degrees.
type Bounds struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

func (b Bounds) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", b.North, b.South, b.East, b.West)
}

// Normalize shifts the east edge across the antimeridian so that
// east > west always holds for a box that wraps the dateline.
func (b Bounds) Normalize() Bounds {
	if b.East < b.West {
		b.East += 360
	}
	return b
}

// Validate checks the box after antimeridian normalization.
func (b Bounds) Validate() error {
	n := b.Normalize()
	if n.North <= n.South {
		return fmt.Errorf("%w: north (%.6f) must be greater than south (%.6f)", ErrInvalidCoordinates, b.North, b.South)
	}
	if n.East <= n.West {
		return fmt.Errorf("%w: east (%.6f) must be greater than west (%.6f)", ErrInvalidCoordinates, b.East, b.West)
	}
	if b.North > 90 || b.South < -90 {
		return fmt.Errorf("%w: latitude must be in [-90,90]", ErrInvalidCoordinates)
	}
	if b.West < -180 || b.West > 180 || b.East < -180 || b.East > 540 {
		return fmt.Errorf("%w: longitude must be in [-180,180]", ErrInvalidCoordinates)
	}
	return nil
}

// Center returns the centroid of the (normalized) box. A centroid
// pushed past the antimeridian wraps back into [-180,180].
func (b Bounds) Center() (lat, lng float64) {
	n := b.Normalize()
	lat = (n.North + n.South) / 2
	lng = (n.East + n.West) / 2
	if lng > 180 {
		lng -= 360
	}
	return lat, lng
}

// FeatureType is one semantic vector layer.
type FeatureType string

const (
	FeatureBuilding FeatureType = "building"
	FeatureRoad     FeatureType = "road"
	FeaturePark     FeatureType = "park"
)

// FeatureTypes lists every supported layer, in bundle packaging order.
var FeatureTypes = []FeatureType{FeatureBuilding, FeatureRoad, FeaturePark}

func ParseFeatureType(s string) (FeatureType, error) {
	switch FeatureType(s) {
	case FeatureBuilding, FeatureRoad, FeaturePark:
		return FeatureType(s), nil
	default:
		return "", fmt.Errorf("unknown feature type %q (want building|road|park)", s)
	}
}

// VectorQuery is a per-request bounding-box query for one feature layer.
type VectorQuery struct {
	Bounds Bounds
	Zoom   int
	Type   FeatureType
}

func (q VectorQuery) Validate() error {
	if err := q.Bounds.Validate(); err != nil {
		return err
	}
	if q.Zoom < 0 || q.Zoom > MaxZoom {
		return fmt.Errorf("%w: zoom %d out of [0,%d]", ErrInvalidZoomRange, q.Zoom, MaxZoom)
	}
	if _, err := ParseFeatureType(string(q.Type)); err != nil {
		return err
	}
	return nil
}

// MaxZoom is the deepest tile-pyramid level served by the upstream.
const MaxZoom = 19

// ZoomRange bounds a bundle job's tile enumeration.
type ZoomRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

func (z ZoomRange) Validate() error {
	if z.Min < 0 || z.Max > MaxZoom || z.Min > z.Max {
		return fmt.Errorf("%w: zoom range [%d,%d] must satisfy 0 <= min <= max <= %d",
			ErrInvalidZoomRange, z.Min, z.Max, MaxZoom)
	}
	return nil
}

// Levels enumerates the range inclusively.
func (z ZoomRange) Levels() []int {
	out := make([]int, 0, z.Max-z.Min+1)
	for l := z.Min; l <= z.Max; l++ {
		out = append(out, l)
	}
	return out
}
