package keys

import (
	"strings"
	"testing"

	"github.com/bopmaps/mapcache/internal/core/model"
	"github.com/bopmaps/mapcache/internal/spatial"
)

func TestTile(t *testing.T) {
	if got := Tile(14, 4824, 6156); got != "tile:14:4824:6156" {
		t.Fatalf("Tile=%q", got)
	}
}

func TestVector_DeterministicAndDistinct(t *testing.T) {
	q := model.VectorQuery{
		Bounds: model.Bounds{North: 40.78, South: 40.64, East: -73.90, West: -74.10},
		Zoom:   14,
		Type:   model.FeatureBuilding,
	}
	a := Vector(q)
	b := Vector(q)
	if a != b {
		t.Fatalf("same query produced %q and %q", a, b)
	}

	q2 := q
	q2.Bounds.North = 40.79
	if Vector(q2) == a {
		t.Fatal("different bounds produced the same key")
	}

	q3 := q
	q3.Zoom = 15
	if Vector(q3) == a {
		t.Fatal("different zoom produced the same key")
	}

	q4 := q
	q4.Type = model.FeatureRoad
	if Vector(q4) == a {
		t.Fatal("different feature type produced the same key")
	}
}

func TestVector_PrefixMatchesAreaPrefix(t *testing.T) {
	q := model.VectorQuery{
		Bounds: model.Bounds{North: 40.72, South: 40.70, East: -74.00, West: -74.02},
		Zoom:   14,
		Type:   model.FeatureRoad,
	}
	lat, lng := q.Bounds.Center()
	cell := spatial.GridCell(lat, lng, spatial.PrecisionForZoom(q.Zoom))

	key := Vector(q)
	if !strings.HasPrefix(key, VectorAreaPrefix(q.Type, cell)) {
		t.Fatalf("key %q does not share prefix %q", key, VectorAreaPrefix(q.Type, cell))
	}
	if !strings.HasPrefix(key, VectorCellPrefix(q.Type, cell, q.Zoom)) {
		t.Fatalf("key %q does not share zoom prefix", key)
	}
}

func TestSettings_Sanitizes(t *testing.T) {
	if got := Settings("user-123"); got != "settings:user-123" {
		t.Fatalf("Settings=%q", got)
	}
	a := Settings("user one")
	b := Settings("user  one")
	if a != b {
		t.Fatalf("whitespace variants differ: %q vs %q", a, b)
	}
	if strings.ContainsAny(a, " \t") {
		t.Fatalf("key %q contains whitespace", a)
	}
}
