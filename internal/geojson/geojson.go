// Package geojson models the subset of GeoJSON the engine serves and
// packages. Marshaling is deterministic: struct fields encode in order and
// property maps encode with sorted keys, so identical inputs always produce
// byte-identical payloads.
package geojson

import (
	"encoding/json"
	"fmt"
)

type Geometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

type Feature struct {
	Type       string         `json:"type"`
	Geometry   Geometry       `json:"geometry"`
	Properties map[string]any `json:"properties"`
}

type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

func NewFeatureCollection(features []Feature) FeatureCollection {
	if features == nil {
		features = []Feature{}
	}
	return FeatureCollection{Type: "FeatureCollection", Features: features}
}

// Marshal renders the collection to its canonical byte form.
func (fc FeatureCollection) Marshal() ([]byte, error) {
	b, err := json.Marshal(fc)
	if err != nil {
		return nil, fmt.Errorf("marshal feature collection: %w", err)
	}
	return b, nil
}

func ParseFeatureCollection(b []byte) (FeatureCollection, error) {
	var fc FeatureCollection
	if err := json.Unmarshal(b, &fc); err != nil {
		return FeatureCollection{}, fmt.Errorf("parse feature collection: %w", err)
	}
	if fc.Type != "FeatureCollection" {
		return FeatureCollection{}, fmt.Errorf(`unexpected type %q (want "FeatureCollection")`, fc.Type)
	}
	return fc, nil
}
