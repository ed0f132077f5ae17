package invalidation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event is one entity-mutation notification: a pin (or other
// location-bound entity) was created, updated, or deleted, so cached
// aggregates near it must go.
type Event struct {
	Version  int       `json:"version"`
	Op       string    `json:"op"`
	EntityID string    `json:"entity_id"`
	Lat      float64   `json:"lat"`
	Lng      float64   `json:"lng"`
	RadiusM  float64   `json:"radius_m,omitempty"`
	TS       time.Time `json:"ts"`
	Source   string    `json:"source,omitempty"`
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return fmt.Errorf("version must be 1")
	}
	switch e.Op {
	case "create", "update", "delete":
	default:
		return fmt.Errorf("op must be create|update|delete")
	}
	if strings.TrimSpace(e.EntityID) == "" {
		return fmt.Errorf("entity_id is required")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	if e.Lat < -90 || e.Lat > 90 {
		return fmt.Errorf("lat out of range")
	}
	if e.Lng < -180 || e.Lng > 180 {
		return fmt.Errorf("lng out of range")
	}
	if e.RadiusM < 0 {
		return fmt.Errorf("radius_m must be >= 0")
	}
	return nil
}

func ParseEvent(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, fmt.Errorf("parse event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, fmt.Errorf("invalid event: %w", err)
	}
	return e, nil
}
