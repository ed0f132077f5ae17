// Package bundle builds downloadable offline region archives: every
// tile in a bounding box across a zoom range, optionally with the
// vector layers for the same area, zipped together with a manifest.
package bundle

import (
	"time"

	"github.com/bopmaps/mapcache/internal/core/model"
)

type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Manifest describes the finished archive contents. Warnings record
// per-zoom tile ranges that were clamped to the configured limit, so a
// shrunken bundle is never silent.
type Manifest struct {
	JobID            string   `json:"job_id"`
	TileCount        int      `json:"tile_count"`
	VectorLayerCount int      `json:"vector_layer_count"`
	TotalBytes       int64    `json:"total_bytes"`
	ZoomLevels       []int    `json:"zoom_levels"`
	Warnings         []string `json:"warnings,omitempty"`
}

// Job is a snapshot of one bundling request's lifecycle. Progress only
// moves forward and reaches 1.0 exactly when the job completes.
type Job struct {
	ID                string          `json:"job_id"`
	Bounds            model.Bounds    `json:"bounds"`
	Zooms             model.ZoomRange `json:"zoom_range"`
	IncludeVectorData bool            `json:"include_vector_data"`
	State             State           `json:"state"`
	Progress          float64         `json:"progress"`
	CreatedAt         time.Time       `json:"created_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	Manifest          *Manifest       `json:"manifest,omitempty"`
}

func (j Job) clone() Job {
	out := j
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	if j.Manifest != nil {
		m := *j.Manifest
		m.ZoomLevels = append([]int(nil), j.Manifest.ZoomLevels...)
		m.Warnings = append([]string(nil), j.Manifest.Warnings...)
		out.Manifest = &m
	}
	return out
}

// Terminal reports whether the job can no longer change state.
func (j Job) Terminal() bool {
	return j.State == StateCompleted || j.State == StateFailed
}
