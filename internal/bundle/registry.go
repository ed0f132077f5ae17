package bundle

import (
	"sync"
	"time"

	"github.com/bopmaps/mapcache/internal/core/model"
	"github.com/bopmaps/mapcache/internal/core/observability"
)

// registry is the in-memory job table. The worker owning a job is its
// only state writer; everyone else reads snapshots.
type registry struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	now  func() time.Time
}

func newRegistry() *registry {
	return &registry{jobs: make(map[string]*Job), now: time.Now}
}

func (r *registry) create(id string, bounds model.Bounds, zooms model.ZoomRange, includeVector bool) Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := &Job{
		ID:                id,
		Bounds:            bounds,
		Zooms:             zooms,
		IncludeVectorData: includeVector,
		State:             StatePending,
		CreatedAt:         r.now().UTC(),
	}
	r.jobs[id] = j
	observability.ObserveBundleTransition(string(StatePending))
	return j.clone()
}

func (r *registry) get(id string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	return j.clone(), true
}

// markRunning transitions pending -> running. It refuses any other
// starting state so a canceled job is never picked up by a worker.
func (r *registry) markRunning(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || j.State != StatePending {
		return false
	}
	j.State = StateRunning
	observability.ObserveBundleTransition(string(StateRunning))
	observability.IncBundleRunning()
	return true
}

// setProgress advances progress, never backwards, and never past 1.
func (r *registry) setProgress(id string, p float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || j.State != StateRunning {
		return
	}
	if p > 1 {
		p = 1
	}
	if p > j.Progress {
		j.Progress = p
	}
}

func (r *registry) complete(id string, m Manifest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || j.Terminal() {
		return
	}
	now := r.now().UTC()
	j.State = StateCompleted
	j.Progress = 1
	j.CompletedAt = &now
	j.Manifest = &m
	observability.ObserveBundleTransition(string(StateCompleted))
	observability.DecBundleRunning()
}

func (r *registry) fail(id, msg string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || j.Terminal() {
		return false
	}
	wasRunning := j.State == StateRunning
	now := r.now().UTC()
	j.State = StateFailed
	j.CompletedAt = &now
	j.ErrorMessage = msg
	observability.ObserveBundleTransition(string(StateFailed))
	if wasRunning {
		observability.DecBundleRunning()
	}
	return true
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, id)
}

// expired returns terminal jobs whose completion is older than age.
func (r *registry) expired(age time.Duration) []string {
	cutoff := r.now().Add(-age)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, j := range r.jobs {
		if j.Terminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out
}
