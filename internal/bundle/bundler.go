package bundle

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bopmaps/mapcache/internal/core/model"
	"github.com/bopmaps/mapcache/internal/spatial"
)

// TileFetcher yields one rendered tile. The production implementation
// is the tile proxy, so bundling warms the shared cache as it goes.
type TileFetcher interface {
	FetchTile(ctx context.Context, z, x, y int) ([]byte, error)
}

// FeatureFetcher yields one vector layer, already simplified and
// encoded for the requested zoom.
type FeatureFetcher interface {
	FetchLayer(ctx context.Context, q model.VectorQuery) ([]byte, error)
}

type Config struct {
	Workers          int           // concurrent jobs
	QueueSize        int           // pending jobs accepted before Submit refuses
	FetchConcurrency int           // per-job tile fetch goroutines
	MaxSpanDegrees   float64       // max bounds extent on either axis
	MaxTilesPerZoom  int           // per-zoom tile range clamp
	RetryBudget      int           // attempts per tile before the job fails
	Retention        time.Duration // how long finished jobs and archives live
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 32
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = 8
	}
	if c.MaxSpanDegrees <= 0 {
		c.MaxSpanDegrees = 1.0
	}
	if c.MaxTilesPerZoom <= 0 {
		c.MaxTilesPerZoom = 1000
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = 3
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	return c
}

// Service accepts bundling jobs, runs them on a fixed worker pool, and
// serves their status and finished archives.
type Service struct {
	logger   *slog.Logger
	cfg      Config
	tiles    TileFetcher
	features FeatureFetcher
	archive  *ArchiveStore
	registry *registry

	queue chan string
	wg    sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewService(logger *slog.Logger, cfg Config, tiles TileFetcher, features FeatureFetcher, archive *ArchiveStore) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Service{
		logger:   logger,
		cfg:      cfg,
		tiles:    tiles,
		features: features,
		archive:  archive,
		registry: newRegistry(),
		queue:    make(chan string, cfg.QueueSize),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Start launches the job workers and the retention sweeper. They run
// until ctx is canceled; Wait blocks until they have drained.
func (s *Service) Start(ctx context.Context) {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	s.wg.Add(1)
	go s.sweeper(ctx)
}

func (s *Service) Wait() { s.wg.Wait() }

type SubmitRequest struct {
	Bounds            model.Bounds    `json:"bounds"`
	Zooms             model.ZoomRange `json:"zoom_range"`
	IncludeVectorData bool            `json:"include_vector_data"`
}

// Submit validates the request and, only if it is acceptable, creates a
// pending job and enqueues it. Invalid requests never produce a job.
func (s *Service) Submit(req SubmitRequest) (Job, error) {
	if err := req.Bounds.Validate(); err != nil {
		return Job{}, err
	}
	if err := req.Zooms.Validate(); err != nil {
		return Job{}, err
	}
	b := req.Bounds.Normalize()
	if b.North-b.South > s.cfg.MaxSpanDegrees || b.East-b.West > s.cfg.MaxSpanDegrees {
		return Job{}, fmt.Errorf("%w: bounds span exceeds %.2f degrees",
			model.ErrBoundsTooLarge, s.cfg.MaxSpanDegrees)
	}

	id := uuid.NewString()
	job := s.registry.create(id, b, req.Zooms, req.IncludeVectorData)

	select {
	case s.queue <- id:
	default:
		s.registry.remove(id)
		return Job{}, fmt.Errorf("bundle queue full (%d pending)", s.cfg.QueueSize)
	}

	s.logger.Info("bundle job accepted",
		"job_id", id, "bounds", b.String(),
		"zoom_min", req.Zooms.Min, "zoom_max", req.Zooms.Max,
		"include_vector", req.IncludeVectorData)
	return job, nil
}

func (s *Service) Status(jobID string) (Job, error) {
	job, ok := s.registry.get(jobID)
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", model.ErrJobNotFound, jobID)
	}
	return job, nil
}

// Cancel stops a pending or running job and removes its archive. It is
// a no-op error for jobs already finished.
func (s *Service) Cancel(jobID string) error {
	job, ok := s.registry.get(jobID)
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrJobNotFound, jobID)
	}
	if job.Terminal() {
		_ = s.archive.Remove(jobID)
		s.registry.remove(jobID)
		return nil
	}

	s.registry.fail(jobID, "canceled")
	s.mu.Lock()
	if cancel, ok := s.cancels[jobID]; ok {
		cancel()
	}
	s.mu.Unlock()
	_ = s.archive.Remove(jobID)
	s.logger.Info("bundle job canceled", "job_id", jobID)
	return nil
}

// Open returns the finished archive for download.
func (s *Service) Open(jobID string) (ar ArchiveReader, err error) {
	job, ok := s.registry.get(jobID)
	if !ok {
		return ArchiveReader{}, fmt.Errorf("%w: %s", model.ErrJobNotFound, jobID)
	}
	if job.State != StateCompleted {
		return ArchiveReader{}, fmt.Errorf("%w: job %s is %s", model.ErrBundleNotReady, jobID, job.State)
	}
	rc, size, err := s.archive.Open(jobID)
	if err != nil {
		return ArchiveReader{}, err
	}
	return ArchiveReader{Content: rc, Size: size, Name: jobID + ".zip"}, nil
}

type ArchiveReader struct {
	Content io.ReadSeekCloser
	Size    int64
	Name    string
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-s.queue:
			if !s.registry.markRunning(id) {
				continue // canceled while queued
			}
			s.run(ctx, id)
		}
	}
}

func (s *Service) run(parent context.Context, id string) {
	job, ok := s.registry.get(id)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	s.cancels[id] = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.cancels, id)
		s.mu.Unlock()
	}()

	start := time.Now()
	manifest, err := s.build(ctx, job)
	if err != nil {
		if s.registry.fail(id, err.Error()) {
			s.logger.Error("bundle job failed",
				"job_id", id, "err", err, "dur", time.Since(start).String())
		}
		return
	}
	s.registry.complete(id, manifest)
	s.logger.Info("bundle job completed",
		"job_id", id, "tiles", manifest.TileCount,
		"vector_layers", manifest.VectorLayerCount,
		"bytes", manifest.TotalBytes, "dur", time.Since(start).String())
}

type tileResult struct {
	tile spatial.Tile
	data []byte
	err  error
}

func (s *Service) build(ctx context.Context, job Job) (Manifest, error) {
	var (
		tiles    []spatial.Tile
		warnings []string
	)
	for _, zoom := range job.Zooms.Levels() {
		r := spatial.RangeForBounds(job.Bounds, zoom)
		clamped := spatial.ClampRange(r, s.cfg.MaxTilesPerZoom)
		if clamped.Count() < r.Count() {
			w := fmt.Sprintf("zoom %d: tile range clamped from %d to %d tiles", zoom, r.Count(), clamped.Count())
			warnings = append(warnings, w)
			s.logger.Warn("bundle tile range clamped",
				"job_id", job.ID, "zoom", zoom,
				"requested", r.Count(), "kept", clamped.Count())
		}
		tiles = append(tiles, clamped.Tiles()...)
	}

	var layers []model.FeatureType
	if job.IncludeVectorData {
		layers = model.FeatureTypes
	}
	totalUnits := len(tiles) + len(layers)
	if totalUnits == 0 {
		return Manifest{}, fmt.Errorf("empty bundle: no tiles in range")
	}

	tmp, err := s.archive.CreateTemp(job.ID)
	if err != nil {
		return Manifest{}, err
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			s.archive.Discard(tmpPath)
		}
	}()

	zw := zip.NewWriter(tmp)
	manifest := Manifest{
		JobID:      job.ID,
		ZoomLevels: job.Zooms.Levels(),
		Warnings:   warnings,
	}
	done := 0

	// Fetchers run concurrently; the zip has a single writer here. The
	// results buffer stays small so tiles are written out (and progress
	// advances) as they land, not after the whole fetch phase.
	jobs := make(chan spatial.Tile, len(tiles))
	results := make(chan tileResult, s.cfg.FetchConcurrency)

	workerN := s.cfg.FetchConcurrency
	var wg sync.WaitGroup
	wg.Add(workerN)
	for range workerN {
		go func() {
			defer wg.Done()
			for t := range jobs {
				select {
				case <-ctx.Done():
					return
				default:
				}
				data, err := s.fetchTileWithRetry(ctx, t)
				select {
				case results <- tileResult{tile: t, data: data, err: err}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	for _, t := range tiles {
		jobs <- t
	}
	close(jobs)
	go func() {
		wg.Wait()
		close(results)
	}()

	var fetchErr error
	for r := range results {
		if r.err != nil {
			if fetchErr == nil {
				fetchErr = fmt.Errorf("tile %s: %w", r.tile.String(), r.err)
			}
			continue
		}
		w, err := zw.Create(fmt.Sprintf("tiles/%d/%d/%d.png", r.tile.Z, r.tile.X, r.tile.Y))
		if err != nil {
			return Manifest{}, fmt.Errorf("zip entry: %w", err)
		}
		if _, err := w.Write(r.data); err != nil {
			return Manifest{}, fmt.Errorf("zip write: %w", err)
		}
		manifest.TileCount++
		manifest.TotalBytes += int64(len(r.data))
		done++
		s.registry.setProgress(job.ID, float64(done)/float64(totalUnits))
	}
	if fetchErr != nil {
		return Manifest{}, fetchErr
	}
	if err := ctx.Err(); err != nil {
		return Manifest{}, err
	}

	for _, layer := range layers {
		q := model.VectorQuery{Bounds: job.Bounds, Zoom: job.Zooms.Max, Type: layer}
		data, err := s.features.FetchLayer(ctx, q)
		if err != nil {
			return Manifest{}, fmt.Errorf("vector layer %s: %w", layer, err)
		}
		w, err := zw.Create(string(layer) + "s.geojson")
		if err != nil {
			return Manifest{}, fmt.Errorf("zip entry: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return Manifest{}, fmt.Errorf("zip write: %w", err)
		}
		manifest.VectorLayerCount++
		manifest.TotalBytes += int64(len(data))
		done++
		s.registry.setProgress(job.ID, float64(done)/float64(totalUnits))
	}

	mw, err := zw.Create("manifest.json")
	if err != nil {
		return Manifest{}, fmt.Errorf("zip entry: %w", err)
	}
	enc, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return Manifest{}, fmt.Errorf("encode manifest: %w", err)
	}
	if _, err := mw.Write(enc); err != nil {
		return Manifest{}, fmt.Errorf("zip write: %w", err)
	}

	if err := zw.Close(); err != nil {
		return Manifest{}, fmt.Errorf("finalize zip: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Manifest{}, fmt.Errorf("close archive: %w", err)
	}
	if err := s.archive.Commit(job.ID, tmpPath); err != nil {
		return Manifest{}, err
	}
	committed = true
	return manifest, nil
}

func (s *Service) fetchTileWithRetry(ctx context.Context, t spatial.Tile) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.RetryBudget; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := s.tiles.FetchTile(ctx, t.Z, t.X, t.Y)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if attempt < s.cfg.RetryBudget {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * 250 * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, lastErr
}

func (s *Service) sweeper(ctx context.Context) {
	defer s.wg.Done()
	interval := s.cfg.Retention / 10
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range s.registry.expired(s.cfg.Retention) {
				_ = s.archive.Remove(id)
				s.registry.remove(id)
			}
			if n, err := s.archive.SweepOlderThan(s.cfg.Retention); err != nil {
				s.logger.Warn("archive sweep failed", "err", err)
			} else if n > 0 {
				s.logger.Info("swept expired bundle archives", "removed", n)
			}
		}
	}
}
