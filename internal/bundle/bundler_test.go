package bundle

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/bopmaps/mapcache/internal/cache"
	"github.com/bopmaps/mapcache/internal/cache/keys"
	"github.com/bopmaps/mapcache/internal/cache/redisstore"
	"github.com/bopmaps/mapcache/internal/cache/stampede"
	"github.com/bopmaps/mapcache/internal/cache/stats"
	"github.com/bopmaps/mapcache/internal/core/model"
	"github.com/bopmaps/mapcache/internal/spatial"
	"github.com/bopmaps/mapcache/internal/tileproxy"
)

type fakeTiles struct {
	mu    sync.Mutex
	calls int
	fail  func(z, x, y int) error
	block chan struct{}
}

func (f *fakeTiles) FetchTile(ctx context.Context, z, x, y int) ([]byte, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(z, x, y); err != nil {
			return nil, err
		}
	}
	return []byte(fmt.Sprintf("tile-%d-%d-%d", z, x, y)), nil
}

type fakeFeatures struct {
	err error
}

func (f *fakeFeatures) FetchLayer(_ context.Context, q model.VectorQuery) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []byte(fmt.Sprintf(`{"type":"FeatureCollection","features":[],"layer":%q}`, q.Type)), nil
}

func newService(t *testing.T, tiles TileFetcher, features FeatureFetcher, cfg Config) *Service {
	t.Helper()
	archive, err := NewArchiveStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewArchiveStore: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(logger, cfg, tiles, features, archive)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		svc.Wait()
	})
	svc.Start(ctx)
	return svc
}

func waitTerminal(t *testing.T, svc *Service, id string) Job {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case <-deadline:
			job, _ := svc.Status(id)
			t.Fatalf("job %s not terminal in time: %+v", id, job)
		case <-time.After(10 * time.Millisecond):
		}
		job, err := svc.Status(id)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if job.Terminal() {
			return job
		}
	}
}

func nycRequest() SubmitRequest {
	return SubmitRequest{
		Bounds:            model.Bounds{North: 40.78, South: 40.64, East: -73.90, West: -74.10},
		Zooms:             model.ZoomRange{Min: 14, Max: 16},
		IncludeVectorData: true,
	}
}

func TestBundle_CompletesWithManifest(t *testing.T) {
	tiles := &fakeTiles{}
	svc := newService(t, tiles, &fakeFeatures{}, Config{Workers: 1, FetchConcurrency: 4, MaxTilesPerZoom: 1000})

	req := nycRequest()
	job, err := svc.Submit(req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.State != StatePending || job.ID == "" {
		t.Fatalf("unexpected accepted job %+v", job)
	}

	done := waitTerminal(t, svc, job.ID)
	if done.State != StateCompleted {
		t.Fatalf("state=%s error=%q", done.State, done.ErrorMessage)
	}
	if done.Progress != 1 {
		t.Fatalf("progress=%v want 1", done.Progress)
	}
	if done.CompletedAt == nil {
		t.Fatal("completedAt not set")
	}

	m := done.Manifest
	if m == nil {
		t.Fatal("manifest missing")
	}
	wantZooms := []int{14, 15, 16}
	if len(m.ZoomLevels) != 3 || m.ZoomLevels[0] != 14 || m.ZoomLevels[1] != 15 || m.ZoomLevels[2] != 16 {
		t.Fatalf("zoom levels %v want %v", m.ZoomLevels, wantZooms)
	}

	wantTiles := 0
	for _, z := range wantZooms {
		r := spatial.ClampRange(spatial.RangeForBounds(req.Bounds, z), 1000)
		wantTiles += r.Count()
	}
	if m.TileCount != wantTiles {
		t.Fatalf("tile count %d want %d", m.TileCount, wantTiles)
	}
	if m.VectorLayerCount != 3 {
		t.Fatalf("vector layers %d want 3", m.VectorLayerCount)
	}
	if m.TotalBytes <= 0 {
		t.Fatal("total bytes not accounted")
	}
}

func TestBundle_ArchiveLayout(t *testing.T) {
	svc := newService(t, &fakeTiles{}, &fakeFeatures{}, Config{Workers: 1, FetchConcurrency: 2})

	req := SubmitRequest{
		Bounds:            model.Bounds{North: 40.72, South: 40.70, East: -74.00, West: -74.02},
		Zooms:             model.ZoomRange{Min: 12, Max: 12},
		IncludeVectorData: true,
	}
	job, err := svc.Submit(req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := waitTerminal(t, svc, job.ID)
	if done.State != StateCompleted {
		t.Fatalf("state=%s error=%q", done.State, done.ErrorMessage)
	}

	ar, err := svc.Open(job.ID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = ar.Content.Close() }()

	zr, err := zip.NewReader(readerAt(t, ar), ar.Size)
	if err != nil {
		t.Fatalf("zip open: %v", err)
	}

	var tileEntries int
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
		if strings.HasPrefix(f.Name, "tiles/12/") && strings.HasSuffix(f.Name, ".png") {
			tileEntries++
		}
	}
	for _, want := range []string{"buildings.geojson", "roads.geojson", "parks.geojson", "manifest.json"} {
		if !names[want] {
			t.Fatalf("archive missing %s (has %v)", want, names)
		}
	}
	if tileEntries != done.Manifest.TileCount {
		t.Fatalf("archive holds %d tiles, manifest claims %d", tileEntries, done.Manifest.TileCount)
	}

	mf, err := zr.Open("manifest.json")
	if err != nil {
		t.Fatalf("open manifest: %v", err)
	}
	defer func() { _ = mf.Close() }()
	var m Manifest
	if err := json.NewDecoder(mf).Decode(&m); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	if m.JobID != job.ID || m.TileCount != done.Manifest.TileCount {
		t.Fatalf("manifest mismatch: %+v vs %+v", m, done.Manifest)
	}
}

func TestSubmit_RejectsInvalidSynchronously(t *testing.T) {
	svc := newService(t, &fakeTiles{}, &fakeFeatures{}, Config{Workers: 1, MaxSpanDegrees: 1})

	cases := []struct {
		name string
		req  SubmitRequest
		want error
	}{
		{
			"inverted bounds",
			SubmitRequest{
				Bounds: model.Bounds{North: 40.64, South: 40.78, East: -73.90, West: -74.10},
				Zooms:  model.ZoomRange{Min: 14, Max: 16},
			},
			model.ErrInvalidCoordinates,
		},
		{
			"zoom out of range",
			SubmitRequest{
				Bounds: model.Bounds{North: 40.78, South: 40.64, East: -73.90, West: -74.10},
				Zooms:  model.ZoomRange{Min: 16, Max: 14},
			},
			model.ErrInvalidZoomRange,
		},
		{
			"span too large",
			SubmitRequest{
				Bounds: model.Bounds{North: 45, South: 40, East: -70, West: -74},
				Zooms:  model.ZoomRange{Min: 10, Max: 11},
			},
			model.ErrBoundsTooLarge,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			job, err := svc.Submit(tc.req)
			if !errors.Is(err, tc.want) {
				t.Fatalf("want %v, got %v", tc.want, err)
			}
			if job.ID != "" {
				t.Fatal("rejected request still produced a job")
			}
		})
	}
}

func TestBundle_UpstreamFailureFailsJob(t *testing.T) {
	tiles := &fakeTiles{
		fail: func(z, x, y int) error {
			if x%7 == 0 {
				return fmt.Errorf("fetch: %w", model.ErrUpstreamTimeout)
			}
			return nil
		},
	}
	svc := newService(t, tiles, &fakeFeatures{},
		Config{Workers: 1, FetchConcurrency: 4, RetryBudget: 1})

	job, err := svc.Submit(nycRequest())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := waitTerminal(t, svc, job.ID)
	if done.State != StateFailed {
		t.Fatalf("state=%s want failed", done.State)
	}
	if done.ErrorMessage == "" {
		t.Fatal("failed job carries no error message")
	}
	if !strings.Contains(done.ErrorMessage, "timeout") {
		t.Fatalf("error message %q does not name the cause", done.ErrorMessage)
	}

	// no archive is published for a failed job
	if _, err := svc.Open(job.ID); !errors.Is(err, model.ErrBundleNotReady) {
		t.Fatalf("want ErrBundleNotReady, got %v", err)
	}
}

func TestBundle_DownloadBeforeCompletion(t *testing.T) {
	tiles := &fakeTiles{block: make(chan struct{})}
	svc := newService(t, tiles, &fakeFeatures{}, Config{Workers: 1, FetchConcurrency: 1})

	job, err := svc.Submit(SubmitRequest{
		Bounds: model.Bounds{North: 40.72, South: 40.70, East: -74.00, West: -74.02},
		Zooms:  model.ZoomRange{Min: 14, Max: 14},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if _, err := svc.Open(job.ID); !errors.Is(err, model.ErrBundleNotReady) {
		t.Fatalf("want ErrBundleNotReady, got %v", err)
	}
	close(tiles.block)
	waitTerminal(t, svc, job.ID)
}

func TestBundle_Cancel(t *testing.T) {
	tiles := &fakeTiles{block: make(chan struct{})}
	svc := newService(t, tiles, &fakeFeatures{}, Config{Workers: 1, FetchConcurrency: 1})

	job, err := svc.Submit(SubmitRequest{
		Bounds: model.Bounds{North: 40.72, South: 40.70, East: -74.00, West: -74.02},
		Zooms:  model.ZoomRange{Min: 14, Max: 14},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := svc.Cancel(job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	done := waitTerminal(t, svc, job.ID)
	if done.State != StateFailed || done.ErrorMessage != "canceled" {
		t.Fatalf("canceled job: %+v", done)
	}

	if err := svc.Cancel("no-such-job"); !errors.Is(err, model.ErrJobNotFound) {
		t.Fatalf("want ErrJobNotFound, got %v", err)
	}
}

func TestStatus_UnknownJob(t *testing.T) {
	svc := newService(t, &fakeTiles{}, &fakeFeatures{}, Config{Workers: 1})
	if _, err := svc.Status("missing"); !errors.Is(err, model.ErrJobNotFound) {
		t.Fatalf("want ErrJobNotFound, got %v", err)
	}
}

// gatedTiles serves every tile immediately except one, which blocks
// until the gate opens.
type gatedTiles struct {
	hold spatial.Tile
	gate chan struct{}
}

func (g *gatedTiles) FetchTile(ctx context.Context, z, x, y int) ([]byte, error) {
	if (spatial.Tile{Z: z, X: x, Y: y}) == g.hold {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return []byte("t"), nil
}

func TestBundle_ProgressAdvancesDuringFetch(t *testing.T) {
	bounds := model.Bounds{North: 40.72, South: 40.70, East: -74.00, West: -74.04}
	zooms := model.ZoomRange{Min: 15, Max: 15}
	r := spatial.ClampRange(spatial.RangeForBounds(bounds, 15), 1000)
	tiles := r.Tiles()
	if len(tiles) < 2 {
		t.Fatalf("need at least 2 tiles, range has %d", len(tiles))
	}

	// the last tile stays gated, so the job cannot finish while we poll
	src := &gatedTiles{hold: tiles[len(tiles)-1], gate: make(chan struct{})}
	svc := newService(t, src, &fakeFeatures{}, Config{Workers: 1, FetchConcurrency: 1})

	job, err := svc.Submit(SubmitRequest{Bounds: bounds, Zooms: zooms})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		j, err := svc.Status(job.ID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if j.Progress > 0 {
			if j.State != StateRunning {
				t.Fatalf("progress %v reported in state %s", j.Progress, j.State)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("no progress observed while %d of %d tiles were fetched", len(tiles)-1, len(tiles))
		case <-time.After(5 * time.Millisecond):
		}
	}

	close(src.gate)
	done := waitTerminal(t, svc, job.ID)
	if done.State != StateCompleted || done.Progress != 1 {
		t.Fatalf("final job %+v", done)
	}
}

func TestBundle_ClampRecordsWarning(t *testing.T) {
	bounds := model.Bounds{North: 40.72, South: 40.70, East: -74.00, West: -74.04}
	full := spatial.RangeForBounds(bounds, 15)
	limit := 4
	if full.Count() <= limit {
		t.Fatalf("bounds must exceed the clamp, range has %d tiles", full.Count())
	}

	svc := newService(t, &fakeTiles{}, &fakeFeatures{},
		Config{Workers: 1, FetchConcurrency: 2, MaxTilesPerZoom: limit})

	job, err := svc.Submit(SubmitRequest{Bounds: bounds, Zooms: model.ZoomRange{Min: 15, Max: 15}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := waitTerminal(t, svc, job.ID)
	if done.State != StateCompleted {
		t.Fatalf("state=%s error=%q", done.State, done.ErrorMessage)
	}

	clamped := spatial.ClampRange(full, limit)
	if done.Manifest.TileCount != clamped.Count() {
		t.Fatalf("tile count %d want %d", done.Manifest.TileCount, clamped.Count())
	}
	if len(done.Manifest.Warnings) != 1 {
		t.Fatalf("warnings %v, want exactly one", done.Manifest.Warnings)
	}
	w := done.Manifest.Warnings[0]
	if !strings.Contains(w, "clamped") ||
		!strings.Contains(w, fmt.Sprintf("%d", full.Count())) ||
		!strings.Contains(w, fmt.Sprintf("%d", clamped.Count())) {
		t.Fatalf("warning %q does not name the reduction", w)
	}
}

func TestBundle_NoWarningWhenUnderLimit(t *testing.T) {
	svc := newService(t, &fakeTiles{}, &fakeFeatures{}, Config{Workers: 1})

	job, err := svc.Submit(SubmitRequest{
		Bounds: model.Bounds{North: 40.72, South: 40.70, East: -74.00, West: -74.02},
		Zooms:  model.ZoomRange{Min: 12, Max: 12},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := waitTerminal(t, svc, job.ID)
	if done.State != StateCompleted {
		t.Fatalf("state=%s error=%q", done.State, done.ErrorMessage)
	}
	if len(done.Manifest.Warnings) != 0 {
		t.Fatalf("unexpected warnings %v", done.Manifest.Warnings)
	}
}

// flakyUpstream fails exactly one tile and serves the rest.
type flakyUpstream struct {
	fail spatial.Tile
}

func (u *flakyUpstream) FetchTile(_ context.Context, z, x, y int) ([]byte, error) {
	if (spatial.Tile{Z: z, X: x, Y: y}) == u.fail {
		return nil, fmt.Errorf("render farm: %w", model.ErrUpstreamUnavailable)
	}
	return []byte(fmt.Sprintf("tile-%d-%d-%d", z, x, y)), nil
}

// proxyTiles routes bundle fetches through the tile proxy, the same
// adapter shape the binary wires up.
type proxyTiles struct {
	p *tileproxy.Proxy
}

func (a proxyTiles) FetchTile(ctx context.Context, z, x, y int) ([]byte, error) {
	res, err := a.p.GetTile(ctx, z, x, y, "")
	if err != nil {
		return nil, err
	}
	return res.Bytes, nil
}

func TestBundle_FailedJobKeepsSiblingTilesCached(t *testing.T) {
	bounds := model.Bounds{North: 40.72, South: 40.70, East: -74.00, West: -74.04}
	r := spatial.ClampRange(spatial.RangeForBounds(bounds, 15), 1000)
	tiles := r.Tiles()
	if len(tiles) < 2 {
		t.Fatalf("need at least 2 tiles, range has %d", len(tiles))
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)
	rc, err := redisstore.New(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("redisstore.New: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })

	store := cache.NewRedisStore(rc, nil, time.Second)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	proxy := tileproxy.New(logger, store, stampede.New(), &flakyUpstream{fail: tiles[0]}, stats.New(store))

	svc := newService(t, proxyTiles{proxy}, &fakeFeatures{},
		Config{Workers: 1, FetchConcurrency: 2, RetryBudget: 1})

	job, err := svc.Submit(SubmitRequest{Bounds: bounds, Zooms: model.ZoomRange{Min: 15, Max: 15}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := waitTerminal(t, svc, job.ID)
	if done.State != StateFailed || done.ErrorMessage == "" {
		t.Fatalf("job %+v", done)
	}

	// the failed tile never made it into the store
	if _, found, err := store.Get(ctx, cache.TierTile, keys.Tile(tiles[0].Z, tiles[0].X, tiles[0].Y)); err != nil || found {
		t.Fatalf("failed tile cached: found=%v err=%v", found, err)
	}
	// every sibling is still present and independently servable
	for _, tl := range tiles[1:] {
		entry, found, err := store.Get(ctx, cache.TierTile, keys.Tile(tl.Z, tl.X, tl.Y))
		if err != nil {
			t.Fatalf("store get %s: %v", tl, err)
		}
		if !found {
			t.Fatalf("sibling tile %s missing from store after failed job", tl)
		}
		if len(entry.Payload) == 0 || entry.ETag == "" {
			t.Fatalf("sibling tile %s cached without payload or etag", tl)
		}
	}
}

// readerAt adapts the archive stream for zip reading.
func readerAt(t *testing.T, ar ArchiveReader) io.ReaderAt {
	t.Helper()
	data, err := io.ReadAll(ar.Content)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	return strings.NewReader(string(data))
}
