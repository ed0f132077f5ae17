package osmtile

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bopmaps/mapcache/internal/core/model"
)

func newClient(t *testing.T, handler http.HandlerFunc) (*Client, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	c := New(srv.URL, srv.Client(), WithTimeout(time.Second))
	c.sleep = func(time.Duration) {}
	return c, &calls
}

func TestFetchTile_OK(t *testing.T) {
	c, calls := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/14/4824/6156.png" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte("png-bytes"))
	})

	body, err := c.FetchTile(context.Background(), 14, 4824, 6156)
	if err != nil {
		t.Fatalf("FetchTile: %v", err)
	}
	if string(body) != "png-bytes" {
		t.Fatalf("body=%q", body)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls=%d", calls.Load())
	}
}

func TestFetchTile_OversizedBodyRejected(t *testing.T) {
	c, calls := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(make([]byte, maxTileBytes+1))
	})

	_, err := c.FetchTile(context.Background(), 10, 1, 2)
	if !errors.Is(err, model.ErrUpstreamUnavailable) {
		t.Fatalf("want ErrUpstreamUnavailable, got %v", err)
	}
	// a broken upstream is not worth retrying
	if calls.Load() != 1 {
		t.Fatalf("calls=%d want 1", calls.Load())
	}
}

func TestFetchTile_ExactLimitAccepted(t *testing.T) {
	c, _ := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(make([]byte, maxTileBytes))
	})

	body, err := c.FetchTile(context.Background(), 10, 1, 2)
	if err != nil {
		t.Fatalf("FetchTile: %v", err)
	}
	if len(body) != maxTileBytes {
		t.Fatalf("len=%d want %d", len(body), maxTileBytes)
	}
}

func TestFetchTile_NotFoundDoesNotRetry(t *testing.T) {
	c, calls := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.FetchTile(context.Background(), 10, 1, 2)
	if !errors.Is(err, model.ErrUpstreamUnavailable) {
		t.Fatalf("want ErrUpstreamUnavailable, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls=%d want 1", calls.Load())
	}
}

func TestFetchTile_RetriesServerErrors(t *testing.T) {
	c, calls := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.FetchTile(context.Background(), 10, 1, 2)
	if !errors.Is(err, model.ErrUpstreamUnavailable) {
		t.Fatalf("want ErrUpstreamUnavailable, got %v", err)
	}
	if calls.Load() != maxAttempts {
		t.Fatalf("calls=%d want %d", calls.Load(), maxAttempts)
	}
}
