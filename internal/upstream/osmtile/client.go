// Package osmtile adapts a slippy-map tile server (osm-compatible layout)
// to the upstream.TileSource capability.
package osmtile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bopmaps/mapcache/internal/core/model"
	"github.com/bopmaps/mapcache/internal/core/observability"
)

const (
	defaultTimeout = 5 * time.Second
	maxAttempts    = 3
	// maxTileBytes caps a single tile read; a raster tile past this size
	// indicates a broken upstream.
	maxTileBytes = 4 << 20
)

type Client struct {
	base      string
	http      *http.Client
	timeout   time.Duration
	userAgent string
	sleep     func(time.Duration) // swapped in tests
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

func New(base string, httpClient *http.Client, opts ...Option) *Client {
	c := &Client{
		base:      base,
		http:      httpClient,
		timeout:   defaultTimeout,
		userAgent: "bopmaps-mapcache/1.0 (+https://bopmaps.com)",
		sleep:     time.Sleep,
	}
	for _, f := range opts {
		f(c)
	}
	return c
}

// FetchTile retrieves {base}/{z}/{x}/{y}.png with a progressive per-attempt
// timeout and a small retry budget. Rate-limit responses back off
// exponentially; other non-2xx statuses retry without sleeping.
func (c *Client) FetchTile(ctx context.Context, z, x, y int) ([]byte, error) {
	url := fmt.Sprintf("%s/%d/%d/%d.png", c.base, z, x, y)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		body, retryable, err := c.fetchOnce(ctx, url, time.Duration(attempt)*c.timeout)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable || ctx.Err() != nil {
			break
		}
		if errors.Is(err, errRateLimited) && attempt < maxAttempts {
			c.sleep(time.Duration(1<<uint(attempt-1)) * time.Second)
		}
	}
	return nil, fmt.Errorf("tile %d/%d/%d: %w", z, x, y, lastErr)
}

var errRateLimited = errors.New("rate limited")

func (c *Client) fetchOnce(ctx context.Context, url string, timeout time.Duration) (body []byte, retryable bool, err error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "image/png")

	start := time.Now()
	resp, err := c.http.Do(req)
	observability.ObserveUpstreamLatency("tile_source", time.Since(start).Seconds())
	if err != nil {
		if reqCtx.Err() != nil && ctx.Err() == nil {
			return nil, true, fmt.Errorf("%w: %w", model.ErrUpstreamTimeout, err)
		}
		return nil, true, fmt.Errorf("%w: %w", model.ErrUpstreamUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		b, err := io.ReadAll(io.LimitReader(resp.Body, maxTileBytes+1))
		if err != nil {
			return nil, true, fmt.Errorf("%w: read body: %w", model.ErrUpstreamUnavailable, err)
		}
		if len(b) > maxTileBytes {
			return nil, false, fmt.Errorf("%w: tile body exceeds %d bytes", model.ErrUpstreamUnavailable, maxTileBytes)
		}
		return b, false, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, true, fmt.Errorf("%w: %w: status=429", model.ErrUpstreamUnavailable, errRateLimited)
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, fmt.Errorf("%w: status=404", model.ErrUpstreamUnavailable)
	default:
		return nil, true, fmt.Errorf("%w: status=%d", model.ErrUpstreamUnavailable, resp.StatusCode)
	}
}
