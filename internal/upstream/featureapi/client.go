// Package featureapi adapts a bbox-scoped GeoJSON feature API to the
// upstream.FeatureSource capability.
package featureapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bopmaps/mapcache/internal/core/model"
	"github.com/bopmaps/mapcache/internal/core/observability"
	"github.com/bopmaps/mapcache/internal/geojson"
)

const (
	defaultTimeout  = 5 * time.Second
	maxResponseSize = 64 << 20
)

type Client struct {
	base    *url.URL
	http    *http.Client
	timeout time.Duration
}

func New(base string, httpClient *http.Client, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse feature api url: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{base: u, http: httpClient, timeout: timeout}, nil
}

// FetchFeatures queries {base}/features/{type}?north&south&east&west and
// parses the GeoJSON response.
func (c *Client) FetchFeatures(ctx context.Context, t model.FeatureType, b model.Bounds) (geojson.FeatureCollection, error) {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/features/" + string(t)
	q := url.Values{}
	q.Set("north", strconv.FormatFloat(b.North, 'f', 6, 64))
	q.Set("south", strconv.FormatFloat(b.South, 'f', 6, 64))
	q.Set("east", strconv.FormatFloat(b.East, 'f', 6, 64))
	q.Set("west", strconv.FormatFloat(b.West, 'f', 6, 64))
	u.RawQuery = q.Encode()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return geojson.FeatureCollection{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/geo+json, application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	observability.ObserveUpstreamLatency("feature_source", time.Since(start).Seconds())
	if err != nil {
		if reqCtx.Err() != nil && ctx.Err() == nil {
			return geojson.FeatureCollection{}, fmt.Errorf("features %s: %w: %w", t, model.ErrUpstreamTimeout, err)
		}
		return geojson.FeatureCollection{}, fmt.Errorf("features %s: %w: %w", t, model.ErrUpstreamUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return geojson.FeatureCollection{}, fmt.Errorf("features %s: %w: status=%d body=%q",
			t, model.ErrUpstreamUnavailable, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return geojson.FeatureCollection{}, fmt.Errorf("features %s: %w: read body: %w", t, model.ErrUpstreamUnavailable, err)
	}
	fc, err := geojson.ParseFeatureCollection(body)
	if err != nil {
		return geojson.FeatureCollection{}, fmt.Errorf("features %s: %w", t, err)
	}
	return fc, nil
}
