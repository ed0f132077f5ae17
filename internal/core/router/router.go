// Package router wires the HTTP surface: tile and feature reads,
// invalidation, cache stats, user settings, and bundle jobs.
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bopmaps/mapcache/internal/bundle"
	"github.com/bopmaps/mapcache/internal/cache"
	"github.com/bopmaps/mapcache/internal/cache/keys"
	"github.com/bopmaps/mapcache/internal/cache/stats"
	"github.com/bopmaps/mapcache/internal/core/health"
	"github.com/bopmaps/mapcache/internal/core/model"
	"github.com/bopmaps/mapcache/internal/core/observability"
	"github.com/bopmaps/mapcache/internal/invalidation"
	"github.com/bopmaps/mapcache/internal/tileproxy"
	"github.com/bopmaps/mapcache/internal/vector"
)

const maxSettingsBytes = 1 << 20

type Deps struct {
	Logger      *slog.Logger
	Tiles       *tileproxy.Proxy
	Vectors     *vector.Fetcher
	Invalidator *invalidation.Engine
	Bundles     *bundle.Service
	Store       cache.Store
	Stats       *stats.Collector

	TileMaxAge   time.Duration
	VectorMaxAge time.Duration

	Metrics http.Handler
	Ready   http.HandlerFunc
}

type Router struct {
	d Deps
}

// New assembles the chi mux. Middlewares are applied by the server.
func New(d Deps) (chi.Router, error) {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Tiles == nil || d.Vectors == nil || d.Invalidator == nil || d.Bundles == nil || d.Store == nil || d.Stats == nil {
		return nil, errors.New("router: missing dependencies")
	}
	rt := &Router{d: d}

	r := chi.NewRouter()
	r.Get("/healthz", health.Liveness())
	if d.Ready != nil {
		r.Get("/readyz", d.Ready)
	}
	if d.Metrics != nil {
		r.Get("/metrics", d.Metrics.ServeHTTP)
	}

	r.Get("/tiles/{z}/{x}/{y}", instrument("/tiles", rt.getTile))
	r.Get("/features/{featureType}", instrument("/features", rt.getFeatures))

	r.Get("/cache/stats", instrument("/cache/stats", rt.getStats))
	r.Post("/cache/invalidate", instrument("/cache/invalidate", rt.postInvalidate))

	r.Get("/settings/{userID}", instrument("/settings", rt.getSettings))
	r.Put("/settings/{userID}", instrument("/settings", rt.putSettings))

	r.Post("/bundles", instrument("/bundles", rt.postBundle))
	r.Get("/bundles/{jobID}", instrument("/bundles/status", rt.getBundle))
	r.Delete("/bundles/{jobID}", instrument("/bundles/status", rt.deleteBundle))
	r.Get("/bundles/{jobID}/download", instrument("/bundles/download", rt.downloadBundle))

	return r, nil
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		h(sw, r)
		observability.ObserveHTTP(r.Method, route, sw.code, time.Since(start).Seconds())
	}
}

func (rt *Router) getTile(w http.ResponseWriter, r *http.Request) {
	z, errZ := strconv.Atoi(chi.URLParam(r, "z"))
	x, errX := strconv.Atoi(chi.URLParam(r, "x"))
	y, errY := strconv.Atoi(chi.URLParam(r, "y"))
	if errZ != nil || errX != nil || errY != nil {
		writeErrorMsg(w, http.StatusBadRequest, "tile coordinates must be integers")
		return
	}

	res, err := rt.d.Tiles.GetTile(r.Context(), z, x, y, r.Header.Get("If-None-Match"))
	if err != nil {
		writeError(w, err)
		return
	}

	setCacheHeaders(w, res.ETag, rt.d.TileMaxAge, res.FromCache)
	if res.NotModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Bytes)))
	_, _ = w.Write(res.Bytes)
}

func (rt *Router) getFeatures(w http.ResponseWriter, r *http.Request) {
	ft, err := model.ParseFeatureType(chi.URLParam(r, "featureType"))
	if err != nil {
		writeErrorMsg(w, http.StatusBadRequest, err.Error())
		return
	}
	bounds, err := parseBounds(r)
	if err != nil {
		writeErrorMsg(w, http.StatusBadRequest, err.Error())
		return
	}
	zoom, err := queryInt(r, "zoom")
	if err != nil {
		writeErrorMsg(w, http.StatusBadRequest, err.Error())
		return
	}

	q := model.VectorQuery{Bounds: bounds, Zoom: zoom, Type: ft}
	res, err := rt.d.Vectors.GetFeatures(r.Context(), q, r.Header.Get("If-None-Match"))
	if err != nil {
		writeError(w, err)
		return
	}

	setCacheHeaders(w, res.ETag, rt.d.VectorMaxAge, res.FromCache)
	if res.NotModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	_, _ = w.Write(res.Payload)
}

func (rt *Router) getStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.d.Stats.Snapshot(r.Context()))
}

type invalidateRequest struct {
	Mode        string        `json:"mode"`
	FeatureType string        `json:"feature_type,omitempty"`
	Bounds      *model.Bounds `json:"bounds,omitempty"`
	Lat         float64       `json:"lat,omitempty"`
	Lng         float64       `json:"lng,omitempty"`
	RadiusM     float64       `json:"radius_m,omitempty"`
	Z           int           `json:"z,omitempty"`
	X           int           `json:"x,omitempty"`
	Y           int           `json:"y,omitempty"`
}

func (rt *Router) postInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "invalid json body: "+err.Error())
		return
	}

	var (
		deleted int
		err     error
	)
	switch req.Mode {
	case "area":
		if req.Bounds == nil {
			writeErrorMsg(w, http.StatusBadRequest, "mode area requires bounds")
			return
		}
		var ft model.FeatureType
		if req.FeatureType != "" {
			ft, err = model.ParseFeatureType(req.FeatureType)
			if err != nil {
				writeErrorMsg(w, http.StatusBadRequest, err.Error())
				return
			}
		}
		deleted, err = rt.d.Invalidator.InvalidateArea(r.Context(), ft, *req.Bounds)
	case "near":
		deleted, err = rt.d.Invalidator.InvalidateNear(r.Context(), req.Lat, req.Lng, req.RadiusM)
	case "tile":
		err = rt.d.Invalidator.InvalidateTile(r.Context(), req.Z, req.X, req.Y)
		deleted = 1
	default:
		writeErrorMsg(w, http.StatusBadRequest, "mode must be area|near|tile")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (rt *Router) getSettings(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	entry, found, err := rt.d.Store.Get(r.Context(), cache.TierSettings, keys.Settings(userID))
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeErrorMsg(w, http.StatusNotFound, "no settings for user")
		return
	}
	if match := strings.Trim(strings.TrimPrefix(r.Header.Get("If-None-Match"), "W/"), `"`); match != "" && match == entry.ETag {
		w.Header().Set("ETag", `"`+entry.ETag+`"`)
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", `"`+entry.ETag+`"`)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(entry.Payload)
}

func (rt *Router) putSettings(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSettingsBytes+1))
	if err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if len(body) > maxSettingsBytes {
		writeErrorMsg(w, http.StatusRequestEntityTooLarge, "settings payload too large")
		return
	}
	if !json.Valid(body) {
		writeErrorMsg(w, http.StatusBadRequest, "settings must be valid json")
		return
	}
	if err := rt.d.Store.Set(r.Context(), cache.TierSettings, keys.Settings(userID), body, 0); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) postBundle(w http.ResponseWriter, r *http.Request) {
	var req bundle.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "invalid json body: "+err.Error())
		return
	}
	job, err := rt.d.Bundles.Submit(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (rt *Router) getBundle(w http.ResponseWriter, r *http.Request) {
	job, err := rt.d.Bundles.Status(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (rt *Router) deleteBundle(w http.ResponseWriter, r *http.Request) {
	if err := rt.d.Bundles.Cancel(chi.URLParam(r, "jobID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) downloadBundle(w http.ResponseWriter, r *http.Request) {
	ar, err := rt.d.Bundles.Open(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	defer func() { _ = ar.Content.Close() }()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", ar.Name))
	http.ServeContent(w, r, ar.Name, time.Time{}, ar.Content)
}

func parseBounds(r *http.Request) (model.Bounds, error) {
	north, err := queryFloat(r, "north")
	if err != nil {
		return model.Bounds{}, err
	}
	south, err := queryFloat(r, "south")
	if err != nil {
		return model.Bounds{}, err
	}
	east, err := queryFloat(r, "east")
	if err != nil {
		return model.Bounds{}, err
	}
	west, err := queryFloat(r, "west")
	if err != nil {
		return model.Bounds{}, err
	}
	return model.Bounds{North: north, South: south, East: east, West: west}, nil
}

func queryFloat(r *http.Request, name string) (float64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, fmt.Errorf("missing required parameter: %s", name)
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parameter %s: %w", name, err)
	}
	return f, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, fmt.Errorf("missing required parameter: %s", name)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parameter %s: %w", name, err)
	}
	return n, nil
}

func setCacheHeaders(w http.ResponseWriter, etag string, maxAge time.Duration, fromCache bool) {
	if etag != "" {
		w.Header().Set("ETag", `"`+etag+`"`)
	}
	if maxAge > 0 {
		w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(maxAge.Seconds())))
	}
	if fromCache {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorMsg(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeError maps domain sentinels onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidCoordinates),
		errors.Is(err, model.ErrInvalidZoomRange),
		errors.Is(err, model.ErrBoundsTooLarge):
		writeErrorMsg(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrJobNotFound):
		writeErrorMsg(w, http.StatusNotFound, err.Error())
	case errors.Is(err, model.ErrBundleNotReady):
		writeErrorMsg(w, http.StatusConflict, err.Error())
	case errors.Is(err, model.ErrUpstreamTimeout):
		writeErrorMsg(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, model.ErrUpstreamUnavailable):
		writeErrorMsg(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, model.ErrStoreUnavailable):
		writeErrorMsg(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeErrorMsg(w, http.StatusInternalServerError, err.Error())
	}
}
