package model

import "errors"

// Client input errors, rejected before any work is queued.
var (
	ErrInvalidCoordinates = errors.New("invalid coordinates")
	ErrInvalidZoomRange   = errors.New("invalid zoom range")
	ErrBoundsTooLarge     = errors.New("bounds too large")
)

// Transient upstream failures, surfaced as retryable and never cached.
var (
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
)

// ErrStoreUnavailable means the shared cache store cannot be reached.
// Callers treat it as a cache miss and fall through to the upstream.
var ErrStoreUnavailable = errors.New("cache store unavailable")

// Bundle lifecycle errors.
var (
	ErrJobNotFound    = errors.New("bundle job not found")
	ErrBundleNotReady = errors.New("bundle not ready")
)
