// Package config reads all runtime knobs from the environment with
// sensible defaults for local development.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bopmaps/mapcache/internal/cache"
)

type InvalidationCfg struct {
	Enabled bool
	Brokers string
	Topic   string
	GroupID string
}

type BundleCfg struct {
	Dir              string
	Workers          int
	QueueSize        int
	FetchConcurrency int
	MaxSpanDegrees   float64
	MaxTilesPerZoom  int
	RetryBudget      int
	Retention        time.Duration
}

type Config struct {
	Addr               string
	LogLevel           string
	RedisAddr          string
	TileUpstreamURL    string
	FeatureUpstreamURL string
	UpstreamTimeout    time.Duration
	CacheOpTimeout     time.Duration
	CacheTTLOvr        map[cache.Tier]time.Duration
	HotTileCacheSize   int
	Invalidation       InvalidationCfg
	Bundle             BundleCfg
}

func FromEnv() Config {
	return Config{
		Addr:               getenv("ADDR", ":8090"),
		LogLevel:           getenv("LOG_LEVEL", "info"),
		RedisAddr:          getenv("REDIS_ADDR", "localhost:6379"),
		TileUpstreamURL:    getenv("TILE_UPSTREAM_URL", "https://tile.openstreetmap.org"),
		FeatureUpstreamURL: getenv("FEATURE_UPSTREAM_URL", "http://localhost:8081"),
		UpstreamTimeout:    getduration("UPSTREAM_TIMEOUT", 5*time.Second),
		CacheOpTimeout:     getduration("CACHE_OP_TIMEOUT", 250*time.Millisecond),
		CacheTTLOvr:        tierDurations(parseDurationMap(getenv("CACHE_TTL_OVERRIDES", ""))),
		HotTileCacheSize:   getint("HOT_TILE_CACHE_SIZE", 2048),
		Invalidation: InvalidationCfg{
			Enabled: getbool("INVALIDATION_ENABLED", false),
			Brokers: getenv("KAFKA_BROKERS", "localhost:9092"),
			Topic:   getenv("KAFKA_TOPIC", "pin-events"),
			GroupID: getenv("KAFKA_GROUP_ID", "mapcache-invalidator"),
		},
		Bundle: BundleCfg{
			Dir:              getenv("BUNDLE_DIR", "/var/lib/mapcache/bundles"),
			Workers:          getint("BUNDLE_WORKERS", 2),
			QueueSize:        getint("BUNDLE_QUEUE", 32),
			FetchConcurrency: getint("BUNDLE_FETCH_CONCURRENCY", 8),
			MaxSpanDegrees:   getfloat("BUNDLE_MAX_SPAN_DEG", 1.0),
			MaxTilesPerZoom:  getint("BUNDLE_MAX_TILES_PER_ZOOM", 1000),
			RetryBudget:      getint("BUNDLE_RETRY_BUDGET", 3),
			Retention:        getduration("BUNDLE_RETENTION", 24*time.Hour),
		},
	}
}

// tierDurations keeps only overrides naming a real cache tier, so a
// typo in CACHE_TTL_OVERRIDES cannot create an orphan TTL.
func tierDurations(m map[string]time.Duration) map[cache.Tier]time.Duration {
	out := make(map[cache.Tier]time.Duration, len(m))
	for k, d := range m {
		tier := cache.Tier(k)
		if _, ok := cache.DefaultTTLs[tier]; ok {
			out[tier] = d
		}
	}
	return out
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parse "vector=1h,trending=10m" into map
func parseDurationMap(s string) map[string]time.Duration {
	out := map[string]time.Duration{}
	s = strings.TrimSpace(s)
	if s == "" {
		return out
	}
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		k := strings.TrimSpace(kv[0])
		v := strings.TrimSpace(kv[1])
		if k == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err == nil {
			out[k] = d
		}
	}
	return out
}
