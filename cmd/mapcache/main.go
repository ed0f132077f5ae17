package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bopmaps/mapcache/internal/bundle"
	mapcache "github.com/bopmaps/mapcache/internal/cache"
	"github.com/bopmaps/mapcache/internal/cache/redisstore"
	"github.com/bopmaps/mapcache/internal/cache/stampede"
	"github.com/bopmaps/mapcache/internal/cache/stats"
	"github.com/bopmaps/mapcache/internal/core/config"
	"github.com/bopmaps/mapcache/internal/core/health"
	"github.com/bopmaps/mapcache/internal/core/httpclient"
	"github.com/bopmaps/mapcache/internal/core/model"
	"github.com/bopmaps/mapcache/internal/core/observability"
	"github.com/bopmaps/mapcache/internal/core/router"
	"github.com/bopmaps/mapcache/internal/core/server"
	"github.com/bopmaps/mapcache/internal/invalidation"
	"github.com/bopmaps/mapcache/internal/invalidation/kafkaconsumer"
	"github.com/bopmaps/mapcache/internal/logger"
	"github.com/bopmaps/mapcache/internal/metrics"
	"github.com/bopmaps/mapcache/internal/tileproxy"
	"github.com/bopmaps/mapcache/internal/upstream/featureapi"
	"github.com/bopmaps/mapcache/internal/upstream/osmtile"
	"github.com/bopmaps/mapcache/internal/vector"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.FromEnv()

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   strings.ToLower(os.Getenv("LOG_CONSOLE")) == "true",
		Component: "mapcache",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	provider := metrics.Init(metrics.BuildInfo{Version: Version})
	observability.Init(provider.Registerer())

	appLog.Info("starting mapcache",
		"addr", cfg.Addr,
		"version", Version,
		"redis", cfg.RedisAddr,
		"tile_upstream", cfg.TileUpstreamURL,
		"feature_upstream", cfg.FeatureUpstreamURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisCli, err := redisstore.New(ctx, cfg.RedisAddr)
	if err != nil {
		appLog.Error("redis connect failed", "err", err)
		return 1
	}
	defer func() { _ = redisCli.Close() }()

	store := mapcache.NewRedisStore(redisCli, cfg.CacheTTLOvr, cfg.CacheOpTimeout)
	guard := stampede.New()
	collector := stats.New(store)

	httpClient := httpclient.NewOutbound()
	tileSource := osmtile.New(cfg.TileUpstreamURL, httpClient,
		osmtile.WithTimeout(cfg.UpstreamTimeout))
	featureSource, err := featureapi.New(cfg.FeatureUpstreamURL, httpClient, cfg.UpstreamTimeout)
	if err != nil {
		appLog.Error("feature upstream config invalid", "err", err)
		return 1
	}

	proxy := tileproxy.New(appLog, store, guard, tileSource, collector,
		tileproxy.WithHotSize(cfg.HotTileCacheSize))
	fetcher := vector.New(appLog, store, guard, featureSource, collector)
	engine := invalidation.New(appLog, store, proxy)

	archive, err := bundle.NewArchiveStore(cfg.Bundle.Dir)
	if err != nil {
		appLog.Error("bundle archive dir unusable", "err", err)
		return 1
	}
	bundles := bundle.NewService(appLog, bundle.Config{
		Workers:          cfg.Bundle.Workers,
		QueueSize:        cfg.Bundle.QueueSize,
		FetchConcurrency: cfg.Bundle.FetchConcurrency,
		MaxSpanDegrees:   cfg.Bundle.MaxSpanDegrees,
		MaxTilesPerZoom:  cfg.Bundle.MaxTilesPerZoom,
		RetryBudget:      cfg.Bundle.RetryBudget,
		Retention:        cfg.Bundle.Retention,
	}, bundleTiles{proxy}, bundleFeatures{fetcher}, archive)
	bundles.Start(ctx)

	if cfg.Invalidation.Enabled {
		consumer := kafkaconsumer.New(kafkaconsumer.Config{
			Brokers: splitCSV(cfg.Invalidation.Brokers),
			Topic:   cfg.Invalidation.Topic,
			GroupID: cfg.Invalidation.GroupID,
		}, appLog, engine)
		go func() {
			if err := consumer.Start(ctx); err != nil {
				appLog.Error("kafka consumer stopped", "err", err)
			}
		}()
	}

	tileTTL := mapcache.DefaultTTLs[mapcache.TierTile]
	vectorTTL := mapcache.DefaultTTLs[mapcache.TierVector]
	if d, ok := cfg.CacheTTLOvr[mapcache.TierTile]; ok {
		tileTTL = d
	}
	if d, ok := cfg.CacheTTLOvr[mapcache.TierVector]; ok {
		vectorTTL = d
	}

	mux, err := router.New(router.Deps{
		Logger:       appLog,
		Tiles:        proxy,
		Vectors:      fetcher,
		Invalidator:  engine,
		Bundles:      bundles,
		Store:        store,
		Stats:        collector,
		TileMaxAge:   tileTTL,
		VectorMaxAge: vectorTTL,
		Metrics:      provider.Handler(),
		Ready:        readiness(redisCli),
	})
	if err != nil {
		appLog.Error("router setup failed", "err", err)
		return 1
	}

	if err := server.Run(ctx, cfg.Addr, appLog, mux); err != nil {
		appLog.Error("server failed", "err", err)
		return 1
	}
	bundles.Wait()
	appLog.Info("shutdown complete")
	return 0
}

// bundleTiles routes bundle fetches through the proxy so bundled tiles
// also land in the shared cache.
type bundleTiles struct {
	proxy *tileproxy.Proxy
}

func (b bundleTiles) FetchTile(ctx context.Context, z, x, y int) ([]byte, error) {
	res, err := b.proxy.GetTile(ctx, z, x, y, "")
	if err != nil {
		return nil, err
	}
	return res.Bytes, nil
}

type bundleFeatures struct {
	fetcher *vector.Fetcher
}

func (b bundleFeatures) FetchLayer(ctx context.Context, q model.VectorQuery) ([]byte, error) {
	res, err := b.fetcher.GetFeatures(ctx, q, "")
	if err != nil {
		return nil, err
	}
	return res.Payload, nil
}

func readiness(cli *redisstore.Client) http.HandlerFunc {
	return health.Readiness(2*time.Second, map[string]health.Pinger{"redis": cli})
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
