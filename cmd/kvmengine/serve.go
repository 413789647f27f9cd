package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/tinyhost/kvmengine/internal/cache"
	"github.com/tinyhost/kvmengine/internal/config"
	"github.com/tinyhost/kvmengine/internal/curlfetch"
	"github.com/tinyhost/kvmengine/internal/devguest"
	"github.com/tinyhost/kvmengine/internal/dispatch"
	"github.com/tinyhost/kvmengine/internal/gateway"
	"github.com/tinyhost/kvmengine/internal/loader"
	"github.com/tinyhost/kvmengine/internal/logging"
	"github.com/tinyhost/kvmengine/internal/logsink"
	"github.com/tinyhost/kvmengine/internal/metrics"
	"github.com/tinyhost/kvmengine/internal/observability"
	"github.com/tinyhost/kvmengine/internal/ratelimit"
	"github.com/tinyhost/kvmengine/internal/respcache"
	"github.com/tinyhost/kvmengine/internal/store"
	"github.com/tinyhost/kvmengine/internal/tenant"
)

// slogSink is a logsink.Sink that forwards guest LOG()/exception
// records to the structured logger, so a deployment with no Postgres
// DSN configured still sees guest output somewhere.
type slogSink struct{}

func (slogSink) Write(_ context.Context, rec logsink.Record) error {
	logging.Op().Info("guest log", "tenant", rec.Tenant, "vm_type", rec.VMType, "message", rec.Message)
	return nil
}
func (slogSink) Close() error { return nil }

func serveCmd() *cobra.Command {
	var (
		httpAddr string
		logLevel string
		manifest string
		eager    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine daemon: load tenants and serve requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("http") {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}
			if cmd.Flags().Changed("manifest") {
				cfg.Engine.ManifestPath = manifest
			}
			if cmd.Flags().Changed("eager") {
				cfg.Engine.EagerInit = eager
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			logging.Default().SetConsole(false)
			if cfg.Observability.Logging.RequestLogPath != "" {
				if err := logging.Default().SetOutput(cfg.Observability.Logging.RequestLogPath); err != nil {
					return fmt.Errorf("open request log: %w", err)
				}
				defer logging.Default().Close()
			}

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
			}

			ctx := context.Background()

			var st store.Store
			if cfg.Postgres.DSN != "" {
				pg, err := store.NewPostgresStore(ctx, cfg.Postgres.DSN)
				if err != nil {
					logging.Op().Warn("serve: postgres store unavailable, falling back to noop", "error", err)
					st = store.NewNoopStore()
				} else {
					st = pg
				}
			} else {
				st = store.NewNoopStore()
			}
			defer st.Close()

			manifestBytes, err := os.ReadFile(cfg.Engine.ManifestPath)
			if err != nil {
				return fmt.Errorf("read manifest %s: %w", cfg.Engine.ManifestPath, err)
			}
			if serr := st.SaveManifestSnapshot(ctx, json.RawMessage(manifestBytes)); serr != nil {
				logging.Op().Warn("serve: manifest snapshot failed", "error", serr)
			}

			sink := logsink.NewMultiSink(slogSink{}, logsink.NewMemorySink(4096))

			curl := curlfetch.New(30*time.Second, tierConcurrencyLookup(cfg))

			mode := tenant.InitLazy
			if cfg.Engine.EagerInit {
				mode = tenant.InitEager
			}

			registry, err := tenant.Load(ctx, manifestBytes, tenant.Deps{
				Loader:       loader.New(http.DefaultClient, nil),
				GuestBuilder: devguest.NewBuilder(),
				Curl:         curl,
				LogSink:      logsink.WriteFunc(sink),
				NumaNodes:    cfg.Engine.NumaNodes,
			}, mode)
			if err != nil {
				return fmt.Errorf("load tenant manifest: %w", err)
			}
			defer registry.Close()

			dispatcher := dispatch.New(registry)
			dispatcher.Stats = st

			gw := &gateway.Gateway{
				Dispatcher: dispatcher,
				Tenants:    registry,
			}
			if cfg.RespCache.Enabled {
				backend, invalidator := buildRespCacheBackend(cfg)
				gw.Cache = respcache.New(backend)
				if invalidator != nil {
					gw.Cache.SetInvalidator(invalidator)
					go invalidator.Start(ctx)
					defer invalidator.Close()
				}
			}
			if cfg.RateLimit.Enabled {
				gw.Limiter = buildLimiter(cfg)
			}

			mux := http.NewServeMux()
			mux.Handle("/_admin/live_update", newLiveUpdater(registry, loader.New(http.DefaultClient, nil), curl, sink, cfg.Engine.NumaNodes, st, gw.Cache))
			if cfg.Observability.Metrics.Enabled {
				mux.Handle("/metrics", metrics.PrometheusHandler())
			}
			mux.Handle("/_admin/stats", metrics.Global().JSONHandler())
			mux.Handle("/", gw)

			var handler http.Handler = mux
			if observability.Enabled() {
				handler = observability.HTTPMiddleware(handler)
			}

			httpServer := &http.Server{
				Addr:    cfg.Daemon.HTTPAddr,
				Handler: handler,
			}
			go func() {
				logging.Op().Info("kvmengine serving", "addr", cfg.Daemon.HTTPAddr, "tenants", len(registry.Tenants()))
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logging.Op().Error("http server error", "error", err)
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()

			for {
				select {
				case <-sigCh:
					logging.Op().Info("shutdown signal received")
					shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					httpServer.Shutdown(shCtx)
					cancel()
					sink.Close()
					return nil
				case <-ticker.C:
					logging.Op().Debug("kvmengine status", "tenants", len(registry.Tenants()))
				}
			}
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	cmd.Flags().StringVar(&manifest, "manifest", "", "path to tenant manifest JSON")
	cmd.Flags().BoolVar(&eager, "eager", false, "initialize every tenant at startup instead of lazily")

	return cmd
}

// tierConcurrencyLookup resolves a tenant's self_request_max_concurrency
// via the rate-limit tier table, falling back to the default tier when a
// tenant's tier (its name) has no dedicated entry. curlfetch bounds
// CURL_FETCH concurrency with this; ratelimit.ConcurrencyLimiter itself
// is tenant-keyed, not tier-keyed, so this resolves to a fixed cap
// shared by every tenant unless per-tier overrides are configured.
func tierConcurrencyLookup(cfg *config.Config) func(tenantName string) int {
	return func(tenantName string) int {
		if t, ok := cfg.RateLimit.Tiers[tenantName]; ok && t.BurstSize > 0 {
			return t.BurstSize
		}
		return cfg.RateLimit.Default.BurstSize
	}
}

// buildRespCacheBackend returns the response cache's backing store and,
// when Redis is configured, a CacheInvalidator bound to the L1 layer so
// a live update on one instance can evict stale entries on every other
// instance (§9) instead of waiting out the L1 TTL.
func buildRespCacheBackend(cfg *config.Config) (cache.Cache, *cache.CacheInvalidator) {
	l1 := cache.NewInMemoryCache()
	if cfg.RespCache.Redis.Addr == "" {
		return l1, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RespCache.Redis.Addr,
		Password: cfg.RespCache.Redis.Password,
		DB:       cfg.RespCache.Redis.DB,
	})
	l2 := cache.NewRedisCacheFromClient(client, "kvmengine:resp:")
	invalidator := cache.NewCacheInvalidator(l1, client)
	return cache.NewTieredCache(l1, l2, cfg.RespCache.L1TTL), invalidator
}

func buildLimiter(cfg *config.Config) *ratelimit.Limiter {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RespCache.Redis.Addr,
		Password: cfg.RespCache.Redis.Password,
		DB:       cfg.RespCache.Redis.DB,
	})
	tiers := make(map[string]ratelimit.TierConfig, len(cfg.RateLimit.Tiers))
	for name, t := range cfg.RateLimit.Tiers {
		tiers[name] = ratelimit.TierConfig{RequestsPerSecond: t.RequestsPerSecond, BurstSize: t.BurstSize}
	}
	defaultTier := ratelimit.TierConfig{
		RequestsPerSecond: cfg.RateLimit.Default.RequestsPerSecond,
		BurstSize:         cfg.RateLimit.Default.BurstSize,
	}
	return ratelimit.New(client, tiers, defaultTier)
}
