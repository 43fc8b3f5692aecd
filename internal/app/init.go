package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/auth"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/billing"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/breaker"
	gwCache "github.com/Alpaca-Network/gatewayz-backend-sub005/internal/cache"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/logger"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/metrics"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/proxy"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/ratelimit"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/routing"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/store"
)

// Stale rate-limit entries are swept in the background so idle keys do not
// accumulate.
const (
	evictionInterval = time.Minute
	evictionMaxIdle  = 30 * time.Minute
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis. ClickHouse is only opened
// when a DSN is configured; usage events otherwise go to the structured log.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	if dsn := a.cfg.ClickHouse.DSN; dsn != "" {
		a.log.Info("connecting to clickhouse", slog.String("dsn", redactURL(dsn)))

		sink, err := logger.NewClickHouseSink(ctx, dsn)
		if err != nil {
			return err
		}
		a.chSink = sink
		a.log.Info("clickhouse connected")
	}

	return nil
}

// initCatalog loads the user/model catalog. A missing file is not fatal:
// the gateway starts with an empty catalog and every model resolves to 404.
func (a *App) initCatalog(_ context.Context) error {
	path := a.cfg.CatalogPath
	if path == "" {
		a.mem = store.NewMemory()
		return nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		a.log.Warn("catalog file not found, starting with an empty catalog",
			slog.String("path", path))
		a.mem = store.NewMemory()
		return nil
	}

	mem, err := store.LoadCatalog(path, auth.HashKey)
	if err != nil {
		return err
	}
	a.mem = mem

	models, _ := mem.ListModels(context.Background())
	provs, _ := mem.Providers(context.Background())
	a.log.Info("catalog loaded",
		slog.String("path", path),
		slog.Int("models", len(models)),
		slog.Int("providers", len(provs)),
	)

	return nil
}

// initProviders builds the adapter registry. At least one provider must be
// configured — this is enforced by config validation before we reach here.
func (a *App) initProviders(_ context.Context) error {
	a.registry = buildRegistry(a.baseCtx, a.cfg)
	if len(a.registry.Slugs()) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	a.log.Info("providers loaded", slog.Any("providers", a.registry.Slugs()))

	return nil
}

// initServices creates the cache backend and everything layered on top of
// it: auth caches, the anonymous tier, rate limits, breakers, metrics and
// the usage-event recorder.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		a.cacheStore = gwCache.NewRedisCacheFromClient(a.rdb)
		a.cacheReady = redisPinger(a.baseCtx, a.rdb)
		a.log.Info("cache backend: redis")

	case "memory":
		// In-process TTL cache — zero external dependencies, not shared
		// across replicas.
		a.memCache = gwCache.NewMemoryCache(ctx)
		a.cacheStore = a.memCache
		a.cacheReady = func() bool { return true }
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()

	// The fast metrics tier needs Redis; without it the Prometheus registry
	// alone carries observability.
	if a.rdb != nil {
		a.fastTier = metrics.NewHealthRecorder(a.rdb, a.log)
	}

	var sink store.UsageSink
	if a.chSink != nil {
		sink = a.chSink
	} else {
		sink = logger.NewSlogSink(a.log)
	}
	rec, err := logger.NewRecorder(a.baseCtx, sink, a.log)
	if err != nil {
		return fmt.Errorf("usage recorder: %w", err)
	}
	a.recorder = rec

	a.limiter = ratelimit.NewManager()
	a.limiter.StartEviction(a.baseCtx, evictionInterval, evictionMaxIdle)

	a.breakers = breaker.NewRegistry(breaker.Config{
		ConsecutiveFailures: a.cfg.CircuitBreaker.ConsecutiveFailures,
		FailureRate:         a.cfg.CircuitBreaker.FailureRate,
		MinSamples:          a.cfg.CircuitBreaker.SampleWindow,
		OpenTimeout:         a.cfg.CircuitBreaker.OpenTimeout,
		HalfOpenSuccesses:   a.cfg.CircuitBreaker.ProbeSuccesses,
	}, a.cacheStore)

	a.keys = auth.NewKeyCache(a.mem, a.cacheStore, a.log)
	a.keys.SetTTLs(a.cfg.Auth.KeyCacheTTL, a.cfg.Auth.NegativeCacheTTL)

	if a.cfg.Auth.AnonDailyCap > 0 && a.cacheStore != nil {
		a.anon = auth.NewAnonLimiter(a.cacheStore, a.cfg.Auth.AnonDailyCap, a.log)
	}

	fl, err := auth.NewFreeModelList(a.cfg.Auth.FreeModelsExact, a.cfg.Auth.FreeModelsPatterns)
	if err != nil {
		return fmt.Errorf("free models: %w", err)
	}
	if fl.Len() > 0 {
		a.freeModels = fl
		a.log.Info("anonymous tier enabled",
			slog.Int("free_models", fl.Len()),
			slog.Int("daily_cap", a.cfg.Auth.AnonDailyCap),
		)
	}

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	accountant := billing.NewAccountant(a.mem, a.recorder, a.limiter, a.keys, a.log)

	var sinkReady func() bool
	if a.chSink != nil {
		sink := a.chSink
		base := a.baseCtx
		sinkReady = func() bool {
			ctx, cancel := context.WithTimeout(base, time.Second)
			defer cancel()
			return sink.Ready(ctx)
		}
	}

	defaultLimits := ratelimit.FromPlan(&store.Plan{
		RequestsPerMinute: a.cfg.RateLimit.RequestsPerMinute,
		RequestsPerHour:   a.cfg.RateLimit.RequestsPerHour,
		RequestsPerDay:    a.cfg.RateLimit.RequestsPerDay,
		TokensPerMinute:   a.cfg.RateLimit.TokensPerMinute,
		TokensPerHour:     a.cfg.RateLimit.TokensPerHour,
		TokensPerDay:      a.cfg.RateLimit.TokensPerDay,
		MaxConcurrency:    a.cfg.RateLimit.MaxConcurrency,
	})

	router := routing.New(a.mem)
	for _, rule := range a.cfg.Failover.DenyRules {
		model, provider, _ := strings.Cut(rule, "@")
		router.Deny(model, provider)
		a.log.Info("routing deny rule",
			slog.String("model", model), slog.String("provider", provider))
	}

	a.gw = proxy.NewGateway(a.baseCtx, proxy.Deps{
		Registry:   a.registry,
		Router:     router,
		Catalog:    a.mem,
		Users:      a.mem,
		Breakers:   a.breakers,
		Limiter:    a.limiter,
		Keys:       a.keys,
		Accountant: accountant,
	}, proxy.GatewayOptions{
		Logger:        a.log,
		MaxAttempts:   a.cfg.Failover.MaxAttempts,
		DefaultLimits: defaultLimits,
		Metrics:       a.prom,
		FastTier:      a.fastTier,
		Sessions:      a.mem,
		Anon:          a.anon,
		FreeModels:    a.freeModels,
		CacheReady:    a.cacheReady,
		SinkReady:     sinkReady,
		CORSOrigins:   a.cfg.CORSOrigins,
		Version:       a.version,
	})

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
