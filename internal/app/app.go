// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — external connections (Redis, ClickHouse when configured)
//  2. initCatalog   — user/model catalog
//  3. initProviders — upstream adapter registry
//  4. initServices  — cache, auth, rate limits, breakers, metrics, usage sink
//  5. initGateway   — proxy + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/auth"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/breaker"
	gwCache "github.com/Alpaca-Network/gatewayz-backend-sub005/internal/cache"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/config"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/logger"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/metrics"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/providers"
	anthropicprov "github.com/Alpaca-Network/gatewayz-backend-sub005/internal/providers/anthropic"
	geminiprov "github.com/Alpaca-Network/gatewayz-backend-sub005/internal/providers/gemini"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/providers/openaicompat"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/proxy"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/ratelimit"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/store"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb    *redis.Client
	chSink *logger.ClickHouseSink

	mem      *store.Memory
	registry *providers.Registry

	cacheStore gwCache.Store
	memCache   *gwCache.MemoryCache
	cacheReady func() bool

	recorder *logger.Recorder
	prom     *metrics.Registry
	fastTier *metrics.HealthRecorder

	limiter    *ratelimit.Manager
	breakers   *breaker.Registry
	keys       *auth.KeyCache
	anon       *auth.AnonLimiter
	freeModels *auth.FreeModelList

	mgmt *proxy.ManagementRoutes
	gw   *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"catalog", a.initCatalog},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.Any("providers", a.registry.Slugs()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	// Gateway first: it waits for in-flight settlements, which still write
	// to the recorder and the caches below.
	if a.gw != nil {
		a.gw.Close()
		a.gw = nil
	}
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			a.log.Error("usage recorder close error", slog.String("error", err.Error()))
		}
		a.recorder = nil
		a.chSink = nil // the recorder closed its sink
	}
	if a.chSink != nil {
		if err := a.chSink.Close(); err != nil {
			a.log.Error("clickhouse close error", slog.String("error", err.Error()))
		}
		a.chSink = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a zero-argument probe function suitable for the
// HealthChecker. Reuses the existing client — no new connections.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

// buildRegistry creates the adapter registry from non-empty API keys.
// Per-provider timeout overrides fall back to the global provider timeout.
func buildRegistry(ctx context.Context, cfg *config.Config) *providers.Registry {
	reg := providers.NewRegistry()

	register := func(a providers.Adapter, pc config.ProviderConfig) {
		reg.Register(a)
		switch {
		case pc.Timeout > 0:
			reg.SetTimeout(a.Name(), pc.Timeout)
		case cfg.Failover.ProviderTimeout > 0:
			reg.SetTimeout(a.Name(), cfg.Failover.ProviderTimeout)
		}
	}

	if cfg.Anthropic.APIKey != "" {
		var opts []anthropicprov.Option
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		register(anthropicprov.New(cfg.Anthropic.APIKey, opts...), cfg.Anthropic)
	}
	if cfg.Gemini.APIKey != "" {
		var opts []geminiprov.Option
		if cfg.Gemini.BaseURL != "" {
			opts = append(opts, geminiprov.WithBaseURL(cfg.Gemini.BaseURL))
		}
		register(geminiprov.New(ctx, cfg.Gemini.APIKey, opts...), cfg.Gemini)
	}

	// OpenAI and the wire-compatible family share one adapter implementation.
	type ocEntry struct {
		cfg     config.ProviderConfig
		name    string
		baseURL string
	}
	ocProviders := []ocEntry{
		{cfg.OpenAI, "openai", "https://api.openai.com/v1"},
		{cfg.XAI, "xai", "https://api.x.ai/v1"},
		{cfg.DeepSeek, "deepseek", "https://api.deepseek.com/v1"},
		{cfg.Groq, "groq", "https://api.groq.com/openai/v1"},
		{cfg.Cerebras, "cerebras", "https://api.cerebras.ai/v1"},
		{cfg.OpenRouter, "openrouter", "https://openrouter.ai/api/v1"},
	}
	for _, e := range ocProviders {
		if e.cfg.APIKey == "" {
			continue
		}
		baseURL := e.baseURL
		if e.cfg.BaseURL != "" {
			baseURL = e.cfg.BaseURL
		}
		register(openaicompat.New(e.name, e.cfg.APIKey, baseURL), e.cfg)
	}

	return reg
}
