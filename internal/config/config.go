// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
//
// Only one LLM provider key is strictly required for the gateway to start.
// Redis is optional — set CACHE_MODE=memory to use the built-in in-process
// cache with no external dependencies.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Provider API keys — at least one must be non-empty.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig

	// OpenAI-compatible providers.
	XAI        ProviderConfig
	DeepSeek   ProviderConfig
	Groq       ProviderConfig
	Cerebras   ProviderConfig
	OpenRouter ProviderConfig

	// Redis holds the connection URL for the Redis-backed cache, counters and
	// breaker replication. Required only when CacheMode is "redis".
	Redis RedisConfig

	// ClickHouse holds the analytics sink DSN. Empty disables the sink;
	// usage events then go to the structured log.
	ClickHouse ClickHouseConfig

	// Cache controls the shared cache backend.
	Cache CacheConfig

	// Auth controls API key caching and the anonymous tier.
	Auth AuthConfig

	// CircuitBreaker controls per-(provider,model) breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// RateLimit holds the default per-key limits applied when a user has no
	// plan assigned.
	RateLimit RateLimitConfig

	// Failover controls the routing chain walk.
	Failover FailoverConfig

	// CatalogPath points at the model/provider catalog file (YAML or JSON)
	// used by single-node deployments. Empty starts with an empty catalog.
	CatalogPath string

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// AppBaseURL is used to construct absolute URLs (e.g. in webhook callbacks).
	AppBaseURL string
}

// ProviderConfig holds configuration for a single LLM provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string

	// Timeout overrides the per-attempt deadline for this provider.
	// Zero uses the global Failover.ProviderTimeout.
	Timeout time.Duration
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// ClickHouseConfig holds the analytics database connection.
type ClickHouseConfig struct {
	// DSN is a clickhouse:// URL. Example:
	// clickhouse://default:@localhost:9000/analytics
	DSN string
}

// CacheConfig controls the shared cache backend used for auth entries,
// anonymous quotas and breaker state replication.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed (requires REDIS_URL). Recommended for production.
	//   "memory" — In-process TTL cache. No external deps; not shared across replicas.
	//   "none"   — Cache disabled entirely.
	// Default: "memory".
	Mode string
}

// AuthConfig controls identity resolution and the anonymous tier.
type AuthConfig struct {
	// KeyCacheTTL is how long resolved API keys stay cached. Default: 5m.
	KeyCacheTTL time.Duration

	// NegativeCacheTTL is how long unknown keys stay cached. Default: 30s.
	NegativeCacheTTL time.Duration

	// AnonDailyCap is the number of free-model requests allowed per IP per
	// UTC day without an API key. 0 disables the anonymous tier. Default: 3.
	AnonDailyCap int

	// FreeModelsExact lists canonical model ids the anonymous tier may use.
	FreeModelsExact []string

	// FreeModelsPatterns lists Go regular expressions matched against model
	// ids for the anonymous tier. Example: [":free$"]
	FreeModelsPatterns []string

	// TrialTokens / TrialRequests / TrialCredits seed new trial users.
	TrialTokens   int64
	TrialRequests int64
	TrialCredits  string
}

// CircuitBreakerConfig controls per-(provider,model) breaker settings.
type CircuitBreakerConfig struct {
	// ConsecutiveFailures trips the breaker after this many failures in a
	// row. Default: 5.
	ConsecutiveFailures int

	// FailureRate trips the breaker when the failure share of the sample
	// window reaches this fraction. Default: 0.5.
	FailureRate float64

	// SampleWindow is the number of recent outcomes considered for the
	// failure-rate trip. Default: 10.
	SampleWindow int

	// OpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 60s.
	OpenTimeout time.Duration

	// ProbeSuccesses closes a half-open breaker after this many consecutive
	// probe successes. Default: 2.
	ProbeSuccesses int
}

// RateLimitConfig holds the plan applied to keys with no explicit plan.
// Zero means unlimited for that dimension.
type RateLimitConfig struct {
	RequestsPerMinute int64
	RequestsPerHour   int64
	RequestsPerDay    int64
	TokensPerMinute   int64
	TokensPerHour     int64
	TokensPerDay      int64
	MaxConcurrency    int
}

// FailoverConfig controls the routing chain walk.
type FailoverConfig struct {
	// MaxAttempts is the maximum number of chain steps tried per request
	// (including the first). Default: 3.
	MaxAttempts int

	// ProviderTimeout is the default per-attempt deadline. Default: 30s.
	ProviderTimeout time.Duration

	// DenyRules lists "canonical-model@provider" pairs excluded from
	// routing, e.g. ["llama-3.3-70b@openai"]. The '@' separator keeps
	// model ids with ':' suffixes unambiguous.
	DenyRules []string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// At least one provider API key must be configured.
// REDIS_URL is only required when CACHE_MODE=redis.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CATALOG_FILE", "catalog.yaml")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Auth defaults.
	v.SetDefault("KEY_CACHE_TTL", "5m")
	v.SetDefault("KEY_NEGATIVE_CACHE_TTL", "30s")
	v.SetDefault("ANON_DAILY_CAP", 3)
	v.SetDefault("TRIAL_TOKENS", 100_000)
	v.SetDefault("TRIAL_REQUESTS", 1_000)
	v.SetDefault("TRIAL_CREDITS", "1")

	// Circuit breaker defaults.
	v.SetDefault("CB_CONSECUTIVE_FAILURES", 5)
	v.SetDefault("CB_FAILURE_RATE", 0.5)
	v.SetDefault("CB_SAMPLE_WINDOW", 10)
	v.SetDefault("CB_OPEN_TIMEOUT", "60s")
	v.SetDefault("CB_PROBE_SUCCESSES", 2)

	// Failover defaults.
	v.SetDefault("MAX_ATTEMPTS", 3)
	v.SetDefault("PROVIDER_TIMEOUT", "30s")

	// Default plan: zero values mean unlimited.
	v.SetDefault("RL_REQUESTS_PER_MINUTE", 60)
	v.SetDefault("RL_REQUESTS_PER_HOUR", 1_000)
	v.SetDefault("RL_REQUESTS_PER_DAY", 10_000)
	v.SetDefault("RL_TOKENS_PER_MINUTE", 100_000)
	v.SetDefault("RL_TOKENS_PER_HOUR", 1_000_000)
	v.SetDefault("RL_TOKENS_PER_DAY", 5_000_000)
	v.SetDefault("RL_MAX_CONCURRENCY", 10)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAI: ProviderConfig{
			APIKey:  v.GetString("OPENAI_API_KEY"),
			BaseURL: v.GetString("OPENAI_BASE_URL"),
			Timeout: v.GetDuration("OPENAI_TIMEOUT"),
		},
		Anthropic: ProviderConfig{
			APIKey:  v.GetString("ANTHROPIC_API_KEY"),
			BaseURL: v.GetString("ANTHROPIC_BASE_URL"),
			Timeout: v.GetDuration("ANTHROPIC_TIMEOUT"),
		},
		Gemini: ProviderConfig{
			APIKey:  v.GetString("GOOGLE_API_KEY"),
			BaseURL: v.GetString("GEMINI_BASE_URL"),
			Timeout: v.GetDuration("GEMINI_TIMEOUT"),
		},

		XAI: ProviderConfig{
			APIKey:  v.GetString("XAI_API_KEY"),
			BaseURL: v.GetString("XAI_BASE_URL"),
			Timeout: v.GetDuration("XAI_TIMEOUT"),
		},
		DeepSeek: ProviderConfig{
			APIKey:  v.GetString("DEEPSEEK_API_KEY"),
			BaseURL: v.GetString("DEEPSEEK_BASE_URL"),
			Timeout: v.GetDuration("DEEPSEEK_TIMEOUT"),
		},
		Groq: ProviderConfig{
			APIKey:  v.GetString("GROQ_API_KEY"),
			BaseURL: v.GetString("GROQ_BASE_URL"),
			Timeout: v.GetDuration("GROQ_TIMEOUT"),
		},
		Cerebras: ProviderConfig{
			APIKey:  v.GetString("CEREBRAS_API_KEY"),
			BaseURL: v.GetString("CEREBRAS_BASE_URL"),
			Timeout: v.GetDuration("CEREBRAS_TIMEOUT"),
		},
		OpenRouter: ProviderConfig{
			APIKey:  v.GetString("OPENROUTER_API_KEY"),
			BaseURL: v.GetString("OPENROUTER_BASE_URL"),
			Timeout: v.GetDuration("OPENROUTER_TIMEOUT"),
		},

		Redis:      RedisConfig{URL: v.GetString("REDIS_URL")},
		ClickHouse: ClickHouseConfig{DSN: v.GetString("CLICKHOUSE_DSN")},

		Cache: CacheConfig{
			Mode: strings.ToLower(v.GetString("CACHE_MODE")),
		},

		Auth: AuthConfig{
			KeyCacheTTL:        v.GetDuration("KEY_CACHE_TTL"),
			NegativeCacheTTL:   v.GetDuration("KEY_NEGATIVE_CACHE_TTL"),
			AnonDailyCap:       v.GetInt("ANON_DAILY_CAP"),
			FreeModelsExact:    v.GetStringSlice("FREE_MODELS_EXACT"),
			FreeModelsPatterns: v.GetStringSlice("FREE_MODELS_PATTERNS"),
			TrialTokens:        v.GetInt64("TRIAL_TOKENS"),
			TrialRequests:      v.GetInt64("TRIAL_REQUESTS"),
			TrialCredits:       v.GetString("TRIAL_CREDITS"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ConsecutiveFailures: v.GetInt("CB_CONSECUTIVE_FAILURES"),
			FailureRate:         v.GetFloat64("CB_FAILURE_RATE"),
			SampleWindow:        v.GetInt("CB_SAMPLE_WINDOW"),
			OpenTimeout:         v.GetDuration("CB_OPEN_TIMEOUT"),
			ProbeSuccesses:      v.GetInt("CB_PROBE_SUCCESSES"),
		},

		RateLimit: RateLimitConfig{
			RequestsPerMinute: v.GetInt64("RL_REQUESTS_PER_MINUTE"),
			RequestsPerHour:   v.GetInt64("RL_REQUESTS_PER_HOUR"),
			RequestsPerDay:    v.GetInt64("RL_REQUESTS_PER_DAY"),
			TokensPerMinute:   v.GetInt64("RL_TOKENS_PER_MINUTE"),
			TokensPerHour:     v.GetInt64("RL_TOKENS_PER_HOUR"),
			TokensPerDay:      v.GetInt64("RL_TOKENS_PER_DAY"),
			MaxConcurrency:    v.GetInt("RL_MAX_CONCURRENCY"),
		},

		Failover: FailoverConfig{
			MaxAttempts:     v.GetInt("MAX_ATTEMPTS"),
			ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),
			DenyRules:       v.GetStringSlice("ROUTING_DENY"),
		},

		CatalogPath: v.GetString("CATALOG_FILE"),
		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
		AppBaseURL:  v.GetString("APP_BASE_URL"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if !c.AtLeastOneProviderKey() {
		return fmt.Errorf(
			"config: at least one provider API key is required " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY, XAI_API_KEY, " +
				"DEEPSEEK_API_KEY, GROQ_API_KEY, CEREBRAS_API_KEY, or OPENROUTER_API_KEY)",
		)
	}

	// Redis URL is required when cache mode is "redis".
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	// Validate cache mode value.
	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	// Validate log level.
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	// Circuit breaker sanity checks.
	if c.CircuitBreaker.ConsecutiveFailures < 1 {
		return fmt.Errorf("config: CB_CONSECUTIVE_FAILURES must be ≥ 1, got %d", c.CircuitBreaker.ConsecutiveFailures)
	}
	if c.CircuitBreaker.FailureRate <= 0 || c.CircuitBreaker.FailureRate > 1 {
		return fmt.Errorf("config: CB_FAILURE_RATE must be in (0, 1], got %g", c.CircuitBreaker.FailureRate)
	}
	if c.CircuitBreaker.SampleWindow < 1 {
		return fmt.Errorf("config: CB_SAMPLE_WINDOW must be ≥ 1, got %d", c.CircuitBreaker.SampleWindow)
	}
	if c.CircuitBreaker.OpenTimeout <= 0 {
		return fmt.Errorf("config: CB_OPEN_TIMEOUT must be a positive duration")
	}
	if c.CircuitBreaker.ProbeSuccesses < 1 {
		return fmt.Errorf("config: CB_PROBE_SUCCESSES must be ≥ 1, got %d", c.CircuitBreaker.ProbeSuccesses)
	}

	if c.Failover.MaxAttempts < 1 {
		return fmt.Errorf("config: MAX_ATTEMPTS must be ≥ 1, got %d", c.Failover.MaxAttempts)
	}

	for _, rule := range c.Failover.DenyRules {
		model, provider, ok := strings.Cut(rule, "@")
		if !ok || model == "" || provider == "" {
			return fmt.Errorf("config: invalid ROUTING_DENY entry %q; expected model@provider", rule)
		}
	}

	if c.Auth.AnonDailyCap < 0 {
		return fmt.Errorf("config: ANON_DAILY_CAP must be ≥ 0, got %d", c.Auth.AnonDailyCap)
	}

	return nil
}

// AtLeastOneProviderKey returns true if at least one provider is configured.
func (c *Config) AtLeastOneProviderKey() bool {
	return c.OpenAI.APIKey != "" ||
		c.Anthropic.APIKey != "" ||
		c.Gemini.APIKey != "" ||
		c.XAI.APIKey != "" ||
		c.DeepSeek.APIKey != "" ||
		c.Groq.APIKey != "" ||
		c.Cerebras.APIKey != "" ||
		c.OpenRouter.APIKey != ""
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
