package store

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// seedFile is the on-disk shape of a catalog file. All sections are optional;
// an empty file yields an empty store.
type seedFile struct {
	Providers []seedProvider `mapstructure:"providers"`
	Models    []seedModel    `mapstructure:"models"`
	Plans     []seedPlan     `mapstructure:"plans"`
	Users     []seedUser     `mapstructure:"users"`
}

type seedPlan struct {
	ID                string `mapstructure:"id"`
	RequestsPerMinute int64  `mapstructure:"requests_per_minute"`
	RequestsPerHour   int64  `mapstructure:"requests_per_hour"`
	RequestsPerDay    int64  `mapstructure:"requests_per_day"`
	TokensPerMinute   int64  `mapstructure:"tokens_per_minute"`
	TokensPerHour     int64  `mapstructure:"tokens_per_hour"`
	TokensPerDay      int64  `mapstructure:"tokens_per_day"`
	MaxConcurrency    int    `mapstructure:"max_concurrency"`
}

type seedProvider struct {
	Slug              string `mapstructure:"slug"`
	BaseURL           string `mapstructure:"base_url"`
	Health            string `mapstructure:"health"`
	AvgLatencyMs      int64  `mapstructure:"avg_latency_ms"`
	SupportsStreaming *bool  `mapstructure:"supports_streaming"`
	SupportsTools     bool   `mapstructure:"supports_tools"`
	SupportsVision    bool   `mapstructure:"supports_vision"`
}

type seedModel struct {
	ID          string           `mapstructure:"id"`
	Deployments []seedDeployment `mapstructure:"providers"`
}

type seedDeployment struct {
	Slug            string `mapstructure:"slug"`
	Model           string `mapstructure:"model"`
	PromptPrice     string `mapstructure:"prompt_price"`
	CompletionPrice string `mapstructure:"completion_price"`
	ContextLength   int    `mapstructure:"context_length"`
}

type seedUser struct {
	ID      string `mapstructure:"id"`
	Key     string `mapstructure:"key"`
	KeyHash string `mapstructure:"key_hash"`
	Credits string `mapstructure:"credits"`
	Plan    string `mapstructure:"plan"`

	TrialTokens   int64  `mapstructure:"trial_tokens"`
	TrialRequests int64  `mapstructure:"trial_requests"`
	TrialCredits  string `mapstructure:"trial_credits"`
	TrialEnd      string `mapstructure:"trial_end"`
}

// HashFunc turns a raw API key into the stored hash. Injected so this package
// does not depend on the auth package.
type HashFunc func(apiKey string) string

// LoadCatalog reads a catalog file (YAML, JSON or TOML, by extension) and
// returns a Memory populated with its providers, models, plans and users.
// Single-node deployments use this instead of a managed database.
func LoadCatalog(path string, hash HashFunc) (*Memory, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}

	var f seedFile
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", path, err)
	}

	m := NewMemory()

	for _, p := range f.Providers {
		if p.Slug == "" {
			return nil, fmt.Errorf("catalog: provider without slug in %s", path)
		}
		health := p.Health
		if health == "" {
			health = HealthHealthy
		}
		streaming := true
		if p.SupportsStreaming != nil {
			streaming = *p.SupportsStreaming
		}
		m.PutProvider(Provider{
			Slug:              p.Slug,
			BaseURL:           p.BaseURL,
			Health:            health,
			AvgLatencyMs:      p.AvgLatencyMs,
			Active:            true,
			SupportsStreaming: streaming,
			SupportsTools:     p.SupportsTools,
			SupportsVision:    p.SupportsVision,
		})
	}

	for _, sm := range f.Models {
		if sm.ID == "" {
			return nil, fmt.Errorf("catalog: model without id in %s", path)
		}
		for _, d := range sm.Deployments {
			if d.Slug == "" {
				return nil, fmt.Errorf("catalog: model %s: deployment without provider slug", sm.ID)
			}
			prompt, err := parsePrice(d.PromptPrice)
			if err != nil {
				return nil, fmt.Errorf("catalog: model %s on %s: prompt_price: %w", sm.ID, d.Slug, err)
			}
			completion, err := parsePrice(d.CompletionPrice)
			if err != nil {
				return nil, fmt.Errorf("catalog: model %s on %s: completion_price: %w", sm.ID, d.Slug, err)
			}
			providerModel := d.Model
			if providerModel == "" {
				providerModel = sm.ID
			}
			m.PutModel(Model{
				CanonicalID:     sm.ID,
				ProviderSlug:    d.Slug,
				ProviderModelID: providerModel,
				PromptPrice:     prompt,
				CompletionPrice: completion,
				ContextLength:   d.ContextLength,
				Active:          true,
			})
		}
	}

	for _, p := range f.Plans {
		if p.ID == "" {
			return nil, fmt.Errorf("catalog: plan without id in %s", path)
		}
		m.PutPlan(Plan{
			ID:                p.ID,
			RequestsPerMinute: p.RequestsPerMinute,
			RequestsPerHour:   p.RequestsPerHour,
			RequestsPerDay:    p.RequestsPerDay,
			TokensPerMinute:   p.TokensPerMinute,
			TokensPerHour:     p.TokensPerHour,
			TokensPerDay:      p.TokensPerDay,
			MaxConcurrency:    p.MaxConcurrency,
		})
	}

	for i, su := range f.Users {
		u, err := buildUser(su, hash)
		if err != nil {
			return nil, fmt.Errorf("catalog: user %d: %w", i, err)
		}
		m.PutUser(u)
	}

	return m, nil
}

func buildUser(su seedUser, hash HashFunc) (User, error) {
	keyHash := su.KeyHash
	if keyHash == "" {
		if su.Key == "" {
			return User{}, fmt.Errorf("needs key or key_hash")
		}
		if hash == nil {
			return User{}, fmt.Errorf("raw key given but no hash function configured")
		}
		keyHash = hash(su.Key)
	}

	id := su.ID
	if id == "" {
		// Stable fallback id derived from the hash prefix.
		id = "user-" + keyHash[:min(12, len(keyHash))]
	}

	credits := decimal.Zero
	if su.Credits != "" {
		var err error
		credits, err = decimal.NewFromString(su.Credits)
		if err != nil {
			return User{}, fmt.Errorf("credits: %w", err)
		}
	}

	u := User{
		ID:          id,
		KeyHash:     keyHash,
		Environment: EnvLive,
		Credits:     credits,
		PlanID:      su.Plan,
	}

	if su.TrialTokens > 0 || su.TrialRequests > 0 || su.TrialCredits != "" {
		trialCredits := decimal.Zero
		if su.TrialCredits != "" {
			var err error
			trialCredits, err = decimal.NewFromString(su.TrialCredits)
			if err != nil {
				return User{}, fmt.Errorf("trial_credits: %w", err)
			}
		}
		end := time.Now().UTC().AddDate(0, 0, 14)
		if su.TrialEnd != "" {
			var err error
			end, err = time.Parse(time.RFC3339, su.TrialEnd)
			if err != nil {
				return User{}, fmt.Errorf("trial_end: %w", err)
			}
		}
		u.Trial = Trial{
			Active:            true,
			EndDate:           end,
			RemainingTokens:   su.TrialTokens,
			RemainingRequests: su.TrialRequests,
			RemainingCredits:  trialCredits,
		}
	}

	return u, nil
}

func parsePrice(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
