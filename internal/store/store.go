// Package store defines the persistence boundary of the gateway: user and
// API-key records, the model/provider catalog, session history, and the
// durable usage-event sink. The gateway core only sees these interfaces;
// implementations live behind them (in-memory for tests and single-node
// deployments, managed databases in production).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrInsufficientCredits is returned by DeductCredits when the user's
	// balance is lower than the amount. The balance is left untouched.
	ErrInsufficientCredits = errors.New("store: insufficient credits")
)

// Environment distinguishes live keys from test keys.
const (
	EnvLive = "live"
	EnvTest = "test"
)

// Health states for providers and models.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// Trial describes the trial state attached to a user record.
type Trial struct {
	Active            bool            `json:"active"`
	Expired           bool            `json:"expired"`
	EndDate           time.Time       `json:"end_date"`
	RemainingTokens   int64           `json:"remaining_tokens"`
	RemainingRequests int64           `json:"remaining_requests"`
	RemainingCredits  decimal.Decimal `json:"remaining_credits"`
}

// Exhausted reports whether any trial quota dimension has run out.
func (t Trial) Exhausted() bool {
	return t.RemainingTokens <= 0 || t.RemainingRequests <= 0 || t.RemainingCredits.Sign() <= 0
}

// User is the resolved identity behind an API key.
type User struct {
	ID          string          `json:"id"`
	KeyHash     string          `json:"key_hash"`
	Environment string          `json:"environment"`
	Credits     decimal.Decimal `json:"credits"`
	PlanID      string          `json:"plan_id"`
	Trial       Trial           `json:"trial"`
}

// Plan carries the per-key rate limits. Zero means unlimited for that
// dimension.
type Plan struct {
	ID                string `json:"id"`
	RequestsPerMinute int64  `json:"requests_per_minute"`
	RequestsPerHour   int64  `json:"requests_per_hour"`
	RequestsPerDay    int64  `json:"requests_per_day"`
	TokensPerMinute   int64  `json:"tokens_per_minute"`
	TokensPerHour     int64  `json:"tokens_per_hour"`
	TokensPerDay      int64  `json:"tokens_per_day"`
	MaxConcurrency    int    `json:"max_concurrency"`
}

// Provider is a catalog row describing an upstream provider deployment.
type Provider struct {
	Slug              string `json:"slug"`
	BaseURL           string `json:"base_url"`
	Health            string `json:"health"`
	AvgLatencyMs      int64  `json:"avg_latency_ms"`
	Active            bool   `json:"active"`
	SupportsStreaming bool   `json:"supports_streaming"`
	SupportsTools     bool   `json:"supports_tools"`
	SupportsVision    bool   `json:"supports_vision"`
}

// Model is a catalog row binding a canonical model id to one provider's
// deployment of it. Prices are per token.
type Model struct {
	CanonicalID     string          `json:"canonical_id"`
	ProviderSlug    string          `json:"provider_slug"`
	ProviderModelID string          `json:"provider_model_id"`
	PromptPrice     decimal.Decimal `json:"prompt_price"`
	CompletionPrice decimal.Decimal `json:"completion_price"`
	ContextLength   int             `json:"context_length"`
	Active          bool            `json:"active"`
}

// Message is a single turn of session history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UsageEvent is one metered request, successful or not.
type UsageEvent struct {
	ID               string          `json:"id"`
	RequestID        string          `json:"request_id"`
	UserID           string          `json:"user_id"`
	KeyHash          string          `json:"key_hash"`
	Provider         string          `json:"provider"`
	Model            string          `json:"model"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	Cost             decimal.Decimal `json:"cost"`
	ElapsedMs        int64           `json:"elapsed_ms"`
	Streamed         bool            `json:"streamed"`
	Success          bool            `json:"success"`
	ErrorKind        string          `json:"error_kind,omitempty"`
	FinishReason     string          `json:"finish_reason,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// UserStore resolves API keys and owns the credit ledger.
type UserStore interface {
	// GetByKeyHash returns the user owning the hashed API key, or ErrNotFound.
	GetByKeyHash(ctx context.Context, keyHash string) (*User, error)

	// PlanFor returns the rate-limit plan for a user. Implementations return
	// a default plan when the user has none assigned.
	PlanFor(ctx context.Context, userID string) (*Plan, error)

	// DeductCredits atomically subtracts amount from the user's balance.
	// When the balance is insufficient it returns ErrInsufficientCredits and
	// changes nothing. The check and the write are a single atomic step.
	DeductCredits(ctx context.Context, userID string, amount decimal.Decimal) error

	// RecordTrialUsage decrements trial counters after a completed request.
	RecordTrialUsage(ctx context.Context, userID string, tokens, requests int64) error
}

// Catalog serves model and provider rows for routing decisions.
type Catalog interface {
	// ModelsFor returns all provider deployments of a canonical model id.
	// Returns ErrNotFound when the id is unknown.
	ModelsFor(ctx context.Context, canonicalID string) ([]Model, error)

	// ListModels returns every active model in the catalog.
	ListModels(ctx context.Context) ([]Model, error)

	// Providers returns all provider rows keyed by slug.
	Providers(ctx context.Context) (map[string]Provider, error)
}

// SessionStore persists chat history keyed by (session, user).
type SessionStore interface {
	History(ctx context.Context, sessionID, userID string) ([]Message, error)
	Append(ctx context.Context, sessionID, userID string, msgs []Message) error
}

// UsageSink receives batches of usage events for durable storage.
type UsageSink interface {
	Write(ctx context.Context, events []UsageEvent) error
	Close() error
}
