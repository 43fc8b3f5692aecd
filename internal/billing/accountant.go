package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/auth"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/ratelimit"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/store"
)

// Recorder receives usage events without blocking the request path.
type Recorder interface {
	Record(ev store.UsageEvent)
}

// Commit describes one finished request, successful or not. Exactly one
// Commit is issued per dispatched request, after the response (or the last
// stream byte) has been delivered.
type Commit struct {
	User   *store.User
	Trial  bool
	Free   bool
	Row    store.Model
	Limits ratelimit.Limits

	RateKey         string
	EstimatedTokens int64

	RequestID        string
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	Streamed         bool
	Success          bool
	ErrorKind        string
	FinishReason     string
	Elapsed          time.Duration
}

// Accountant settles finished requests. All collaborators are optional and
// nil-safe; a nil Accountant is also safe to call.
type Accountant struct {
	users store.UserStore
	rec   Recorder
	rates *ratelimit.Manager
	keys  *auth.KeyCache
	log   *slog.Logger

	now func() time.Time
}

// NewAccountant wires the settlement path.
func NewAccountant(users store.UserStore, rec Recorder, rates *ratelimit.Manager, keys *auth.KeyCache, log *slog.Logger) *Accountant {
	if log == nil {
		log = slog.Default()
	}
	return &Accountant{
		users: users,
		rec:   rec,
		rates: rates,
		keys:  keys,
		log:   log,
		now:   time.Now,
	}
}

// Settle prices the request and applies it in order: credit ledger, durable
// usage row, rate-limit token settlement, cached-identity refresh. Returns
// the amount charged.
//
// A balance that went negative between the pre-flight check and now is a
// post-flight overrun: the response already left, so it is logged and the
// usage row still written, but the request is never retro-failed.
func (a *Accountant) Settle(ctx context.Context, c Commit) decimal.Decimal {
	if a == nil {
		return decimal.Zero
	}

	cost := decimal.Zero
	if !c.Free && !c.Trial && c.Success {
		cost = Cost(c.Row.PromptPrice, c.Row.CompletionPrice, c.PromptTokens, c.CompletionTokens)
	}

	if a.users != nil && c.User != nil {
		switch {
		case c.Trial && c.Success:
			if err := a.users.RecordTrialUsage(ctx, c.User.ID,
				int64(c.PromptTokens+c.CompletionTokens), 1); err != nil {
				a.log.ErrorContext(ctx, "trial_usage_record_failed",
					slog.String("request_id", c.RequestID),
					slog.String("user_id", c.User.ID),
					slog.String("error", err.Error()),
				)
			}
		case cost.Sign() > 0:
			err := a.users.DeductCredits(ctx, c.User.ID, cost)
			if errors.Is(err, store.ErrInsufficientCredits) {
				a.log.WarnContext(ctx, "credit_balance_overrun",
					slog.String("request_id", c.RequestID),
					slog.String("user_id", c.User.ID),
					slog.String("cost", cost.String()),
				)
			} else if err != nil {
				a.log.ErrorContext(ctx, "credit_deduct_failed",
					slog.String("request_id", c.RequestID),
					slog.String("user_id", c.User.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if a.rec != nil {
		ev := store.UsageEvent{
			ID:               uuid.NewString(),
			RequestID:        c.RequestID,
			Provider:         c.Provider,
			Model:            c.Model,
			PromptTokens:     c.PromptTokens,
			CompletionTokens: c.CompletionTokens,
			Cost:             cost,
			ElapsedMs:        c.Elapsed.Milliseconds(),
			Streamed:         c.Streamed,
			Success:          c.Success,
			ErrorKind:        c.ErrorKind,
			FinishReason:     c.FinishReason,
			CreatedAt:        a.now(),
		}
		if c.User != nil {
			ev.UserID = c.User.ID
			ev.KeyHash = c.User.KeyHash
		}
		a.rec.Record(ev)
	}

	// Settle the token windows with the real count. Admission consumed the
	// estimate; only the difference moves here.
	if a.rates != nil && c.RateKey != "" {
		actual := int64(c.PromptTokens + c.CompletionTokens)
		if delta := actual - c.EstimatedTokens; delta != 0 {
			a.rates.Adjust(c.RateKey, c.Limits, delta)
		}
	}

	if a.keys != nil && c.User != nil && (cost.Sign() > 0 || c.Trial) {
		a.keys.InvalidateUser(ctx, c.User.ID)
	}

	return cost
}
