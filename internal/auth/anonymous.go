package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/cache"
)

// DefaultAnonDailyCap is the number of free requests per client IP per
// UTC day when no override is configured.
const DefaultAnonDailyCap = 3

// HashIP returns a truncated hex SHA-256 of a client address. Raw addresses
// never appear in cache keys or logs.
func HashIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:8])
}

// AnonLimiter enforces the anonymous free tier: a small per-IP request
// budget that resets at UTC midnight. Counters live in the shared cache so
// all replicas see the same budget.
type AnonLimiter struct {
	cache    cache.Store
	dailyCap int64
	log      *slog.Logger

	now func() time.Time
}

// NewAnonLimiter builds an AnonLimiter. A nil cache or non-positive cap
// disables the anonymous tier entirely (Allow always denies).
func NewAnonLimiter(c cache.Store, dailyCap int, log *slog.Logger) *AnonLimiter {
	if log == nil {
		log = slog.Default()
	}
	return &AnonLimiter{
		cache:    c,
		dailyCap: int64(dailyCap),
		log:      log,
		now:      time.Now,
	}
}

// Allow consumes one unit of the caller's daily budget and reports whether
// the request may proceed, along with the remaining budget.
//
// When the counter backend is down the request is admitted: the free tier
// degrades open rather than turning a cache outage into a hard 429.
func (a *AnonLimiter) Allow(ctx context.Context, ip string) (remaining int64, ok bool) {
	if a == nil || a.cache == nil || a.dailyCap <= 0 {
		return 0, false
	}

	now := a.now().UTC()
	key := fmt.Sprintf("anon:ip:%s:%s", HashIP(ip), now.Format("20060102"))

	n, err := a.cache.IncrBy(ctx, key, 1, untilMidnight(now))
	if err != nil {
		a.log.Warn("anon_counter_error", slog.String("error", err.Error()))
		return a.dailyCap, true
	}

	if n > a.dailyCap {
		return 0, false
	}
	return a.dailyCap - n, true
}

// Cap returns the configured daily budget.
func (a *AnonLimiter) Cap() int64 {
	if a == nil {
		return 0
	}
	return a.dailyCap
}

// ResetAt returns the next UTC midnight, when the anonymous budget resets.
func (a *AnonLimiter) ResetAt() time.Time {
	now := a.now().UTC()
	return now.Add(untilMidnight(now))
}

func untilMidnight(now time.Time) time.Duration {
	next := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	return next.Sub(now)
}
