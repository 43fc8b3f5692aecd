package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// queryTimeout bounds every fast-tier write so a slow Redis cannot hold
	// up accounting.
	queryTimeout = 500 * time.Millisecond

	hourlyStatsTTL = 2 * time.Hour
	latencyWindow  = time.Hour
	healthScoreTTL = 24 * time.Hour
	errorListCap   = 100

	scoreDeltaSuccess = 1
	scoreDeltaFailure = -5
)

// healthScoreScript adjusts a provider's health score by a delta, clamped
// to [0, 100]. Runs atomically so concurrent updates cannot lose writes.
var healthScoreScript = redis.NewScript(`
local score = tonumber(redis.call('GET', KEYS[1]) or '100')
score = score + tonumber(ARGV[1])
if score > 100 then score = 100 end
if score < 0 then score = 0 end
redis.call('SET', KEYS[1], score, 'EX', tonumber(ARGV[2]))
return score
`)

// HealthRecorder maintains the Redis fast tier of provider health: hourly
// request/error/latency aggregates, a sliding latency reservoir, a bounded
// recent-error list, and a clamped health score per provider.
//
// Everything here is best-effort. Prometheus remains the durable metrics
// surface; the fast tier exists so routing and dashboards can read provider
// state without a scrape cycle.
type HealthRecorder struct {
	rdb *redis.Client
	log *slog.Logger
	now func() time.Time
}

// NewHealthRecorder wires the fast tier. rdb may be shared with the cache.
func NewHealthRecorder(rdb *redis.Client, log *slog.Logger) *HealthRecorder {
	if log == nil {
		log = slog.Default()
	}
	return &HealthRecorder{rdb: rdb, log: log, now: time.Now}
}

func hourlyKey(provider, model string, t time.Time) string {
	return fmt.Sprintf("stats:%s:%s:%s", provider, model, t.UTC().Format("2006010215"))
}

func latencyKey(provider string) string { return "lat:" + provider }
func scoreKey(provider string) string   { return "health:" + provider }
func errorsKey(provider string) string  { return "errs:" + provider }

// ObserveAttempt records one upstream attempt in the fast tier.
func (h *HealthRecorder) ObserveAttempt(ctx context.Context, provider, model string, success bool, latency time.Duration, errKind string) {
	if h == nil || h.rdb == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	now := h.now()
	ms := latency.Milliseconds()

	pipe := h.rdb.TxPipeline()

	hk := hourlyKey(provider, model, now)
	pipe.HIncrBy(ctx, hk, "requests", 1)
	pipe.HIncrBy(ctx, hk, "latency_ms_sum", ms)
	if !success {
		pipe.HIncrBy(ctx, hk, "errors", 1)
	}
	pipe.Expire(ctx, hk, hourlyStatsTTL)

	// Sliding latency reservoir: score is the observation time, so trimming
	// by score keeps exactly the last hour.
	lk := latencyKey(provider)
	pipe.ZAdd(ctx, lk, redis.Z{
		Score:  float64(now.Unix()),
		Member: fmt.Sprintf("%d:%d", now.UnixNano(), ms),
	})
	pipe.ZRemRangeByScore(ctx, lk, "-inf", strconv.FormatInt(now.Add(-latencyWindow).Unix(), 10))
	pipe.Expire(ctx, lk, latencyWindow+time.Minute)

	if !success {
		entry, _ := json.Marshal(map[string]any{
			"model": model,
			"kind":  errKind,
			"ts":    now.UTC().Format(time.RFC3339),
		})
		ek := errorsKey(provider)
		pipe.LPush(ctx, ek, entry)
		pipe.LTrim(ctx, ek, 0, errorListCap-1)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		h.log.WarnContext(ctx, "health_fast_tier_write_failed",
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
		return
	}

	delta := scoreDeltaSuccess
	if !success {
		delta = scoreDeltaFailure
	}
	if err := healthScoreScript.Run(ctx, h.rdb,
		[]string{scoreKey(provider)},
		delta, int(healthScoreTTL.Seconds()),
	).Err(); err != nil {
		h.log.WarnContext(ctx, "health_score_update_failed",
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
	}
}

// Score returns the provider's current health score. Providers never seen
// score 100.
func (h *HealthRecorder) Score(ctx context.Context, provider string) (int, error) {
	if h == nil || h.rdb == nil {
		return 100, nil
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	v, err := h.rdb.Get(ctx, scoreKey(provider)).Result()
	if err == redis.Nil {
		return 100, nil
	}
	if err != nil {
		return 100, err
	}
	score, err := strconv.Atoi(v)
	if err != nil {
		return 100, fmt.Errorf("metrics: corrupt health score %q: %w", v, err)
	}
	return score, nil
}

// RecentErrors returns up to n most recent error entries for a provider.
func (h *HealthRecorder) RecentErrors(ctx context.Context, provider string, n int) ([]string, error) {
	if h == nil || h.rdb == nil {
		return nil, nil
	}
	if n <= 0 || n > errorListCap {
		n = errorListCap
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	return h.rdb.LRange(ctx, errorsKey(provider), 0, int64(n-1)).Result()
}

// HourlyStats returns the aggregate counters for one (provider, model) pair
// in the hour containing t.
func (h *HealthRecorder) HourlyStats(ctx context.Context, provider, model string, t time.Time) (requests, errors, latencyMsSum int64, err error) {
	if h == nil || h.rdb == nil {
		return 0, 0, 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	vals, err := h.rdb.HGetAll(ctx, hourlyKey(provider, model, t)).Result()
	if err != nil {
		return 0, 0, 0, err
	}
	parse := func(field string) int64 {
		n, _ := strconv.ParseInt(vals[field], 10, 64)
		return n
	}
	return parse("requests"), parse("errors"), parse("latency_ms_sum"), nil
}
