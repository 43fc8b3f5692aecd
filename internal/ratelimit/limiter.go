// Package ratelimit enforces per-key request, token, and concurrency limits.
//
// Counting uses a two-bucket sliding window per (key, window, dimension):
// the previous fixed window's count is weighted by its remaining overlap and
// added to the current window's count. This bounds memory per key to two
// integers per bucket while avoiding the burst-at-boundary artifact of plain
// fixed windows.
//
// State is in-process. Keys are sharded across 256 lock stripes so hot keys
// do not serialize unrelated traffic.
package ratelimit

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/store"
)

const shardCount = 256

// Window durations checked for every key, most restrictive first.
var windows = [3]time.Duration{time.Minute, time.Hour, 24 * time.Hour}

// Limits carries the per-key ceilings. Zero means unlimited for that
// dimension.
type Limits struct {
	RequestsPerMinute int64
	RequestsPerHour   int64
	RequestsPerDay    int64
	TokensPerMinute   int64
	TokensPerHour     int64
	TokensPerDay      int64
	MaxConcurrency    int
}

// FromPlan converts a stored plan into enforcement limits.
func FromPlan(p *store.Plan) Limits {
	if p == nil {
		return Limits{}
	}
	return Limits{
		RequestsPerMinute: p.RequestsPerMinute,
		RequestsPerHour:   p.RequestsPerHour,
		RequestsPerDay:    p.RequestsPerDay,
		TokensPerMinute:   p.TokensPerMinute,
		TokensPerHour:     p.TokensPerHour,
		TokensPerDay:      p.TokensPerDay,
		MaxConcurrency:    p.MaxConcurrency,
	}
}

func (l Limits) requests(i int) int64 {
	switch i {
	case 0:
		return l.RequestsPerMinute
	case 1:
		return l.RequestsPerHour
	default:
		return l.RequestsPerDay
	}
}

func (l Limits) tokens(i int) int64 {
	switch i {
	case 0:
		return l.TokensPerMinute
	case 1:
		return l.TokensPerHour
	default:
		return l.TokensPerDay
	}
}

// Decision is the outcome of an admission check plus the data needed for
// rate-limit response headers. Header fields always describe the minute
// window for the requests dimension unless a larger window denied, in which
// case they describe the denying bucket.
type Decision struct {
	Allowed bool

	// Reason is set on denial: "requests", "tokens" or "concurrency".
	Reason string
	// Window is the window that denied, when Reason is requests or tokens.
	Window time.Duration

	RequestsLimit     int64
	RequestsRemaining int64
	TokensLimit       int64
	TokensRemaining   int64
	ResetAt           time.Time
	RetryAfter        time.Duration
}

// bucket is a two-bucket sliding window counter over one fixed window size.
type bucket struct {
	start time.Time // start of the current fixed window
	cur   int64
	prev  int64
}

// roll advances the bucket to the fixed window containing now.
func (b *bucket) roll(now time.Time, window time.Duration) {
	start := now.Truncate(window)
	switch {
	case b.start.Equal(start):
		// same window
	case b.start.Add(window).Equal(start):
		b.prev, b.cur = b.cur, 0
		b.start = start
	default:
		b.prev, b.cur = 0, 0
		b.start = start
	}
}

// weighted returns the sliding-window estimate at time now.
func (b *bucket) weighted(now time.Time, window time.Duration) float64 {
	elapsed := now.Sub(b.start)
	frac := 1 - float64(elapsed)/float64(window)
	if frac < 0 {
		frac = 0
	}
	return float64(b.prev)*frac + float64(b.cur)
}

// entry holds all counters for one key.
type entry struct {
	req      [3]bucket
	tok      [3]bucket
	inFlight int
	lastSeen time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Manager owns all rate-limit state.
type Manager struct {
	shards [shardCount]*shard

	// now is replaceable in tests.
	now func() time.Time
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	m := &Manager{now: time.Now}
	for i := range m.shards {
		m.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return m
}

func (m *Manager) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%shardCount]
}

func (m *Manager) entryFor(s *shard, key string, now time.Time) *entry {
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	e.lastSeen = now
	return e
}

// Allow performs the admission check for one request carrying estTokens
// estimated tokens. On success the request and token counters are consumed
// atomically; on denial nothing is consumed.
func (m *Manager) Allow(key string, limits Limits, estTokens int64) Decision {
	now := m.now()
	s := m.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	e := m.entryFor(s, key, now)
	for i := range windows {
		e.req[i].roll(now, windows[i])
		e.tok[i].roll(now, windows[i])
	}

	// Check all dimensions before consuming anything.
	for i, w := range windows {
		if lim := limits.requests(i); lim > 0 {
			if e.req[i].weighted(now, w)+1 > float64(lim) {
				return m.deny(e, limits, now, "requests", i)
			}
		}
		if lim := limits.tokens(i); lim > 0 {
			if e.tok[i].weighted(now, w)+float64(estTokens) > float64(lim) {
				return m.deny(e, limits, now, "tokens", i)
			}
		}
	}

	for i := range windows {
		e.req[i].cur++
		e.tok[i].cur += estTokens
	}

	return m.allowDecision(e, limits, now)
}

// Adjust reconciles the token counters once actual usage is known, adding
// (actual - estimated). It reports whether any token window is now over its
// limit, so callers can surface the overage.
func (m *Manager) Adjust(key string, limits Limits, deltaTokens int64) (exceeded bool) {
	now := m.now()
	s := m.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	e := m.entryFor(s, key, now)
	for i, w := range windows {
		e.tok[i].roll(now, w)
		e.tok[i].cur += deltaTokens
		if e.tok[i].cur < 0 {
			e.tok[i].cur = 0
		}
		if lim := limits.tokens(i); lim > 0 && e.tok[i].weighted(now, w) > float64(lim) {
			exceeded = true
		}
	}
	return exceeded
}

// Acquire takes one concurrency slot, failing fast when the key is at its
// ceiling. max <= 0 means unlimited.
func (m *Manager) Acquire(key string, max int) bool {
	now := m.now()
	s := m.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	e := m.entryFor(s, key, now)
	if max > 0 && e.inFlight >= max {
		return false
	}
	e.inFlight++
	return true
}

// Release returns a concurrency slot. Safe to call on an evicted key.
func (m *Manager) Release(key string) {
	s := m.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && e.inFlight > 0 {
		e.inFlight--
	}
}

// InFlight returns the current concurrency for a key, for tests and metrics.
func (m *Manager) InFlight(key string) int {
	s := m.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		return e.inFlight
	}
	return 0
}

// EvictStale drops entries idle longer than maxIdle with no in-flight
// requests. Returns the number of evicted keys.
func (m *Manager) EvictStale(maxIdle time.Duration) int {
	now := m.now()
	evicted := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if e.inFlight == 0 && now.Sub(e.lastSeen) > maxIdle {
				delete(s.entries, k)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	return evicted
}

// StartEviction runs EvictStale on a ticker until ctx is cancelled.
func (m *Manager) StartEviction(ctx context.Context, interval, maxIdle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.EvictStale(maxIdle)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func remaining(limit int64, used float64) int64 {
	r := limit - int64(math.Ceil(used))
	if r < 0 {
		r = 0
	}
	return r
}

func (m *Manager) allowDecision(e *entry, limits Limits, now time.Time) Decision {
	d := Decision{
		Allowed:           true,
		RequestsLimit:     limits.RequestsPerMinute,
		TokensLimit:       limits.TokensPerMinute,
		RequestsRemaining: remaining(limits.RequestsPerMinute, e.req[0].weighted(now, windows[0])),
		TokensRemaining:   remaining(limits.TokensPerMinute, e.tok[0].weighted(now, windows[0])),
		ResetAt:           e.req[0].start.Add(windows[0]),
	}
	return d
}

func (m *Manager) deny(e *entry, limits Limits, now time.Time, reason string, i int) Decision {
	w := windows[i]
	d := Decision{
		Allowed:           false,
		Reason:            reason,
		Window:            w,
		RequestsLimit:     limits.requests(i),
		TokensLimit:       limits.tokens(i),
		RequestsRemaining: remaining(limits.requests(i), e.req[i].weighted(now, w)),
		TokensRemaining:   remaining(limits.tokens(i), e.tok[i].weighted(now, w)),
		ResetAt:           e.req[i].start.Add(w),
		RetryAfter:        e.req[i].start.Add(w).Sub(now),
	}
	if d.RetryAfter < time.Second {
		d.RetryAfter = time.Second
	}
	return d
}

// ConcurrencyDenied is the Decision returned when the concurrency ceiling
// rejects a request; no windowed counters are consumed in that case.
func ConcurrencyDenied() Decision {
	return Decision{
		Allowed:    false,
		Reason:     "concurrency",
		RetryAfter: time.Second,
	}
}
