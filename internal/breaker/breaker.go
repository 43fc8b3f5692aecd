// Package breaker implements per-(provider, model) circuit breakers.
//
// Each pair gets an independent state machine so one broken model does not
// blacklist a provider's other deployments. In-process state is
// authoritative; transitions are replicated to the shared cache on a
// best-effort basis so fresh replicas start from the cluster's view instead
// of cold.
package breaker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/cache"
)

// Phase represents the operational state of one breaker.
//
//	PhaseClosed   — normal operation; all requests pass through.
//	PhaseOpen     — the pair is failing; requests are rejected immediately.
//	PhaseHalfOpen — recovery probe; one request at a time is allowed through.
type Phase int

const (
	PhaseClosed   Phase = 0
	PhaseOpen     Phase = 1
	PhaseHalfOpen Phase = 2
)

// Label returns a human-readable phase name: "closed", "open", or "half_open".
func (p Phase) Label() string {
	switch p {
	case PhaseOpen:
		return "open"
	case PhaseHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Defaults applied when Config fields are zero.
const (
	DefaultConsecutiveFailures = 5
	DefaultFailureRate         = 0.5
	DefaultMinSamples          = 10
	DefaultOpenTimeout         = 60 * time.Second
	DefaultHalfOpenSuccesses   = 2

	replicaTTL = 5 * time.Minute
)

// Config holds breaker tuning parameters. Zero values fall back to the
// package defaults.
type Config struct {
	// ConsecutiveFailures trips the breaker on its own.
	ConsecutiveFailures int

	// FailureRate trips the breaker when the failure fraction over the last
	// MinSamples outcomes reaches it (only once MinSamples outcomes exist).
	FailureRate float64
	MinSamples  int

	// OpenTimeout is how long the breaker rejects before allowing a probe.
	OpenTimeout time.Duration

	// HalfOpenSuccesses is how many consecutive probe successes close the
	// breaker again.
	HalfOpenSuccesses int
}

func (c *Config) consecutiveFailures() int {
	if c.ConsecutiveFailures > 0 {
		return c.ConsecutiveFailures
	}
	return DefaultConsecutiveFailures
}

func (c *Config) failureRate() float64 {
	if c.FailureRate > 0 {
		return c.FailureRate
	}
	return DefaultFailureRate
}

func (c *Config) minSamples() int {
	if c.MinSamples > 0 {
		return c.MinSamples
	}
	return DefaultMinSamples
}

func (c *Config) openTimeout() time.Duration {
	if c.OpenTimeout > 0 {
		return c.OpenTimeout
	}
	return DefaultOpenTimeout
}

func (c *Config) halfOpenSuccesses() int {
	if c.HalfOpenSuccesses > 0 {
		return c.HalfOpenSuccesses
	}
	return DefaultHalfOpenSuccesses
}

// pairBreaker holds state for one (provider, model) pair.
type pairBreaker struct {
	mu sync.Mutex

	phase       Phase
	consecutive int    // consecutive failures while closed
	outcomes    []bool // ring of the last N outcomes, true = failure
	outcomePos  int
	outcomeLen  int
	openedAt    time.Time // when the breaker was tripped (for the open timer)
	halfOpenOK  int       // consecutive probe successes while half-open
	probeActive bool      // true while a half-open probe is in flight
}

// replicaState is the JSON shape replicated to the shared cache.
type replicaState struct {
	Phase    Phase     `json:"phase"`
	OpenedAt time.Time `json:"opened_at,omitempty"`
}

// Registry manages independent breakers keyed by (provider, model).
// It is safe for concurrent use from multiple goroutines.
type Registry struct {
	mu    sync.RWMutex
	pairs map[string]*pairBreaker

	cfg   Config
	cache cache.Store // optional; nil disables replication

	// onTransition is invoked outside the pair lock on every phase change.
	onTransition func(provider, model string, from, to Phase)

	// now is replaceable in tests.
	now func() time.Time
}

// NewRegistry creates a Registry with the given thresholds. The cache is
// optional and only used for best-effort state replication.
func NewRegistry(cfg Config, c cache.Store) *Registry {
	return &Registry{
		pairs: make(map[string]*pairBreaker),
		cfg:   cfg,
		cache: c,
		now:   time.Now,
	}
}

// SetOnTransition registers a callback fired on every phase change, for
// metrics export.
func (r *Registry) SetOnTransition(fn func(provider, model string, from, to Phase)) {
	r.onTransition = fn
}

func pairKey(provider, model string) string { return provider + "/" + model }

func (r *Registry) get(provider, model string) *pairBreaker {
	key := pairKey(provider, model)

	r.mu.RLock()
	pb, ok := r.pairs[key]
	r.mu.RUnlock()
	if ok {
		return pb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if pb, ok = r.pairs[key]; ok {
		return pb
	}

	pb = &pairBreaker{outcomes: make([]bool, r.cfg.minSamples())}

	// Seed a fresh pair from the replicated snapshot when one exists, so a
	// restarted replica does not probe a provider the cluster knows is down.
	if r.cache != nil {
		if raw, ok := r.cache.Get(context.Background(), "cb:"+key); ok {
			var st replicaState
			if json.Unmarshal(raw, &st) == nil && st.Phase == PhaseOpen {
				pb.phase = PhaseOpen
				pb.openedAt = st.OpenedAt
			}
		}
	}

	r.pairs[key] = pb
	return pb
}

// Allow reports whether the pair should receive the next request.
//
//   - Closed   → always true.
//   - Open     → false until OpenTimeout has elapsed, then the breaker
//     transitions to HalfOpen and admits one probe.
//   - HalfOpen → true only when no probe is currently in flight.
func (r *Registry) Allow(provider, model string) bool {
	pb := r.get(provider, model)

	pb.mu.Lock()

	switch pb.phase {
	case PhaseClosed:
		pb.mu.Unlock()
		return true

	case PhaseOpen:
		if r.now().Sub(pb.openedAt) >= r.cfg.openTimeout() {
			pb.phase = PhaseHalfOpen
			pb.probeActive = true
			pb.halfOpenOK = 0
			pb.mu.Unlock()
			r.transition(provider, model, PhaseOpen, PhaseHalfOpen)
			return true
		}
		pb.mu.Unlock()
		return false

	case PhaseHalfOpen:
		if pb.probeActive {
			pb.mu.Unlock()
			return false
		}
		pb.probeActive = true
		pb.mu.Unlock()
		return true
	}

	pb.mu.Unlock()
	return true
}

// RecordSuccess marks a successful upstream outcome for the pair.
func (r *Registry) RecordSuccess(provider, model string) {
	pb := r.get(provider, model)

	pb.mu.Lock()

	switch pb.phase {
	case PhaseClosed:
		pb.consecutive = 0
		pb.pushOutcome(false)
		pb.mu.Unlock()

	case PhaseHalfOpen:
		pb.probeActive = false
		pb.halfOpenOK++
		if pb.halfOpenOK >= r.cfg.halfOpenSuccesses() {
			pb.reset()
			pb.mu.Unlock()
			r.transition(provider, model, PhaseHalfOpen, PhaseClosed)
			return
		}
		pb.mu.Unlock()

	default:
		// Success while open can happen when a request was admitted just
		// before the trip. It does not close the breaker early.
		pb.mu.Unlock()
	}
}

// RecordFailure marks a failed upstream outcome for the pair. Callers filter
// out client-caused errors first; only server-side and network failures
// belong here.
func (r *Registry) RecordFailure(provider, model string) {
	pb := r.get(provider, model)

	pb.mu.Lock()

	switch pb.phase {
	case PhaseClosed:
		pb.consecutive++
		pb.pushOutcome(true)

		tripped := pb.consecutive >= r.cfg.consecutiveFailures()
		if !tripped && pb.outcomeLen >= r.cfg.minSamples() {
			tripped = pb.failureFraction() >= r.cfg.failureRate()
		}
		if tripped {
			pb.phase = PhaseOpen
			pb.openedAt = r.now()
			pb.mu.Unlock()
			r.transition(provider, model, PhaseClosed, PhaseOpen)
			return
		}
		pb.mu.Unlock()

	case PhaseHalfOpen:
		// Probe failed: straight back to open, timer restarted.
		pb.probeActive = false
		pb.halfOpenOK = 0
		pb.phase = PhaseOpen
		pb.openedAt = r.now()
		pb.mu.Unlock()
		r.transition(provider, model, PhaseHalfOpen, PhaseOpen)

	default:
		pb.mu.Unlock()
	}
}

// Phase returns the current phase for the pair (useful for metrics export).
func (r *Registry) Phase(provider, model string) Phase {
	pb := r.get(provider, model)
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.phase
}

func (pb *pairBreaker) pushOutcome(failure bool) {
	if len(pb.outcomes) == 0 {
		return
	}
	pb.outcomes[pb.outcomePos] = failure
	pb.outcomePos = (pb.outcomePos + 1) % len(pb.outcomes)
	if pb.outcomeLen < len(pb.outcomes) {
		pb.outcomeLen++
	}
}

func (pb *pairBreaker) failureFraction() float64 {
	if pb.outcomeLen == 0 {
		return 0
	}
	fails := 0
	for i := 0; i < pb.outcomeLen; i++ {
		if pb.outcomes[i] {
			fails++
		}
	}
	return float64(fails) / float64(pb.outcomeLen)
}

func (pb *pairBreaker) reset() {
	pb.phase = PhaseClosed
	pb.consecutive = 0
	pb.outcomeLen = 0
	pb.outcomePos = 0
	pb.halfOpenOK = 0
	pb.probeActive = false
}

// transition fires the metrics callback and replicates the new phase.
// Replication failures are swallowed: the in-process state is authoritative.
func (r *Registry) transition(provider, model string, from, to Phase) {
	if r.onTransition != nil {
		r.onTransition(provider, model, from, to)
	}
	if r.cache == nil {
		return
	}

	st := replicaState{Phase: to}
	if to == PhaseOpen {
		st.OpenedAt = r.now()
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return
	}
	_ = r.cache.Set(context.Background(), "cb:"+pairKey(provider, model), raw, replicaTTL)
}
