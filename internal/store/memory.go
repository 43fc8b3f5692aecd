package store

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// Memory is an in-process implementation of UserStore, Catalog and
// SessionStore. It backs tests and single-node deployments that run without
// a managed database.
type Memory struct {
	mu        sync.RWMutex
	users     map[string]*User // by ID
	byKeyHash map[string]string
	plans     map[string]*Plan
	models    []Model
	providers map[string]Provider
	sessions  map[string][]Message
}

// DefaultPlan applies when a user has no plan assigned.
var DefaultPlan = Plan{
	ID:                "default",
	RequestsPerMinute: 60,
	RequestsPerHour:   1000,
	RequestsPerDay:    10000,
	TokensPerMinute:   100000,
	TokensPerHour:     1000000,
	TokensPerDay:      5000000,
	MaxConcurrency:    10,
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:     make(map[string]*User),
		byKeyHash: make(map[string]string),
		plans:     make(map[string]*Plan),
		providers: make(map[string]Provider),
		sessions:  make(map[string][]Message),
	}
}

// PutUser inserts or replaces a user record.
func (m *Memory) PutUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := u
	m.users[u.ID] = &cp
	if u.KeyHash != "" {
		m.byKeyHash[u.KeyHash] = u.ID
	}
}

// PutPlan inserts or replaces a plan.
func (m *Memory) PutPlan(p Plan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := p
	m.plans[p.ID] = &cp
}

// PutModel appends a catalog row.
func (m *Memory) PutModel(row Model) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.models = append(m.models, row)
}

// PutProvider inserts or replaces a provider row.
func (m *Memory) PutProvider(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[p.Slug] = p
}

func (m *Memory) GetByKeyHash(_ context.Context, keyHash string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byKeyHash[keyHash]
	if !ok {
		return nil, ErrNotFound
	}
	u := *m.users[id]
	return &u, nil
}

func (m *Memory) PlanFor(_ context.Context, userID string) (*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	if p, ok := m.plans[u.PlanID]; ok {
		cp := *p
		return &cp, nil
	}
	cp := DefaultPlan
	return &cp, nil
}

// DeductCredits holds the write lock across the balance check and the
// subtraction, so concurrent deductions cannot overdraw.
func (m *Memory) DeductCredits(_ context.Context, userID string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	if u.Credits.LessThan(amount) {
		return ErrInsufficientCredits
	}
	u.Credits = u.Credits.Sub(amount)
	return nil
}

func (m *Memory) RecordTrialUsage(_ context.Context, userID string, tokens, requests int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Trial.RemainingTokens -= tokens
	u.Trial.RemainingRequests -= requests
	return nil
}

// Credits returns the current balance, for tests.
func (m *Memory) Credits(userID string) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok := m.users[userID]; ok {
		return u.Credits
	}
	return decimal.Zero
}

func (m *Memory) ModelsFor(_ context.Context, canonicalID string) ([]Model, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Model
	for _, row := range m.models {
		if row.CanonicalID == canonicalID {
			out = append(out, row)
		}
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (m *Memory) ListModels(_ context.Context) ([]Model, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Model, 0, len(m.models))
	for _, row := range m.models {
		if row.Active {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *Memory) Providers(_ context.Context) (map[string]Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Provider, len(m.providers))
	for k, v := range m.providers {
		out[k] = v
	}
	return out, nil
}

func sessionKey(sessionID, userID string) string { return userID + "\x00" + sessionID }

func (m *Memory) History(_ context.Context, sessionID, userID string) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.sessions[sessionKey(sessionID, userID)]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (m *Memory) Append(_ context.Context, sessionID, userID string, msgs []Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := sessionKey(sessionID, userID)
	m.sessions[k] = append(m.sessions[k], msgs...)
	return nil
}
