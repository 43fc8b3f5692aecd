package billing

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/ratelimit"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/store"
)

// trackingStore records the order of ledger calls.
type trackingStore struct {
	mu       sync.Mutex
	calls    []string
	balance  decimal.Decimal
	trialTok int64
	trialReq int64
	fail     error
}

func (s *trackingStore) GetByKeyHash(context.Context, string) (*store.User, error) {
	return nil, store.ErrNotFound
}

func (s *trackingStore) PlanFor(context.Context, string) (*store.Plan, error) {
	return &store.DefaultPlan, nil
}

func (s *trackingStore) DeductCredits(_ context.Context, _ string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "deduct")
	if s.fail != nil {
		return s.fail
	}
	if s.balance.LessThan(amount) {
		return store.ErrInsufficientCredits
	}
	s.balance = s.balance.Sub(amount)
	return nil
}

func (s *trackingStore) RecordTrialUsage(_ context.Context, _ string, tokens, requests int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "trial")
	s.trialTok += tokens
	s.trialReq += requests
	return nil
}

type captureRecorder struct {
	mu     sync.Mutex
	events []store.UsageEvent
	onRec  func()
}

func (r *captureRecorder) Record(ev store.UsageEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if r.onRec != nil {
		r.onRec()
	}
}

func testUser() *store.User {
	return &store.User{ID: "u1", KeyHash: "hash1", Credits: decimal.NewFromInt(10)}
}

func pricedRow() store.Model {
	return store.Model{
		CanonicalID:     "gpt-4o",
		ProviderSlug:    "openai",
		PromptPrice:     dec("0.000005"),
		CompletionPrice: dec("0.000015"),
	}
}

func TestSettle_ChargesAndRecords(t *testing.T) {
	st := &trackingStore{balance: decimal.NewFromInt(10)}
	rec := &captureRecorder{}
	a := NewAccountant(st, rec, nil, nil, slog.Default())

	cost := a.Settle(context.Background(), Commit{
		User:             testUser(),
		Row:              pricedRow(),
		RequestID:        "req-1",
		Provider:         "openai",
		Model:            "gpt-4o",
		PromptTokens:     1000,
		CompletionTokens: 200,
		Success:          true,
		FinishReason:     "stop",
		Elapsed:          420 * time.Millisecond,
	})

	// 1000*5e-6 + 200*1.5e-5 = 0.008
	if !cost.Equal(dec("0.008")) {
		t.Fatalf("cost = %s, want 0.008", cost)
	}
	if !st.balance.Equal(dec("9.992")) {
		t.Fatalf("balance = %s, want 9.992", st.balance)
	}
	if len(rec.events) != 1 {
		t.Fatalf("expected 1 usage event, got %d", len(rec.events))
	}
	ev := rec.events[0]
	if ev.RequestID != "req-1" || ev.UserID != "u1" || !ev.Cost.Equal(cost) {
		t.Errorf("event = %+v", ev)
	}
	if !ev.Success || ev.FinishReason != "stop" {
		t.Errorf("event outcome = %+v", ev)
	}
	if ev.ID == "" {
		t.Error("event must carry a generated id")
	}
}

func TestSettle_LedgerBeforeUsageRow(t *testing.T) {
	st := &trackingStore{balance: decimal.NewFromInt(10)}
	var order []string
	rec := &captureRecorder{}
	rec.onRec = func() {
		st.mu.Lock()
		order = append(order, append([]string{}, st.calls...)...)
		st.mu.Unlock()
	}
	a := NewAccountant(st, rec, nil, nil, slog.Default())

	a.Settle(context.Background(), Commit{
		User: testUser(), Row: pricedRow(),
		PromptTokens: 10, CompletionTokens: 10, Success: true,
	})

	if len(order) != 1 || order[0] != "deduct" {
		t.Fatalf("deduction must precede the usage row, saw %v", order)
	}
}

func TestSettle_FailureIsNotCharged(t *testing.T) {
	st := &trackingStore{balance: decimal.NewFromInt(10)}
	rec := &captureRecorder{}
	a := NewAccountant(st, rec, nil, nil, slog.Default())

	cost := a.Settle(context.Background(), Commit{
		User: testUser(), Row: pricedRow(),
		RequestID: "req-2", Success: false, ErrorKind: "upstream_5xx",
	})

	if !cost.IsZero() {
		t.Fatalf("failed request charged %s", cost)
	}
	if len(st.calls) != 0 {
		t.Fatalf("ledger must not be touched, saw %v", st.calls)
	}
	if len(rec.events) != 1 {
		t.Fatal("failures still get a usage row")
	}
	if rec.events[0].ErrorKind != "upstream_5xx" {
		t.Errorf("error kind = %q", rec.events[0].ErrorKind)
	}
}

func TestSettle_PostFlightOverrunKeepsResponse(t *testing.T) {
	st := &trackingStore{balance: dec("0.000001")}
	rec := &captureRecorder{}
	a := NewAccountant(st, rec, nil, nil, slog.Default())

	cost := a.Settle(context.Background(), Commit{
		User: testUser(), Row: pricedRow(),
		PromptTokens: 1000, CompletionTokens: 1000, Success: true,
	})

	if cost.IsZero() {
		t.Fatal("cost should still be computed")
	}
	if !st.balance.Equal(dec("0.000001")) {
		t.Fatalf("balance must be untouched on overrun, got %s", st.balance)
	}
	if len(rec.events) != 1 {
		t.Fatal("overrun must still produce a usage row")
	}
}

func TestSettle_TrialPath(t *testing.T) {
	st := &trackingStore{balance: decimal.NewFromInt(10)}
	rec := &captureRecorder{}
	a := NewAccountant(st, rec, nil, nil, slog.Default())

	cost := a.Settle(context.Background(), Commit{
		User: testUser(), Trial: true, Row: pricedRow(),
		PromptTokens: 30, CompletionTokens: 12, Success: true,
	})

	if !cost.IsZero() {
		t.Fatalf("trial requests are not charged, got %s", cost)
	}
	if st.trialTok != 42 || st.trialReq != 1 {
		t.Fatalf("trial usage = %d tokens / %d requests", st.trialTok, st.trialReq)
	}
	for _, call := range st.calls {
		if call == "deduct" {
			t.Fatal("trial path must not touch the credit ledger")
		}
	}
}

func TestSettle_FreeModelNoLedger(t *testing.T) {
	st := &trackingStore{balance: decimal.NewFromInt(10)}
	rec := &captureRecorder{}
	a := NewAccountant(st, rec, nil, nil, slog.Default())

	cost := a.Settle(context.Background(), Commit{
		User: testUser(), Free: true, Row: pricedRow(),
		PromptTokens: 100, CompletionTokens: 100, Success: true,
	})

	if !cost.IsZero() || len(st.calls) != 0 {
		t.Fatalf("free model charged: cost=%s calls=%v", cost, st.calls)
	}
}

func TestSettle_TokenSettlement(t *testing.T) {
	m := ratelimit.NewManager()
	limits := ratelimit.Limits{TokensPerMinute: 1000}
	key := "user:u1"

	// Admission consumed an estimate of 100 tokens.
	d := m.Allow(key, limits, 100)
	if !d.Allowed {
		t.Fatal("admission should pass")
	}

	a := NewAccountant(nil, nil, m, nil, slog.Default())
	a.Settle(context.Background(), Commit{
		RateKey: key, Limits: limits, EstimatedTokens: 100,
		PromptTokens: 200, CompletionTokens: 150, Success: true,
	})

	// Actual 350 replaced the 100 estimate: 1000 - 350 - next estimate.
	d = m.Allow(key, limits, 0)
	if !d.Allowed {
		t.Fatal("should still be under the token limit")
	}
	if d.TokensRemaining != 650 {
		t.Fatalf("tokens remaining = %d, want 650", d.TokensRemaining)
	}
}

func TestSettle_NilAccountantSafe(t *testing.T) {
	var a *Accountant
	if got := a.Settle(context.Background(), Commit{Success: true}); !got.IsZero() {
		t.Fatal("nil accountant must be a no-op")
	}
}
