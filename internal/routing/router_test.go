package routing

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/store"
)

func seedCatalog(t *testing.T) *store.Memory {
	t.Helper()
	m := store.NewMemory()

	m.PutProvider(store.Provider{Slug: "openai", Active: true, Health: store.HealthHealthy, AvgLatencyMs: 300})
	m.PutProvider(store.Provider{Slug: "groq", Active: true, Health: store.HealthHealthy, AvgLatencyMs: 80})
	m.PutProvider(store.Provider{Slug: "azure", Active: true, Health: store.HealthDegraded, AvgLatencyMs: 50})
	m.PutProvider(store.Provider{Slug: "downco", Active: false, Health: store.HealthHealthy})

	price := decimal.RequireFromString("0.000002")
	for _, slug := range []string{"openai", "groq", "azure", "downco"} {
		m.PutModel(store.Model{
			CanonicalID:  "meta-llama/llama-3.1-70b",
			ProviderSlug: slug,
			Active:       true,
			PromptPrice:  price,
		})
	}
	return m
}

func TestChainOrderHealthThenLatency(t *testing.T) {
	r := New(seedCatalog(t))

	chain, err := r.BuildChain(context.Background(), "meta-llama/llama-3.1-70b", "")
	if err != nil {
		t.Fatal(err)
	}

	// groq (healthy, 80ms) before openai (healthy, 300ms) before azure
	// (degraded, 50ms). downco is inactive and must not appear.
	want := []string{"groq", "openai", "azure"}
	if len(chain) != len(want) {
		t.Fatalf("chain length = %d, want %d", len(chain), len(want))
	}
	for i, slug := range want {
		if chain[i].Provider != slug {
			t.Fatalf("chain[%d] = %s, want %s", i, chain[i].Provider, slug)
		}
	}
}

func TestChainDeterministic(t *testing.T) {
	r := New(seedCatalog(t))

	first, err := r.BuildChain(context.Background(), "meta-llama/llama-3.1-70b", "")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		again, err := r.BuildChain(context.Background(), "meta-llama/llama-3.1-70b", "")
		if err != nil {
			t.Fatal(err)
		}
		for j := range first {
			if again[j].Provider != first[j].Provider {
				t.Fatal("chain order must be deterministic for a fixed catalog")
			}
		}
	}
}

func TestProviderHintLocksChain(t *testing.T) {
	r := New(seedCatalog(t))

	chain, err := r.BuildChain(context.Background(), "meta-llama/llama-3.1-70b", "openai")
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 1 || chain[0].Provider != "openai" {
		t.Fatalf("hinted chain = %+v, want only openai", chain)
	}
}

func TestProviderHintNoMatch(t *testing.T) {
	r := New(seedCatalog(t))

	_, err := r.BuildChain(context.Background(), "meta-llama/llama-3.1-70b", "nonexistent")
	if !errors.Is(err, ErrNoProviders) {
		t.Fatalf("err = %v, want ErrNoProviders", err)
	}
}

func TestOrgPrefixLeads(t *testing.T) {
	m := seedCatalog(t)
	// "openai/gpt-4o" is served by both openai and azure; the org prefix
	// nominates openai to lead even though azure is faster on paper.
	m.PutModel(store.Model{CanonicalID: "openai/gpt-4o", ProviderSlug: "azure", Active: true})
	m.PutModel(store.Model{CanonicalID: "openai/gpt-4o", ProviderSlug: "openai", Active: true})

	r := New(m)
	chain, err := r.BuildChain(context.Background(), "openai/gpt-4o", "")
	if err != nil {
		t.Fatal(err)
	}
	if chain[0].Provider != "openai" {
		t.Fatalf("chain[0] = %s, want openai (org prefix leads)", chain[0].Provider)
	}
	if len(chain) != 2 {
		t.Fatalf("chain length = %d, want 2 (fallback retained)", len(chain))
	}
}

func TestDenyRuleRemovesProvider(t *testing.T) {
	r := New(seedCatalog(t))
	r.Deny("meta-llama/llama-3.1-70b", "groq")

	chain, err := r.BuildChain(context.Background(), "meta-llama/llama-3.1-70b", "")
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range chain {
		if s.Provider == "groq" {
			t.Fatal("denied provider must not appear in the chain")
		}
	}
}

func TestUnknownModel(t *testing.T) {
	r := New(seedCatalog(t))

	_, err := r.BuildChain(context.Background(), "no/such-model", "")
	if !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("err = %v, want ErrUnknownModel", err)
	}
}

func TestExplicitProviderModelIDWins(t *testing.T) {
	m := store.NewMemory()
	m.PutProvider(store.Provider{Slug: "azure", Active: true, Health: store.HealthHealthy})
	m.PutModel(store.Model{
		CanonicalID:     "openai/gpt-4o",
		ProviderSlug:    "azure",
		ProviderModelID: "gpt-4o-2024-11-20-deployment",
		Active:          true,
	})

	r := New(m)
	chain, err := r.BuildChain(context.Background(), "openai/gpt-4o", "")
	if err != nil {
		t.Fatal(err)
	}
	if chain[0].ModelID != "gpt-4o-2024-11-20-deployment" {
		t.Fatalf("model id = %s, want the catalog override", chain[0].ModelID)
	}
}

func TestRewrite(t *testing.T) {
	cases := []struct {
		canonical string
		provider  string
		want      string
	}{
		{"openai/gpt-4o", "openai", "gpt-4o"},
		{"anthropic/claude-sonnet-4", "anthropic", "claude-sonnet-4"},
		{"google/gemma-2-9b-it:free", "gemini", "gemma-2-9b-it"},
		{"meta-llama/llama-3.1-70b", "groq", "meta-llama/llama-3.1-70b"},
		{"google/gemma-2-9b-it:free", "openrouter", "google/gemma-2-9b-it:free"},
		{"some/model:free", "unknown-provider", "some/model"},
		{"bare-model", "openai", "bare-model"},
	}
	for _, c := range cases {
		if got := Rewrite(c.canonical, c.provider); got != c.want {
			t.Errorf("Rewrite(%q, %q) = %q, want %q", c.canonical, c.provider, got, c.want)
		}
	}
}

func TestRewritePure(t *testing.T) {
	for i := 0; i < 5; i++ {
		if Rewrite("openai/gpt-4o", "openai") != "gpt-4o" {
			t.Fatal("Rewrite must be deterministic")
		}
	}
}
