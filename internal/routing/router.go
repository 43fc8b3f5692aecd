// Package routing turns a canonical model id into an ordered failover chain
// of (provider, provider-model-id) steps, and owns the pure model-id
// rewrite table.
package routing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/store"
)

// ErrUnknownModel is returned when the canonical id has no catalog entry.
var ErrUnknownModel = errors.New("routing: unknown model")

// ErrNoProviders is returned when every deployment of a known model is
// inactive or denied.
var ErrNoProviders = errors.New("routing: no eligible providers")

// Step is one link of a failover chain: which provider to call and the
// model id it expects.
type Step struct {
	Provider string
	ModelID  string

	// PromptPrice/CompletionPrice ride along so billing does not need a
	// second catalog read.
	Row store.Model
}

// Router builds failover chains from the model catalog.
type Router struct {
	catalog store.Catalog

	// deny maps canonical model id → provider slugs that must never serve
	// it (compliance and licensing carve-outs).
	deny map[string]map[string]struct{}
}

// New creates a Router over the given catalog.
func New(catalog store.Catalog) *Router {
	return &Router{catalog: catalog, deny: make(map[string]map[string]struct{})}
}

// Deny registers a (model, provider) exclusion.
func (r *Router) Deny(canonicalID, providerSlug string) {
	set, ok := r.deny[canonicalID]
	if !ok {
		set = make(map[string]struct{})
		r.deny[canonicalID] = set
	}
	set[providerSlug] = struct{}{}
}

func (r *Router) denied(canonicalID, providerSlug string) bool {
	if set, ok := r.deny[canonicalID]; ok {
		if _, hit := set[providerSlug]; hit {
			return true
		}
	}
	return false
}

// healthRank orders providers best-first for the chain sort.
func healthRank(h string) int {
	switch h {
	case store.HealthHealthy:
		return 0
	case store.HealthDegraded:
		return 1
	default:
		return 2
	}
}

// BuildChain returns the ordered failover chain for a canonical model id.
//
// Ordering rules, applied in precedence order:
//
//  1. An explicit provider hint locks the chain to that provider; no
//     foreign providers are appended.
//  2. When the canonical id encodes a provider slug as its org prefix,
//     that provider's deployment leads the chain.
//  3. Remaining deployments sort by provider health, then average latency,
//     then prompt price, with the provider slug as a deterministic
//     tie-break.
//
// Inactive deployments, inactive providers and denied pairs never appear.
// The chain is deterministic for a fixed catalog state.
func (r *Router) BuildChain(ctx context.Context, canonicalID, providerHint string) ([]Step, error) {
	rows, err := r.catalog.ModelsFor(ctx, canonicalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownModel, canonicalID)
		}
		return nil, fmt.Errorf("routing: catalog: %w", err)
	}

	provs, err := r.catalog.Providers(ctx)
	if err != nil {
		return nil, fmt.Errorf("routing: providers: %w", err)
	}

	type candidate struct {
		step    Step
		health  int
		latency int64
		leads   bool
	}

	// A canonical id like "openai/gpt-4o" nominates its org prefix as the
	// leading provider when a provider with that slug serves the model.
	leadSlug := ""
	if i := strings.IndexByte(canonicalID, '/'); i > 0 {
		if _, ok := provs[canonicalID[:i]]; ok {
			leadSlug = canonicalID[:i]
		}
	}

	var cands []candidate
	for _, row := range rows {
		if !row.Active {
			continue
		}
		p, ok := provs[row.ProviderSlug]
		if !ok || !p.Active {
			continue
		}
		if r.denied(canonicalID, row.ProviderSlug) {
			continue
		}
		if providerHint != "" && row.ProviderSlug != providerHint {
			continue
		}

		modelID := row.ProviderModelID
		if modelID == "" {
			modelID = Rewrite(canonicalID, row.ProviderSlug)
		}

		cands = append(cands, candidate{
			step:    Step{Provider: row.ProviderSlug, ModelID: modelID, Row: row},
			health:  healthRank(p.Health),
			latency: p.AvgLatencyMs,
			leads:   row.ProviderSlug == leadSlug,
		})
	}

	if len(cands) == 0 {
		if providerHint != "" {
			return nil, fmt.Errorf("%w: %s via %s", ErrNoProviders, canonicalID, providerHint)
		}
		return nil, fmt.Errorf("%w: %s", ErrNoProviders, canonicalID)
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.leads != b.leads {
			return a.leads
		}
		if a.health != b.health {
			return a.health < b.health
		}
		if a.latency != b.latency {
			return a.latency < b.latency
		}
		if !a.step.Row.PromptPrice.Equal(b.step.Row.PromptPrice) {
			return a.step.Row.PromptPrice.LessThan(b.step.Row.PromptPrice)
		}
		return a.step.Provider < b.step.Provider
	})

	chain := make([]Step, len(cands))
	for i, c := range cands {
		chain[i] = c.step
	}
	return chain, nil
}
