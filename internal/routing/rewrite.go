package routing

import "strings"

// rewriteRule maps canonical model ids to one provider's naming scheme.
// Exact entries win over affix handling.
type rewriteRule struct {
	exact map[string]string

	// stripOrgPrefix removes the leading "org/" segment ("openai/gpt-4o" →
	// "gpt-4o") for providers that use bare model names.
	stripOrgPrefix bool

	// keepFreeSuffix preserves the ":free" pricing suffix. Most providers
	// have no such concept and get it stripped.
	keepFreeSuffix bool
}

// rewriteRules is the per-provider mapping table. Providers absent from the
// table get the identity transform (minus the ":free" suffix).
var rewriteRules = map[string]rewriteRule{
	"openai": {
		stripOrgPrefix: true,
	},
	"anthropic": {
		stripOrgPrefix: true,
	},
	"gemini": {
		stripOrgPrefix: true,
		exact: map[string]string{
			"google/gemma-2-9b-it": "gemma-2-9b-it",
		},
	},
	"groq": {
		stripOrgPrefix: false, // Groq keeps org-prefixed ids
	},
	"openrouter": {
		keepFreeSuffix: true,
	},
	"deepseek": {
		stripOrgPrefix: true,
	},
	"xai": {
		stripOrgPrefix: true,
	},
	"cerebras": {
		stripOrgPrefix: true,
	},
}

// Rewrite translates a canonical model id into the form the given provider
// expects. It is a pure function: same inputs, same output, no catalog or
// network access. Unknown providers and unmapped ids pass through unchanged
// apart from the ":free" suffix, which only providers that price by variant
// keep.
func Rewrite(canonical, provider string) string {
	rule, ok := rewriteRules[provider]

	id := canonical
	if !rule.keepFreeSuffix {
		id = strings.TrimSuffix(id, ":free")
	}

	if ok && rule.exact != nil {
		if mapped, hit := rule.exact[id]; hit {
			return mapped
		}
	}

	if rule.stripOrgPrefix {
		if i := strings.IndexByte(id, '/'); i >= 0 {
			id = id[i+1:]
		}
	}

	return id
}
