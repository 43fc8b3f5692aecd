package auth

import (
	"fmt"
	"regexp"
	"sort"
)

// FreeModelList decides whether a given model is open to anonymous callers.
// It supports two matching modes:
//
//   - Exact match: the canonical model id must equal the rule exactly.
//   - Regex match: the id is tested against a compiled regexp.
//
// A nil *FreeModelList is safe to call — Matches always returns false, so an
// unconfigured gateway admits no anonymous traffic.
type FreeModelList struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewFreeModelList compiles the given exact ids and regex patterns.
// Returns an error if any pattern fails to compile so that misconfiguration
// is caught at startup.
func NewFreeModelList(exact, patterns []string) (*FreeModelList, error) {
	fl := &FreeModelList{
		exact: make(map[string]struct{}, len(exact)),
	}

	for _, e := range exact {
		if e != "" {
			fl.exact[e] = struct{}{}
		}
	}

	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("free models: invalid pattern %q: %w", p, err)
		}
		fl.patterns = append(fl.patterns, re)
	}

	return fl, nil
}

// Matches reports whether the model is on the free list.
// Exact rules are checked first (O(1)), then regex patterns in order.
func (fl *FreeModelList) Matches(model string) bool {
	if fl == nil {
		return false
	}
	if _, ok := fl.exact[model]; ok {
		return true
	}
	for _, re := range fl.patterns {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

// Allowed returns the configured rules for user-facing messages: exact ids
// sorted first, then the regex patterns in configuration order.
func (fl *FreeModelList) Allowed() []string {
	if fl == nil {
		return nil
	}
	out := make([]string, 0, len(fl.exact)+len(fl.patterns))
	for id := range fl.exact {
		out = append(out, id)
	}
	sort.Strings(out)
	for _, re := range fl.patterns {
		out = append(out, re.String())
	}
	return out
}

// Len returns the total number of rules configured.
func (fl *FreeModelList) Len() int {
	if fl == nil {
		return 0
	}
	return len(fl.exact) + len(fl.patterns)
}
