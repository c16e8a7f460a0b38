package llm

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Capability describes the quirks of a model family. Patterns are doublestar
// globs matched against the lowercased model ID; first match wins.
type Capability struct {
	Pattern string
	// Restricted model families reject sampling knobs outright.
	Restricted bool
	// TokenLimitField is the wire name of the output-token cap.
	TokenLimitField string
	// SupportsStopSequences gates the stop parameter.
	SupportsStopSequences bool
	// SupportsN gates multi-candidate sampling via a single call.
	SupportsN bool
}

// CapabilityTable resolves a model ID to its capability entry.
type CapabilityTable struct {
	rules    []Capability
	fallback Capability
}

// DefaultCapabilities reflects the provider quirks the pipeline has run
// into: the gpt-5/o* reasoning families reject sampling knobs and rename
// the token cap, older chat families accept everything.
func DefaultCapabilities() *CapabilityTable {
	return NewCapabilityTable([]Capability{
		{Pattern: "gpt-5*", Restricted: true, TokenLimitField: "max_completion_tokens"},
		{Pattern: "o[0-9]*", Restricted: true, TokenLimitField: "max_completion_tokens"},
		{Pattern: "gpt-4*", TokenLimitField: "max_tokens", SupportsStopSequences: true, SupportsN: true},
		{Pattern: "gpt-3.5*", TokenLimitField: "max_tokens", SupportsStopSequences: true, SupportsN: true},
	}, Capability{
		TokenLimitField:       "max_tokens",
		SupportsStopSequences: true,
	})
}

func NewCapabilityTable(rules []Capability, fallback Capability) *CapabilityTable {
	return &CapabilityTable{rules: rules, fallback: fallback}
}

// Lookup returns the first matching capability entry for modelID.
func (t *CapabilityTable) Lookup(modelID string) Capability {
	id := strings.ToLower(strings.TrimSpace(modelID))
	for _, r := range t.rules {
		if ok, err := doublestar.Match(r.Pattern, id); err == nil && ok {
			return r
		}
	}
	return t.fallback
}

// IsRestricted reports whether the model family rejects sampling knobs.
func (t *CapabilityTable) IsRestricted(modelID string) bool {
	return t.Lookup(modelID).Restricted
}

// TokenLimitField returns the wire field name for the output-token cap.
func (t *CapabilityTable) TokenLimitField(modelID string) string {
	if f := t.Lookup(modelID).TokenLimitField; f != "" {
		return f
	}
	return "max_tokens"
}
