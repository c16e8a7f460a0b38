package llm

import "testing"

func TestCapabilityLookup(t *testing.T) {
	caps := DefaultCapabilities()
	tests := []struct {
		model      string
		restricted bool
		tokenField string
		stops      bool
		n          bool
	}{
		{"gpt-5", true, "max_completion_tokens", false, false},
		{"gpt-5-mini", true, "max_completion_tokens", false, false},
		{"GPT-5-Nano", true, "max_completion_tokens", false, false},
		{"o3-mini", true, "max_completion_tokens", false, false},
		{"o1", true, "max_completion_tokens", false, false},
		{"gpt-4o", false, "max_tokens", true, true},
		{"gpt-4.1-mini", false, "max_tokens", true, true},
		{"gpt-3.5-turbo", false, "max_tokens", true, true},
		{"some-other-model", false, "max_tokens", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			c := caps.Lookup(tt.model)
			if c.Restricted != tt.restricted {
				t.Errorf("Restricted = %v, want %v", c.Restricted, tt.restricted)
			}
			if got := caps.TokenLimitField(tt.model); got != tt.tokenField {
				t.Errorf("TokenLimitField = %q, want %q", got, tt.tokenField)
			}
			if c.SupportsStopSequences != tt.stops {
				t.Errorf("SupportsStopSequences = %v, want %v", c.SupportsStopSequences, tt.stops)
			}
			if c.SupportsN != tt.n {
				t.Errorf("SupportsN = %v, want %v", c.SupportsN, tt.n)
			}
		})
	}
}
