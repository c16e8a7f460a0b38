// Package llm wraps the single LLM provider behind capability-aware call
// handling: sampling parameters are stripped for restricted model families,
// rejected parameters trigger one bare retry, and stop sequences that
// truncate strict-JSON output trigger one retry without them. Every call is
// surfaced to a caller-supplied metrics recorder.
package llm

import "context"

// Request is the provider-level generation request. The client resolves
// capability quirks (token-limit field name, stripped sampling knobs) before
// the request reaches the adapter.
type Request struct {
	Model            string
	System           string
	User             string
	Temperature      *float64
	TopP             *float64
	PresencePenalty  *float64
	FrequencyPenalty *float64
	Seed             *int
	ResponseFormat   string // "" or "json_object"
	MaxOutputTokens  int
	TokenLimitField  string // wire field name for MaxOutputTokens
	StopSequences    []string
	N                int // candidate count; only honored when the model supports it
}

// HasSamplingParams reports whether any sampling knob is set.
func (r Request) HasSamplingParams() bool {
	return r.Temperature != nil || r.TopP != nil || r.PresencePenalty != nil ||
		r.FrequencyPenalty != nil || r.Seed != nil
}

// StripSamplingParams returns a copy with every sampling knob removed.
func (r Request) StripSamplingParams() Request {
	r.Temperature = nil
	r.TopP = nil
	r.PresencePenalty = nil
	r.FrequencyPenalty = nil
	r.Seed = nil
	return r
}

// Response is one provider completion. Candidates holds the n>1 results for
// legacy models; Text is always Candidates[0] for convenience.
type Response struct {
	Text             string
	Candidates       []string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	FinishReason     string
}

// Provider is the single upstream model API.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (Response, error)
}
