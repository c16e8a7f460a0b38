package llm

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// for testing purposes
var timeNow = time.Now

// CallOptions is the engine-facing request. ParseCallback, when set, is run
// against the raw response text; a truncation-looking parse error combined
// with responseFormat=json_object and stop sequences triggers one retry
// without the stops.
type CallOptions struct {
	Model            string
	System           string
	User             string
	Temperature      *float64
	TopP             *float64
	PresencePenalty  *float64
	FrequencyPenalty *float64
	Seed             *int
	ResponseFormat   string
	MaxOutputTokens  int
	StopSequences    []string
	N                int
	ParseCallback    func(text string) error
}

// Client applies model-capability quirks and fallback retries around the
// single provider.
type Client struct {
	provider Provider
	caps     *CapabilityTable
	metrics  Recorder
	logger   zerolog.Logger
}

func NewClient(provider Provider, caps *CapabilityTable, metrics Recorder, logger zerolog.Logger) *Client {
	if caps == nil {
		caps = DefaultCapabilities()
	}
	if metrics == nil {
		metrics = NopRecorder{}
	}
	return &Client{provider: provider, caps: caps, metrics: metrics, logger: logger}
}

// Capabilities exposes the capability table for callers that need to size
// regen fan-out per model family.
func (c *Client) Capabilities() *CapabilityTable { return c.caps }

// Call performs one generation with the capability and fallback discipline:
//
//  1. Sampling knobs are stripped up front for restricted model families.
//  2. A provider rejection naming a sampling parameter triggers one retry
//     with all knobs removed.
//  3. A truncation-looking ParseCallback failure with stop sequences in
//     play triggers one retry without stops.
func (c *Client) Call(ctx context.Context, opts CallOptions) (Response, error) {
	capability := c.caps.Lookup(opts.Model)
	req := Request{
		Model:            opts.Model,
		System:           opts.System,
		User:             opts.User,
		Temperature:      opts.Temperature,
		TopP:             opts.TopP,
		PresencePenalty:  opts.PresencePenalty,
		FrequencyPenalty: opts.FrequencyPenalty,
		Seed:             opts.Seed,
		ResponseFormat:   opts.ResponseFormat,
		MaxOutputTokens:  opts.MaxOutputTokens,
		TokenLimitField:  c.caps.TokenLimitField(opts.Model),
		StopSequences:    opts.StopSequences,
		N:                opts.N,
	}
	if capability.Restricted && req.HasSamplingParams() {
		c.logger.Debug().Str("model", opts.Model).Msg("stripping sampling params for restricted model")
		req = req.StripSamplingParams()
	}
	if !capability.SupportsStopSequences {
		req.StopSequences = nil
	}
	if !capability.SupportsN {
		req.N = 0
	}

	m := CallMetrics{Model: opts.Model}
	start := timeNow()
	resp, err := c.provider.Generate(ctx, req)
	m.Attempts = 1

	if err != nil && IsParamRejection(err) && req.HasSamplingParams() {
		c.logger.Debug().Str("model", opts.Model).Err(err).Msg("provider rejected sampling param, retrying bare")
		m.ParamsRejected = true
		m.Attempts++
		resp, err = c.provider.Generate(ctx, req.StripSamplingParams())
	}

	if err == nil && opts.ParseCallback != nil {
		if perr := opts.ParseCallback(resp.Text); perr != nil {
			if opts.ResponseFormat == "json_object" && len(req.StopSequences) > 0 && IsTruncationError(perr) {
				c.logger.Debug().Str("model", opts.Model).Err(perr).Msg("truncated json with stops, retrying without stop sequences")
				m.StopFallback = true
				m.Attempts++
				bare := req
				bare.StopSequences = nil
				resp, err = c.provider.Generate(ctx, bare)
				if err == nil {
					if perr2 := opts.ParseCallback(resp.Text); perr2 != nil {
						err = &ValidationError{Message: perr2.Error()}
					}
				}
			} else {
				err = &ValidationError{Message: perr.Error()}
			}
		}
	}

	m.LatencyMS = timeNow().Sub(start).Milliseconds()
	if err != nil {
		m.Status = string(Classify(err))
	} else {
		m.Status = "ok"
		m.PromptTokens = resp.PromptTokens
		m.CompletionTokens = resp.CompletionTokens
		m.TotalTokens = resp.TotalTokens
		m.FinishReason = resp.FinishReason
	}
	c.metrics.RecordCall(m)
	return resp, err
}
