package llm

import "sync"

// CallMetrics is the per-call record surfaced to the instrumentation hook.
type CallMetrics struct {
	Model            string
	LatencyMS        int64
	Status           string // "ok" or the error code
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	FinishReason     string
	ParamsRejected   bool
	StopFallback     bool
	Attempts         int
}

// Recorder receives one CallMetrics per provider call sequence.
type Recorder interface {
	RecordCall(m CallMetrics)
}

// NopRecorder discards metrics.
type NopRecorder struct{}

func (NopRecorder) RecordCall(CallMetrics) {}

// Counters is an in-process Recorder aggregating totals for the worker's
// shutdown report.
type Counters struct {
	mu sync.Mutex

	Calls            int64
	Failures         int64
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	ParamsRejected   int64
	StopFallbacks    int64
}

func (c *Counters) RecordCall(m CallMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls++
	if m.Status != "ok" {
		c.Failures++
	}
	c.PromptTokens += int64(m.PromptTokens)
	c.CompletionTokens += int64(m.CompletionTokens)
	c.TotalTokens += int64(m.TotalTokens)
	if m.ParamsRejected {
		c.ParamsRejected++
	}
	if m.StopFallback {
		c.StopFallbacks++
	}
}

// Snapshot returns a copy of the aggregated totals.
func (c *Counters) Snapshot() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Counters{
		Calls:            c.Calls,
		Failures:         c.Failures,
		PromptTokens:     c.PromptTokens,
		CompletionTokens: c.CompletionTokens,
		TotalTokens:      c.TotalTokens,
		ParamsRejected:   c.ParamsRejected,
		StopFallbacks:    c.StopFallbacks,
	}
}
