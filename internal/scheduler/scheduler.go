// Package scheduler runs translation ticks: it claims the per-job lock,
// reconciles the job document, picks chunks, drives the per-line pipeline
// (generate, gate, regenerate, validate), and keeps the job status current.
package scheduler

import (
	"context"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/rs/zerolog"

	"github.com/verselab/triptych/internal/config"
	"github.com/verselab/triptych/internal/generator"
	"github.com/verselab/triptych/internal/job"
	"github.com/verselab/triptych/internal/kv"
	"github.com/verselab/triptych/internal/llm"
	"github.com/verselab/triptych/internal/recipe"
	"github.com/verselab/triptych/internal/regen"
	"github.com/verselab/triptych/internal/threadstate"
)

// for testing purposes
var timeNow = time.Now

const (
	tickLockTTL       = 600 * time.Second
	heartbeatInterval = tickLockTTL / 3
	maxLineRetryDelay = 30 * time.Second
	baseLineRetry     = 2 * time.Second
)

// LineGenerator produces the three variants of a line.
type LineGenerator interface {
	Generate(ctx context.Context, lc generator.LineContext) (generator.Result, error)
}

// LineRegenerator replaces the worst variant after a gate failure.
type LineRegenerator interface {
	Regenerate(ctx context.Context, in regen.Input) (regen.Output, error)
}

// RecipeSource resolves the recipe bundle for a thread.
type RecipeSource interface {
	GetOrCreate(ctx context.Context, threadID string) (*recipe.Bundle, error)
}

// Scheduler owns tick execution for translation jobs.
type Scheduler struct {
	states  threadstate.Store
	kvStore kv.Store
	recipes RecipeSource
	gen     LineGenerator
	regen   LineRegenerator
	caps    *llm.CapabilityTable
	cfg     config.Config
	limiter *catrate.Limiter
	logger  zerolog.Logger

	// DevMode makes invariant violations panic instead of logging.
	DevMode bool
}

func New(states threadstate.Store, kvStore kv.Store, recipes RecipeSource, gen LineGenerator, rg LineRegenerator, caps *llm.CapabilityTable, cfg config.Config, limiter *catrate.Limiter, logger zerolog.Logger) *Scheduler {
	if caps == nil {
		caps = llm.DefaultCapabilities()
	}
	return &Scheduler{
		states:  states,
		kvStore: kvStore,
		recipes: recipes,
		gen:     gen,
		regen:   rg,
		caps:    caps,
		cfg:     cfg,
		limiter: limiter,
		logger:  logger,
	}
}

// TickResult reports what one tick did.
type TickResult struct {
	Acquired    bool
	RateLimited bool
	Picked      []int
	Interrupted bool
	JobStatus   job.Status
	Complete    bool
}

// modelFor resolves the generation model for a job.
func (s *Scheduler) modelFor(j *job.Job) string {
	if m := j.GuidePreferences.TranslationModel; m != "" {
		return m
	}
	return s.cfg.Provider.Model
}

// lineRetryDelay is the chunk requeue delay after a retryable line error.
func lineRetryDelay(retries int) time.Duration {
	d := baseLineRetry << retries
	if d > maxLineRetryDelay || d <= 0 {
		return maxLineRetryDelay
	}
	return d
}
