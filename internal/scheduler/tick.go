package scheduler

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/verselab/triptych/internal/job"
	"github.com/verselab/triptych/internal/kv"
	"github.com/verselab/triptych/internal/llm"
	"github.com/verselab/triptych/internal/threadstate"
)

// RunTick executes one scheduling tick for a thread. Returns a nil result
// when the per-job lock is held elsewhere.
func (s *Scheduler) RunTick(ctx context.Context, threadID string) (*TickResult, error) {
	lock, ok, err := kv.AcquireLock(ctx, s.kvStore, "tick:"+threadID, tickLockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.logger.Debug().Str("thread", threadID).Msg("tick lock held elsewhere")
		return nil, nil
	}
	lock.StartHeartbeat(ctx, heartbeatInterval)
	defer func() {
		if released, rerr := lock.Release(ctx); rerr == nil && !released {
			s.logger.Warn().Str("thread", threadID).Msg("tick lock lost to ttl expiry")
		}
	}()

	res := &TickResult{Acquired: true}

	if _, allowed := s.limiter.Allow(threadID); !allowed {
		s.logger.Debug().Str("thread", threadID).Msg("per-thread tick rate limit exhausted")
		res.RateLimited = true
		return res, nil
	}

	// A budget under a second cannot fit a single LLM round trip; claiming
	// work would only requeue it untouched.
	if s.cfg.EnableTickTimeSlicing && s.cfg.TickDeadline < time.Second {
		s.logger.Warn().Str("thread", threadID).Dur("budget", s.cfg.TickDeadline).Msg("tick budget below minimum, no work started")
		return res, nil
	}

	picked, err := s.pickWork(ctx, threadID)
	if err != nil {
		return nil, err
	}
	res.Picked = picked
	if len(picked) == 0 {
		return s.finishTick(ctx, threadID, res, nil)
	}

	// Pre-warm the recipe bundle once so parallel chunk workers all hit the
	// cache.
	bundle, err := s.recipes.GetOrCreate(ctx, threadID)
	if err != nil {
		if uerr := s.unpick(ctx, threadID, picked); uerr != nil {
			s.logger.Error().Str("thread", threadID).Err(uerr).Msg("failed to requeue chunks after recipe failure")
		}
		return nil, err
	}

	// The deadline is a plain value, never a context cancellation: an
	// in-flight provider call is bounded only by the provider's own
	// timeout, and slicing must not surface as a call error.
	var deadline time.Time
	if s.cfg.EnableTickTimeSlicing {
		deadline = timeNow().Add(s.cfg.TickDeadline)
	}

	outcomes := make([]chunkOutcome, len(picked))
	var g errgroup.Group
	g.SetLimit(s.cfg.ChunkConcurrency)
	for oi, chunkIdx := range picked {
		g.Go(func() error {
			outcomes[oi] = s.processChunk(ctx, threadID, chunkIdx, bundle, deadline)
			return nil
		})
	}
	_ = g.Wait()

	return s.finishTick(ctx, threadID, res, outcomes)
}

// pickWork reconciles the job and claims up to the configured number of
// queued chunks, transitioning them to processing.
func (s *Scheduler) pickWork(ctx context.Context, threadID string) ([]int, error) {
	var picked []int
	_, err := threadstate.UpdateWithRetry(ctx, s.states, threadID, func(st *threadstate.State) error {
		picked = picked[:0]
		j := st.Job
		if j == nil {
			return fmt.Errorf("thread %s has no translation job", threadID)
		}

		// Stale claims from an interrupted tick go back on the queue; the
		// lock guarantees no other tick is running now.
		for _, idx := range j.Active {
			if c := j.Chunks[idx]; c != nil && c.Status == job.ChunkProcessing {
				c.Status = job.ChunkQueued
			}
		}
		j.Queue = append(j.Queue, j.Active...)
		j.Active = nil
		j.Reconcile()

		if problems := j.CheckInvariants(); len(problems) > 0 {
			if s.DevMode {
				panic(fmt.Sprintf("job invariants violated: %v", problems))
			}
			for _, p := range problems {
				s.logger.Error().Str("thread", threadID).Str("violation", p).Msg("job invariant violated")
			}
		}

		limit := j.MaxConcurrent - len(j.Active)
		if j.MaxChunksPerTick < limit {
			limit = j.MaxChunksPerTick
		}
		if s.cfg.MaxStanzasPerTick < limit {
			limit = s.cfg.MaxStanzasPerTick
		}

		now := timeNow()
		var rest []int
		for _, idx := range j.Queue {
			c := j.Chunks[idx]
			if len(picked) < limit && c != nil && (c.NextRetryAt == nil || !now.Before(*c.NextRetryAt)) {
				c.Status = job.ChunkProcessing
				if c.StartedAt == nil {
					t := now.UTC()
					c.StartedAt = &t
				}
				picked = append(picked, idx)
				continue
			}
			rest = append(rest, idx)
		}
		j.Queue = rest
		if j.Queue == nil {
			j.Queue = []int{}
		}
		j.Active = append(j.Active, picked...)

		if len(picked) > 0 && j.Status == job.StatusPending {
			j.Status = job.StatusProcessing
			t := now.UTC()
			j.StartedAt = &t
		}
		j.UpdatedAt = now.UTC()
		return nil
	})
	return picked, err
}

// unpick returns claimed chunks to the queue after a pre-processing failure.
func (s *Scheduler) unpick(ctx context.Context, threadID string, picked []int) error {
	_, err := threadstate.UpdateWithRetry(ctx, s.states, threadID, func(st *threadstate.State) error {
		j := st.Job
		for _, idx := range picked {
			if c := j.Chunks[idx]; c != nil && c.Status == job.ChunkProcessing {
				c.Status = job.ChunkQueued
			}
		}
		j.Queue = append(j.Queue, j.Active...)
		j.Active = nil
		j.Reconcile()
		return nil
	})
	return err
}

// finishTick applies chunk outcomes, runs the auto-retry pass, and updates
// the job-level status.
func (s *Scheduler) finishTick(ctx context.Context, threadID string, res *TickResult, outcomes []chunkOutcome) (*TickResult, error) {
	_, err := threadstate.UpdateWithRetry(ctx, s.states, threadID, func(st *threadstate.State) error {
		j := st.Job
		now := timeNow()
		for _, out := range outcomes {
			c := j.Chunks[out.index]
			if c == nil {
				continue
			}
			switch {
			case out.interrupted:
				// Keep processing and claimed; the next tick requeues it.
				res.Interrupted = true
			case out.completed:
				s.closeChunk(c, now)
			case out.retryable:
				c.Retries++
				if c.Retries >= c.MaxRetries {
					c.Status = job.ChunkFailed
					c.Error = out.errMsg
					recordFailedLine(c, out, now)
					j.LastError = out.errMsg
				} else {
					c.Status = job.ChunkQueued
					t := now.Add(lineRetryDelay(c.Retries)).UTC()
					c.NextRetryAt = &t
				}
			case out.failed:
				c.Status = job.ChunkFailed
				c.Error = out.errMsg
				recordFailedLine(c, out, now)
				j.LastError = out.errMsg
			}
		}
		j.Reconcile()
		j.UpdatedAt = now.UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.autoRetry(ctx, threadID); err != nil {
		s.logger.Warn().Str("thread", threadID).Err(err).Msg("auto-retry pass failed")
	}

	_, err = threadstate.UpdateWithRetry(ctx, s.states, threadID, func(st *threadstate.State) error {
		j := st.Job
		j.Reconcile()
		if j.IsComplete() {
			allOK := true
			for _, c := range j.Chunks {
				if c.Status != job.ChunkCompleted {
					allOK = false
					break
				}
			}
			if allOK {
				j.Status = job.StatusCompleted
			} else {
				j.Status = job.StatusFailed
			}
			if j.CompletedAt == nil {
				t := timeNow().UTC()
				j.CompletedAt = &t
			}
		}
		res.JobStatus = j.Status
		res.Complete = j.IsComplete()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// closeChunk finalizes a fully processed chunk: completed when every line is
// translated, failed when any line failed, left processing when lines are
// still missing.
func (s *Scheduler) closeChunk(c *job.ChunkState, now time.Time) {
	if len(c.Lines) < c.TotalLines {
		c.Status = job.ChunkProcessing
		return
	}
	for _, l := range c.Lines {
		if l.TranslationStatus == job.LineFailed {
			c.Status = job.ChunkFailed
			c.Error = l.Quality.Reason
			return
		}
	}
	c.Status = job.ChunkCompleted
	t := now.UTC()
	c.CompletedAt = &t
}

// recordFailedLine persists the line a failing chunk was working on, carrying
// the error code so the auto-retry pass can find it. No-op when every line is
// already stored (the failure was recorded at the line level).
func recordFailedLine(c *job.ChunkState, out chunkOutcome, now time.Time) {
	i := len(c.Lines)
	if i >= c.TotalLines || i >= len(c.SourceLines) {
		return
	}
	code := out.errCode
	if code == "" {
		code = llm.CodeUnknown
	}
	c.Lines = append(c.Lines, job.LineState{
		LineNumber:        c.LineOffset + i,
		OriginalText:      c.SourceLines[i],
		TranslationStatus: job.LineFailed,
		AlignmentStatus:   job.AlignPending,
		ErrorCode:         string(code),
		Quality:           job.QualityMetadata{Reason: out.errMsg},
		UpdatedAt:         now.UTC(),
	})
	c.LinesProcessed = len(c.Lines)
}
