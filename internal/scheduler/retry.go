package scheduler

import (
	"context"
	"time"

	"github.com/verselab/triptych/internal/job"
	"github.com/verselab/triptych/internal/threadstate"
)

const (
	maxLineRetries = 3
	maxRetryDelay  = 60 * time.Second
	baseRetryDelay = 5 * time.Second
)

// retryEligible reports whether a failed line has backed off long enough.
func retryEligible(l job.LineState, now time.Time) bool {
	if l.TranslationStatus != job.LineFailed || l.RetryCount >= maxLineRetries {
		return false
	}
	delay := baseRetryDelay << l.RetryCount
	if delay > maxRetryDelay || delay <= 0 {
		delay = maxRetryDelay
	}
	return now.Sub(l.UpdatedAt) >= delay
}

// autoRetry rescans every chunk for failed lines whose backoff has elapsed
// and reruns the line pipeline for them, one at a time to respect upstream
// rate limits.
func (s *Scheduler) autoRetry(ctx context.Context, threadID string) error {
	state, _, err := s.states.Load(ctx, threadID)
	if err != nil {
		return err
	}
	j := state.Job
	if j == nil {
		return nil
	}

	now := timeNow()
	type target struct{ chunkIdx, lineIdx int }
	var targets []target
	for _, chunkIdx := range j.ChunkIndices() {
		for li, l := range j.Chunks[chunkIdx].Lines {
			if retryEligible(l, now) {
				targets = append(targets, target{chunkIdx, li})
			}
		}
	}
	if len(targets) == 0 {
		return nil
	}

	bundle, err := s.recipes.GetOrCreate(ctx, threadID)
	if err != nil {
		return err
	}

	for _, tg := range targets {
		chunk := j.Chunks[tg.chunkIdx]
		prior := chunk.Lines[tg.lineIdx]

		// No tick budget here: the retry pass is already bounded by its
		// sequential, once-per-tick shape.
		line, lerr := s.translateLine(ctx, state, chunk, tg.lineIdx, bundle, time.Time{})
		if lerr != nil {
			s.logger.Debug().Str("thread", threadID).Int("line", prior.LineNumber).Err(lerr).Msg("line auto-retry failed")
			continue
		}
		line.RetryCount = prior.RetryCount + 1

		if err := s.persistLine(ctx, threadID, tg.chunkIdx, line); err != nil {
			return err
		}
		if line.TranslationStatus == job.LineTranslated {
			s.logger.Info().Str("thread", threadID).Int("line", prior.LineNumber).Int("retry", line.RetryCount).Msg("line recovered by auto-retry")
		}
	}

	// A recovered line may leave its chunk with no failures; flip those
	// chunks back to completed so the job can finish.
	_, err = threadstate.UpdateWithRetry(ctx, s.states, threadID, func(st *threadstate.State) error {
		now := timeNow()
		for _, tg := range targets {
			c := st.Job.Chunks[tg.chunkIdx]
			if c == nil || c.Status != job.ChunkFailed || len(c.Lines) < c.TotalLines {
				continue
			}
			clean := true
			for _, l := range c.Lines {
				if l.TranslationStatus == job.LineFailed {
					clean = false
					break
				}
			}
			if clean {
				c.Status = job.ChunkCompleted
				c.Error = ""
				t := now.UTC()
				c.CompletedAt = &t
			}
		}
		return nil
	})
	return err
}
