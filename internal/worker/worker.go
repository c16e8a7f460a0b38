// Package worker runs the polling loop that drains the two queues: alignment
// jobs first, up to the configured concurrency, then one translation tick.
// Incomplete jobs go back on the queue after a short delay so a single worker
// makes steady progress across many threads.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/verselab/triptych/internal/config"
	"github.com/verselab/triptych/internal/job"
	"github.com/verselab/triptych/internal/queue"
	"github.com/verselab/triptych/internal/scheduler"
	"github.com/verselab/triptych/internal/threadstate"
)

const (
	requeueDelay      = time.Second
	requeueErrorDelay = 5 * time.Second
)

// Ticker runs one scheduling tick for a thread.
type Ticker interface {
	RunTick(ctx context.Context, threadID string) (*scheduler.TickResult, error)
}

// LineAligner processes one alignment job.
type LineAligner interface {
	Process(ctx context.Context, aj *queue.AlignmentJob) error
}

// Snapshotter persists queue and flag state across restarts.
type Snapshotter interface {
	SaveSnapshot(path string) error
}

// Worker owns the queue-draining loop.
type Worker struct {
	cfg      config.Config
	tq       *queue.TranslationQueue
	aq       *queue.AlignmentQueue
	ticker   Ticker
	aligner  LineAligner
	states   threadstate.Store
	snapshot Snapshotter
	logger   zerolog.Logger

	wg sync.WaitGroup
}

func New(cfg config.Config, tq *queue.TranslationQueue, aq *queue.AlignmentQueue, ticker Ticker, aligner LineAligner, states threadstate.Store, snapshot Snapshotter, logger zerolog.Logger) *Worker {
	return &Worker{
		cfg:      cfg,
		tq:       tq,
		aq:       aq,
		ticker:   ticker,
		aligner:  aligner,
		states:   states,
		snapshot: snapshot,
		logger:   logger,
	}
}

// Run polls until the context is canceled, then waits for in-flight work and
// saves the kv snapshot. Panics inside a unit of work are recovered and
// logged; they never take the loop down.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Dur("poll", w.cfg.PollInterval).Msg("worker started")
	tick := time.NewTicker(w.cfg.PollInterval)
	defer tick.Stop()

	for {
		w.Poll(ctx)
		select {
		case <-ctx.Done():
			w.wg.Wait()
			if w.snapshot != nil && w.cfg.SnapshotPath != "" {
				if err := w.snapshot.SaveSnapshot(w.cfg.SnapshotPath); err != nil {
					w.logger.Error().Err(err).Str("path", w.cfg.SnapshotPath).Msg("kv snapshot save failed")
				} else {
					w.logger.Info().Str("path", w.cfg.SnapshotPath).Msg("kv snapshot saved")
				}
			}
			w.logger.Info().Msg("worker stopped")
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// Poll drains pending alignment jobs, then runs at most one translation tick.
// Exported for tests and for single-shot CLI invocations.
func (w *Worker) Poll(ctx context.Context) {
	if w.pollAlignments(ctx) {
		return
	}
	w.pollTranslation(ctx)
}

// pollAlignments processes up to AlignmentConcurrency jobs in parallel.
// Returns true when it found any, so translation yields this round.
func (w *Worker) pollAlignments(ctx context.Context) bool {
	jobs := make([]*queue.AlignmentJob, 0, w.cfg.AlignmentConcurrency)
	for len(jobs) < w.cfg.AlignmentConcurrency {
		aj, ok, err := w.aq.Dequeue(ctx)
		if err != nil {
			w.logger.Error().Err(err).Msg("alignment dequeue failed")
			break
		}
		if !ok {
			break
		}
		jobs = append(jobs, aj)
	}
	if len(jobs) == 0 {
		return false
	}

	var wg sync.WaitGroup
	for _, aj := range jobs {
		wg.Add(1)
		w.wg.Add(1)
		go func() {
			defer wg.Done()
			defer w.wg.Done()
			defer func() { _ = w.aq.Deactivate(ctx, aj.ThreadID, aj.LineIndex) }()
			if err := w.safely(func() error { return w.aligner.Process(ctx, aj) }); err != nil {
				w.logger.Error().Str("thread", aj.ThreadID).Int("line", aj.LineIndex).Err(err).Msg("alignment job failed")
			}
		}()
	}
	wg.Wait()
	return true
}

func (w *Worker) pollTranslation(ctx context.Context) {
	threadID, ok, err := w.tq.Dequeue(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("translation dequeue failed")
		return
	}
	if !ok {
		return
	}

	w.wg.Add(1)
	defer w.wg.Done()

	var res *scheduler.TickResult
	err = w.safely(func() error {
		var terr error
		res, terr = w.ticker.RunTick(ctx, threadID)
		return terr
	})
	switch {
	case err != nil:
		w.logger.Error().Str("thread", threadID).Err(err).Msg("tick failed")
		w.requeueAfter(ctx, threadID, requeueErrorDelay)
	case res == nil:
		// Another worker holds the tick lock; check back shortly.
		w.requeueAfter(ctx, threadID, requeueDelay)
	default:
		w.enqueuePendingAlignments(ctx, threadID)
		if !res.Complete {
			w.requeueAfter(ctx, threadID, requeueDelay)
		} else {
			if err := w.tq.Deactivate(ctx, threadID); err != nil {
				w.logger.Error().Str("thread", threadID).Err(err).Msg("translation deactivate failed")
			}
			w.logger.Info().Str("thread", threadID).Str("status", string(res.JobStatus)).Msg("translation job finished")
		}
	}
}

// enqueuePendingAlignments scans the thread for translated lines still
// awaiting alignment and feeds them to the alignment queue. The queue's
// active flags absorb duplicates across polls.
func (w *Worker) enqueuePendingAlignments(ctx context.Context, threadID string) {
	state, _, err := w.states.Load(ctx, threadID)
	if err != nil {
		w.logger.Error().Str("thread", threadID).Err(err).Msg("load for alignment scan failed")
		return
	}
	if state.Job == nil {
		return
	}
	for _, idx := range state.Job.ChunkIndices() {
		c := state.Job.Chunks[idx]
		for _, l := range c.Lines {
			if l.TranslationStatus != job.LineTranslated || l.AlignmentStatus != job.AlignPending {
				continue
			}
			if _, err := w.aq.Enqueue(ctx, threadID, idx, l.LineNumber); err != nil {
				w.logger.Error().Str("thread", threadID).Int("line", l.LineNumber).Err(err).Msg("alignment enqueue failed")
			}
		}
	}
}

// requeueAfter puts the in-flight thread back on the translation queue once
// the delay elapses. Requeue bypasses the dedup flag the thread still holds.
// Shutdown cancels the wait; the kv snapshot preserves whatever was already
// queued.
func (w *Worker) requeueAfter(ctx context.Context, threadID string, delay time.Duration) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if err := w.tq.Requeue(ctx, threadID); err != nil && ctx.Err() == nil {
			w.logger.Error().Str("thread", threadID).Err(err).Msg("requeue failed")
		}
	}()
}

// safely runs fn, converting a panic into an error.
func (w *Worker) safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("recovered panic in worker")
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
