package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/verselab/triptych/internal/anchorcheck"
	"github.com/verselab/triptych/internal/gate"
	"github.com/verselab/triptych/internal/generator"
	"github.com/verselab/triptych/internal/job"
	"github.com/verselab/triptych/internal/llm"
	"github.com/verselab/triptych/internal/recipe"
	"github.com/verselab/triptych/internal/regen"
	"github.com/verselab/triptych/internal/threadstate"
)

// chunkOutcome is the per-chunk result of one tick's processing.
type chunkOutcome struct {
	index       int
	completed   bool
	interrupted bool
	failed      bool
	retryable   bool
	errCode     llm.Code
	errMsg      string
	linesDone   int
}

// processChunk walks a chunk's remaining lines sequentially, persisting each
// finished line before starting the next. The tick deadline is checked
// between lines, never imposed on a call in flight.
func (s *Scheduler) processChunk(ctx context.Context, threadID string, chunkIdx int, bundle *recipe.Bundle, deadline time.Time) chunkOutcome {
	out := chunkOutcome{index: chunkIdx}

	state, _, err := s.states.Load(ctx, threadID)
	if err != nil {
		out.failed = true
		out.errMsg = err.Error()
		return out
	}
	chunk := state.Job.Chunks[chunkIdx]
	if chunk == nil {
		out.failed = true
		out.errMsg = fmt.Sprintf("chunk %d missing from job", chunkIdx)
		return out
	}

	for i := len(chunk.Lines); i < len(chunk.SourceLines); i++ {
		if tickDeadlineExceeded(ctx, deadline) {
			out.interrupted = true
			return out
		}

		text := chunk.SourceLines[i]
		var line job.LineState
		if strings.TrimSpace(text) == "" {
			line = blankLine(chunk, i)
		} else {
			line, err = s.translateLine(ctx, state, chunk, i, bundle, deadline)
			if err != nil {
				// A failure after the budget ran out is an interruption,
				// not a retry: the chunk stays claimed and the line is
				// reattempted next tick with its budget intact.
				if tickDeadlineExceeded(ctx, deadline) {
					out.interrupted = true
					return out
				}
				code := llm.Classify(err)
				out.errCode = code
				out.errMsg = err.Error()
				if code.Retryable() {
					out.retryable = true
				} else {
					out.failed = true
				}
				return out
			}
		}

		if err := s.persistLine(ctx, threadID, chunkIdx, line); err != nil {
			out.failed = true
			out.errMsg = err.Error()
			return out
		}
		out.linesDone++
	}

	out.completed = true
	return out
}

func blankLine(chunk *job.ChunkState, i int) job.LineState {
	return job.LineState{
		LineNumber:        chunk.LineOffset + i,
		OriginalText:      chunk.SourceLines[i],
		TranslationStatus: job.LineTranslated,
		AlignmentStatus:   job.AlignAligned,
		UpdatedAt:         timeNow().UTC(),
	}
}

// translateLine runs the generate / gate / regenerate / validate pipeline for
// one line. Validation failures are repaired in place, by regeneration or by
// a degraded fallback; transport errors come back as errors for
// classification.
func (s *Scheduler) translateLine(ctx context.Context, state *threadstate.State, chunk *job.ChunkState, i int, bundle *recipe.Bundle, deadline time.Time) (job.LineState, error) {
	text := chunk.SourceLines[i]
	model := s.modelFor(state.Job)
	mode := state.Mode()
	targetLang := state.GuideAnswers.TargetLanguage.Lang
	anchors := state.PoemAnalysis.Anchors

	lc := generator.LineContext{
		Line:       text,
		PrevLine:   neighbor(chunk.SourceLines, i-1),
		NextLine:   neighbor(chunk.SourceLines, i+1),
		SourceLang: state.PoemAnalysis.Language,
		TargetLang: targetLang,
		Poem:       state.RawPoem,
		Anchors:    anchors,
		Bundle:     bundle,
		Mode:       mode,
		Model:      model,
	}
	res, err := s.gen.Generate(ctx, lc)
	if err != nil {
		return job.LineState{}, err
	}

	line := job.LineState{
		LineNumber:        chunk.LineOffset + i,
		OriginalText:      text,
		Translations:      res.Variants,
		ModelUsed:         res.ModelUsed,
		TranslationStatus: job.LineTranslated,
		AlignmentStatus:   job.AlignPending,
		UpdatedAt:         timeNow().UTC(),
	}
	degraded := map[recipe.Label]bool{}
	for _, l := range res.Degraded {
		degraded[l] = true
	}
	line.Quality.Degraded = len(res.Degraded) > 0

	gres := gate.Check(gate.Input{
		Variants:   [3]string{res.Variants[0].Text, res.Variants[1].Text, res.Variants[2].Text},
		TargetLang: targetLang,
		Mode:       mode,
		SourceText: text,
	})
	line.Quality.GateChecked = true
	line.Quality.GatePassed = gres.Pass

	restricted := s.caps.IsRestricted(model)
	k := s.cfg.RegenKFor(restricted)
	if mode == recipe.ModeFocused {
		k = 1
	}
	regenInput := func(worst int, reason string) regen.Input {
		return regen.Input{
			Variants:        line.Translations,
			WorstIndex:      worst,
			Line:            text,
			PrevLine:        lc.PrevLine,
			NextLine:        lc.NextLine,
			SourceLang:      lc.SourceLang,
			TargetLang:      targetLang,
			Mode:            mode,
			Bundle:          bundle,
			Anchors:         anchors,
			GateReason:      reason,
			Model:           model,
			K:               k,
			Concurrency:     s.cfg.RegenConcurrencyFor(restricted),
			MaxOutputTokens: s.cfg.RegenMaxOutputTokens,
			UseN:            s.caps.Lookup(model).SupportsN,
			Deadline:        deadline,
		}
	}

	if !gres.Pass {
		rout, err := s.regen.Regenerate(ctx, regenInput(gres.WorstIndex, gres.Reason))
		if err != nil {
			return job.LineState{}, err
		}
		line.Translations[gres.WorstIndex] = rout.Variant
		delete(degraded, recipe.Labels[gres.WorstIndex])
		line.Quality.Degraded = rout.Degraded || len(degraded) > 0
		line.Quality.Reason = gres.Reason
		line.Quality.RegenRounds = 1
		if rout.Degraded {
			degraded[recipe.Labels[gres.WorstIndex]] = true
		}
	}

	if vi, verr := s.validateLine(&line, anchors, mode, bundle, targetLang, degraded); verr != nil {
		// One targeted regeneration round against the reported constraint;
		// when no candidate survives, a degraded copy of the source stands
		// in so the line never fails on validation alone.
		rout, rerr := s.regen.Regenerate(ctx, regenInput(vi, verr.Error()))
		if rerr == nil && !rout.Degraded {
			line.Translations[vi] = rout.Variant
			line.Quality.RegenRounds++
			vi, verr = s.validateLine(&line, anchors, mode, bundle, targetLang, degraded)
		}
		if verr != nil {
			v := &line.Translations[vi]
			v.Text = text
			v.AnchorRealizations = nil
			v.SelfReport = job.SelfReport{}
			degraded[recipe.Label(v.Label)] = true
			line.Quality.Degraded = true
			line.Quality.Reason = verr.Error()
		}
	}
	return line, nil
}

// validateLine applies anchor and self-report validation to the three
// variants, returning the index of the first offending variant. Degraded
// fallback variants are exempt; they already carry the degraded flag for
// downstream display.
func (s *Scheduler) validateLine(line *job.LineState, anchors []anchorcheck.Anchor, mode recipe.Mode, bundle *recipe.Bundle, targetLang string, degraded map[recipe.Label]bool) (int, error) {
	var plan *recipe.StancePlan
	if r, ok := bundle.RecipeFor(recipe.LabelC); ok {
		plan = r.StancePlan
	}
	for vi := range line.Translations {
		v := &line.Translations[vi]
		label := recipe.Label(v.Label)
		if degraded[label] {
			continue
		}
		if len(anchors) > 0 {
			if err := anchorcheck.ValidateRealizations(*v, anchors, targetLang); err != nil {
				return vi, err
			}
			if label == recipe.LabelB {
				if err := anchorcheck.ValidateImageShift(*v, anchors); err != nil {
					return vi, err
				}
			}
		}
		if label == recipe.LabelC {
			// The locally computed subject form wins over the model's claim.
			v.SelfReport.SubjectFormUsed = string(anchorcheck.ComputeSubjectForm(v.Text, targetLang))
			if err := anchorcheck.ValidateWorldShift(*v, mode, plan); err != nil {
				return vi, err
			}
		}
	}
	return -1, nil
}

// persistLine appends the finished line to its chunk via the optimistic
// patch path.
func (s *Scheduler) persistLine(ctx context.Context, threadID string, chunkIdx int, line job.LineState) error {
	_, err := threadstate.UpdateWithRetry(ctx, s.states, threadID, func(st *threadstate.State) error {
		chunk := st.Job.Chunks[chunkIdx]
		if chunk == nil {
			return fmt.Errorf("chunk %d missing from job", chunkIdx)
		}
		idx := line.LineNumber - chunk.LineOffset
		if idx < len(chunk.Lines) {
			chunk.Lines[idx] = line
		} else {
			chunk.Lines = append(chunk.Lines, line)
		}
		chunk.LinesProcessed = len(chunk.Lines)
		st.Job.UpdatedAt = timeNow().UTC()
		return nil
	})
	return err
}

func neighbor(lines []string, i int) string {
	if i < 0 || i >= len(lines) {
		return ""
	}
	return lines[i]
}

// tickDeadlineExceeded reports whether the tick budget is spent. A zero
// deadline means slicing is off.
func tickDeadlineExceeded(ctx context.Context, deadline time.Time) bool {
	if ctx.Err() != nil {
		return true
	}
	return !deadline.IsZero() && timeNow().After(deadline)
}
