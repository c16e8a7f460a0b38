package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
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

type fakeGen struct {
	mu    sync.Mutex
	calls int
	fn    func(lc generator.LineContext) (generator.Result, error)
}

func (g *fakeGen) Generate(_ context.Context, lc generator.LineContext) (generator.Result, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	return g.fn(lc)
}

type fakeRegen struct {
	mu    sync.Mutex
	calls int
	fn    func(in regen.Input) (regen.Output, error)
}

func (r *fakeRegen) Regenerate(_ context.Context, in regen.Input) (regen.Output, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if r.fn == nil {
		return regen.Output{Variant: in.Variants[in.WorstIndex]}, nil
	}
	return r.fn(in)
}

type fakeRecipes struct{ bundle *recipe.Bundle }

func (f *fakeRecipes) GetOrCreate(context.Context, string) (*recipe.Bundle, error) {
	return f.bundle, nil
}

// fakeClock drives the package clock so deadline tests never sleep. Fake
// generators advance it to model slow provider calls.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func useFakeClock(t *testing.T) *fakeClock {
	t.Helper()
	c := &fakeClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	prev := timeNow
	timeNow = c.Now
	t.Cleanup(func() { timeNow = prev })
	return c
}

// diverseResult passes every gate check: distinct openers, bigrams, and low
// pairwise overlap.
func diverseResult(model string) generator.Result {
	return generator.Result{
		ModelUsed: model,
		Variants: []job.VariantResult{
			{Label: "A", Text: "Bajo la corriente duerme la manana.", Archetype: "essence_cut"},
			{Label: "B", Text: "La luz guarda un temblor de agua.", Archetype: "prismatic_reimagining",
				SelfReport: job.SelfReport{ImageShiftSummary: "light becomes a tremor held by water"}},
			{Label: "C", Text: "Amanece despacio sobre el cauce.", Archetype: "world_voice_transposition",
				SelfReport: job.SelfReport{WorldShiftSummary: "a slow riverside dawn", SubjectFormUsed: "impersonal"}},
		},
	}
}

func testBundle() *recipe.Bundle {
	b := recipe.StaticBundle("t1", recipe.ModeBalanced, "00ff00ff00ff00ff00ff00ff00ff00ff", time.Now())
	b.Recipes[2].StancePlan = &recipe.StancePlan{SubjectForm: recipe.SubjectImpersonal}
	return b
}

func seedThread(t *testing.T, states *threadstate.MemoryStore, poem string) {
	t.Helper()
	state := &threadstate.State{
		RawPoem: poem,
		GuideAnswers: threadstate.GuideAnswers{
			TranslationZone: "balanced",
			TargetLanguage:  threadstate.TargetLanguage{Lang: "es"},
		},
		PoemAnalysis: threadstate.PoemAnalysis{Language: "en"},
		Job:          job.New(poem, job.GuidePreferences{TranslationZone: "balanced", TargetLanguage: "es"}, time.Now()),
	}
	if err := states.Create(context.Background(), "t1", state); err != nil {
		t.Fatal(err)
	}
}

func newTestScheduler(gen *fakeGen, rg *fakeRegen, limiter *catrate.Limiter) (*Scheduler, *threadstate.MemoryStore, *kv.MemoryStore) {
	states := threadstate.NewMemoryStore()
	kvStore := kv.NewMemoryStore()
	cfg := config.Default()
	s := New(states, kvStore, &fakeRecipes{bundle: testBundle()}, gen, rg, llm.DefaultCapabilities(), cfg, limiter, zerolog.Nop())
	return s, states, kvStore
}

func TestRunTickHappyPathSingleChunk(t *testing.T) {
	gen := &fakeGen{fn: func(lc generator.LineContext) (generator.Result, error) {
		return diverseResult("gpt-4o"), nil
	}}
	rg := &fakeRegen{}
	s, states, _ := newTestScheduler(gen, rg, nil)
	seedThread(t, states, "The river holds the light.\nA heron waits.")

	res, err := s.RunTick(context.Background(), "t1")
	if err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	if res == nil || !res.Acquired {
		t.Fatal("tick did not acquire lock")
	}
	if len(res.Picked) != 1 {
		t.Fatalf("picked = %v, want one chunk", res.Picked)
	}
	if res.JobStatus != job.StatusCompleted {
		t.Fatalf("job status = %s, want completed", res.JobStatus)
	}
	if gen.calls != 2 {
		t.Errorf("generator calls = %d, want 2", gen.calls)
	}
	if rg.calls != 0 {
		t.Errorf("regen calls = %d, want 0", rg.calls)
	}

	state, _, err := states.Load(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	chunk := state.Job.Chunks[0]
	if chunk.Status != job.ChunkCompleted {
		t.Errorf("chunk status = %s", chunk.Status)
	}
	if chunk.LinesProcessed != 2 || len(chunk.Lines) != 2 {
		t.Errorf("linesProcessed = %d, lines = %d", chunk.LinesProcessed, len(chunk.Lines))
	}
	for _, l := range chunk.Lines {
		if l.TranslationStatus != job.LineTranslated {
			t.Errorf("line %d status = %s", l.LineNumber, l.TranslationStatus)
		}
		if len(l.Translations) != 3 {
			t.Errorf("line %d variants = %d", l.LineNumber, len(l.Translations))
		}
		if !l.Quality.GateChecked || !l.Quality.GatePassed {
			t.Errorf("line %d gate = %+v", l.LineNumber, l.Quality)
		}
		if l.AlignmentStatus != job.AlignPending {
			t.Errorf("line %d alignment = %s, want pending", l.LineNumber, l.AlignmentStatus)
		}
	}
	if problems := state.Job.CheckInvariants(); len(problems) > 0 {
		t.Errorf("invariants violated after tick: %v", problems)
	}
}

func TestRunTickGateFailureTriggersRegen(t *testing.T) {
	identical := generator.Result{
		ModelUsed: "gpt-4o",
		Variants: []job.VariantResult{
			{Label: "A", Text: "El rio espera."},
			{Label: "B", Text: "El rio espera.", SelfReport: job.SelfReport{ImageShiftSummary: "the river waits, shifted"}},
			{Label: "C", Text: "El rio espera.", SelfReport: job.SelfReport{WorldShiftSummary: "a waiting river world", SubjectFormUsed: "impersonal"}},
		},
	}
	gen := &fakeGen{fn: func(generator.LineContext) (generator.Result, error) {
		return identical, nil
	}}
	rg := &fakeRegen{fn: func(in regen.Input) (regen.Output, error) {
		label := recipe.Labels[in.WorstIndex]
		v := job.VariantResult{Label: string(label), Text: "Bajo el alba tiembla el agua."}
		switch label {
		case recipe.LabelB:
			v.SelfReport.ImageShiftSummary = "dawn trembles instead of waiting"
		case recipe.LabelC:
			v.SelfReport.WorldShiftSummary = "a trembling dawn world"
			v.SelfReport.SubjectFormUsed = "impersonal"
		}
		return regen.Output{Variant: v, Candidates: 1}, nil
	}}
	s, states, _ := newTestScheduler(gen, rg, nil)
	seedThread(t, states, "The river waits.")

	res, err := s.RunTick(context.Background(), "t1")
	if err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	if rg.calls != 1 {
		t.Fatalf("regen calls = %d, want 1", rg.calls)
	}
	if res.JobStatus != job.StatusCompleted {
		t.Fatalf("job status = %s", res.JobStatus)
	}

	state, _, _ := states.Load(context.Background(), "t1")
	line := state.Job.Chunks[0].Lines[0]
	if line.Quality.GatePassed {
		t.Error("gate should have failed")
	}
	if line.Quality.RegenRounds != 1 {
		t.Errorf("regen rounds = %d", line.Quality.RegenRounds)
	}
	replaced := false
	for _, v := range line.Translations {
		if v.Text == "Bajo el alba tiembla el agua." {
			replaced = true
		}
	}
	if !replaced {
		t.Error("regenerated variant not stored")
	}
}

// firstPersonResult passes the gate but puts variant C in first person, which
// balanced mode forbids.
func firstPersonResult(model string) generator.Result {
	return generator.Result{
		ModelUsed: model,
		Variants: []job.VariantResult{
			{Label: "A", Text: "Bajo la corriente duerme la manana.", Archetype: "essence_cut"},
			{Label: "B", Text: "La luz guarda un temblor de agua.", Archetype: "prismatic_reimagining",
				SelfReport: job.SelfReport{ImageShiftSummary: "light becomes a tremor held by water"}},
			{Label: "C", Text: "Yo camino despacio por la orilla.", Archetype: "world_voice_transposition",
				SelfReport: job.SelfReport{WorldShiftSummary: "a wanderer speaks from the bank", SubjectFormUsed: "impersonal"}},
		},
	}
}

func TestValidationFailureRegeneratesVariant(t *testing.T) {
	gen := &fakeGen{fn: func(generator.LineContext) (generator.Result, error) {
		return firstPersonResult("gpt-4o"), nil
	}}
	var captured regen.Input
	rg := &fakeRegen{fn: func(in regen.Input) (regen.Output, error) {
		captured = in
		return regen.Output{Variant: job.VariantResult{
			Label: "C", Text: "Amanece despacio sobre el cauce.",
			SelfReport: job.SelfReport{WorldShiftSummary: "a slow riverside dawn", SubjectFormUsed: "impersonal"},
		}, Candidates: 1}, nil
	}}
	s, states, _ := newTestScheduler(gen, rg, nil)
	seedThread(t, states, "The river waits.")

	res, err := s.RunTick(context.Background(), "t1")
	if err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	if rg.calls != 1 {
		t.Fatalf("regen calls = %d, want 1 for the invalid variant", rg.calls)
	}
	if captured.WorstIndex != 2 {
		t.Errorf("regen targeted index %d, want 2 (variant C)", captured.WorstIndex)
	}
	if !strings.Contains(captured.GateReason, "subject form") {
		t.Errorf("regen reason = %q, want the validation failure", captured.GateReason)
	}
	if res.JobStatus != job.StatusCompleted {
		t.Fatalf("job status = %s, want completed", res.JobStatus)
	}

	state, _, _ := states.Load(context.Background(), "t1")
	line := state.Job.Chunks[0].Lines[0]
	if line.TranslationStatus != job.LineTranslated {
		t.Fatalf("line status = %s, want translated after repair", line.TranslationStatus)
	}
	if line.Quality.RegenRounds != 1 {
		t.Errorf("regen rounds = %d, want 1", line.Quality.RegenRounds)
	}
	if got := line.Translations[2].Text; got != "Amanece despacio sobre el cauce." {
		t.Errorf("variant C = %q, want the regenerated text", got)
	}
	if line.Quality.Degraded {
		t.Error("repaired line must not be marked degraded")
	}
}

func TestValidationFallbackKeepsLineUsable(t *testing.T) {
	gen := &fakeGen{fn: func(generator.LineContext) (generator.Result, error) {
		return firstPersonResult("gpt-4o"), nil
	}}
	// The replacement is first person too, so the fallback must kick in.
	rg := &fakeRegen{fn: func(in regen.Input) (regen.Output, error) {
		return regen.Output{Variant: job.VariantResult{
			Label: "C", Text: "Yo sigo la orilla del agua.",
			SelfReport: job.SelfReport{WorldShiftSummary: "still a walking voice", SubjectFormUsed: "impersonal"},
		}, Candidates: 1}, nil
	}}
	s, states, _ := newTestScheduler(gen, rg, nil)
	seedThread(t, states, "The river waits.")

	res, err := s.RunTick(context.Background(), "t1")
	if err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	if rg.calls != 1 {
		t.Fatalf("regen calls = %d, want 1", rg.calls)
	}
	if res.JobStatus != job.StatusCompleted {
		t.Fatalf("job status = %s, want completed", res.JobStatus)
	}

	state, _, _ := states.Load(context.Background(), "t1")
	line := state.Job.Chunks[0].Lines[0]
	if line.TranslationStatus != job.LineTranslated {
		t.Fatalf("line status = %s, want translated with a fallback variant", line.TranslationStatus)
	}
	if got := line.Translations[2].Text; got != "The river waits." {
		t.Errorf("variant C = %q, want the source-text fallback", got)
	}
	if !line.Quality.Degraded {
		t.Error("fallback variant must mark the line degraded")
	}
	if !strings.Contains(line.Quality.Reason, "subject form") {
		t.Errorf("quality reason = %q, want the validation failure", line.Quality.Reason)
	}
}

func TestRunTickRetryableErrorRequeuesChunk(t *testing.T) {
	gen := &fakeGen{fn: func(generator.LineContext) (generator.Result, error) {
		return generator.Result{}, llm.ErrorFromHTTPStatus("openai", 429, "too many requests", nil)
	}}
	s, states, _ := newTestScheduler(gen, &fakeRegen{}, nil)
	seedThread(t, states, "The river waits.")

	res, err := s.RunTick(context.Background(), "t1")
	if err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	if res.JobStatus == job.StatusCompleted {
		t.Fatal("job should not complete")
	}

	state, _, _ := states.Load(context.Background(), "t1")
	chunk := state.Job.Chunks[0]
	if chunk.Status != job.ChunkQueued {
		t.Errorf("chunk status = %s, want queued", chunk.Status)
	}
	if chunk.Retries != 1 {
		t.Errorf("retries = %d, want 1", chunk.Retries)
	}
	if chunk.NextRetryAt == nil {
		t.Error("nextRetryAt not set")
	} else if d := time.Until(*chunk.NextRetryAt); d <= 0 || d > 30*time.Second {
		t.Errorf("nextRetryAt delay = %v", d)
	}
}

func TestRunTickNonRetryableErrorFailsChunk(t *testing.T) {
	gen := &fakeGen{fn: func(generator.LineContext) (generator.Result, error) {
		return generator.Result{}, llm.ErrorFromHTTPStatus("openai", 401, "invalid api key", nil)
	}}
	s, states, _ := newTestScheduler(gen, &fakeRegen{}, nil)
	seedThread(t, states, "The river waits.")

	res, err := s.RunTick(context.Background(), "t1")
	if err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	if res.JobStatus != job.StatusFailed {
		t.Errorf("job status = %s, want failed", res.JobStatus)
	}
	state, _, _ := states.Load(context.Background(), "t1")
	chunk := state.Job.Chunks[0]
	if chunk.Status != job.ChunkFailed {
		t.Errorf("chunk status = %s, want failed", chunk.Status)
	}
	if state.Job.LastError == "" {
		t.Error("job lastError not recorded")
	}
	// The failing line is persisted with its error code so the failure is
	// visible per line, not only on the chunk.
	if len(chunk.Lines) != 1 {
		t.Fatalf("lines stored = %d, want the failed line", len(chunk.Lines))
	}
	line := chunk.Lines[0]
	if line.TranslationStatus != job.LineFailed {
		t.Errorf("line status = %s, want failed", line.TranslationStatus)
	}
	if line.ErrorCode != string(llm.CodeAuthError) {
		t.Errorf("line error code = %q, want %q", line.ErrorCode, llm.CodeAuthError)
	}
}

func TestRunTickRetryExhaustionRecordsFailedLine(t *testing.T) {
	gen := &fakeGen{fn: func(generator.LineContext) (generator.Result, error) {
		return generator.Result{}, llm.ErrorFromHTTPStatus("openai", 503, "unavailable", nil)
	}}
	s, states, _ := newTestScheduler(gen, &fakeRegen{}, nil)
	seedThread(t, states, "The river waits.")

	ctx := context.Background()
	if _, err := threadstate.UpdateWithRetry(ctx, states, "t1", func(st *threadstate.State) error {
		st.Job.Chunks[0].Retries = 2
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	res, err := s.RunTick(ctx, "t1")
	if err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	if res.JobStatus != job.StatusFailed {
		t.Fatalf("job status = %s, want failed after exhausted retries", res.JobStatus)
	}

	state, _, _ := states.Load(ctx, "t1")
	chunk := state.Job.Chunks[0]
	if chunk.Status != job.ChunkFailed {
		t.Fatalf("chunk status = %s, want failed", chunk.Status)
	}
	if len(chunk.Lines) != 1 {
		t.Fatalf("lines stored = %d, want the failed line persisted", len(chunk.Lines))
	}
	line := chunk.Lines[0]
	if line.TranslationStatus != job.LineFailed {
		t.Errorf("line status = %s, want failed", line.TranslationStatus)
	}
	if line.ErrorCode != string(llm.CodeServerError) {
		t.Errorf("line error code = %q, want %q", line.ErrorCode, llm.CodeServerError)
	}
	if line.Quality.Reason == "" {
		t.Error("line quality reason not recorded")
	}
	if line.LineNumber != 0 || line.OriginalText != "The river waits." {
		t.Errorf("line identity = (%d, %q)", line.LineNumber, line.OriginalText)
	}
}

func TestRunTickLockHeldElsewhere(t *testing.T) {
	gen := &fakeGen{fn: func(generator.LineContext) (generator.Result, error) {
		return diverseResult("gpt-4o"), nil
	}}
	s, states, kvStore := newTestScheduler(gen, &fakeRegen{}, nil)
	seedThread(t, states, "The river waits.")

	ctx := context.Background()
	if ok, err := kvStore.SetIfAbsent(ctx, "tick:t1", "other-holder", time.Hour); err != nil || !ok {
		t.Fatal("pre-acquire failed")
	}
	res, err := s.RunTick(ctx, "t1")
	if err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	if res != nil {
		t.Fatalf("res = %+v, want nil when lock held", res)
	}
	if gen.calls != 0 {
		t.Errorf("generator calls = %d, want 0", gen.calls)
	}
}

func TestRunTickDeadlineInterruptsChunk(t *testing.T) {
	clock := useFakeClock(t)
	gen := &fakeGen{fn: func(generator.LineContext) (generator.Result, error) {
		clock.Advance(3 * time.Second)
		return diverseResult("gpt-4o"), nil
	}}
	s, states, _ := newTestScheduler(gen, &fakeRegen{}, nil)
	s.cfg.TickDeadline = 2 * time.Second
	seedThread(t, states, "one\ntwo\nthree\nfour\nfive\nsix")

	res, err := s.RunTick(context.Background(), "t1")
	if err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	if !res.Interrupted {
		t.Fatal("tick should report interruption")
	}
	state, _, _ := states.Load(context.Background(), "t1")
	chunk := state.Job.Chunks[0]
	if chunk.Status == job.ChunkCompleted {
		t.Error("chunk should not complete inside one budget")
	}
	if len(chunk.Lines) != 1 {
		t.Errorf("lines stored = %d, want the one finished before the budget ran out", len(chunk.Lines))
	}
	// Written work survives the interruption, and slicing never counts
	// against the chunk's retry budget.
	if chunk.LinesProcessed != len(chunk.Lines) {
		t.Errorf("linesProcessed = %d, lines = %d", chunk.LinesProcessed, len(chunk.Lines))
	}
	if chunk.Retries != 0 {
		t.Errorf("retries = %d, want 0 after interruption", chunk.Retries)
	}
}

func TestRunTickResumesInterruptedChunk(t *testing.T) {
	clock := useFakeClock(t)
	gen := &fakeGen{fn: func(generator.LineContext) (generator.Result, error) {
		clock.Advance(3 * time.Second)
		return diverseResult("gpt-4o"), nil
	}}
	s, states, _ := newTestScheduler(gen, &fakeRegen{}, nil)
	s.cfg.TickDeadline = 2 * time.Second
	seedThread(t, states, "one\ntwo\nthree")

	// First tick runs out of budget after one line.
	if _, err := s.RunTick(context.Background(), "t1"); err != nil {
		t.Fatalf("first RunTick: %v", err)
	}

	// Second tick with a generous budget finishes the remaining lines.
	s.cfg.TickDeadline = 20 * time.Second
	res, err := s.RunTick(context.Background(), "t1")
	if err != nil {
		t.Fatalf("second RunTick: %v", err)
	}
	if res.JobStatus != job.StatusCompleted {
		t.Fatalf("job status = %s after resume, want completed", res.JobStatus)
	}
	if gen.calls != 3 {
		t.Errorf("generator calls = %d, want one per line", gen.calls)
	}
}

func TestRunTickSlicedTicksPreserveRetryBudget(t *testing.T) {
	clock := useFakeClock(t)
	gen := &fakeGen{fn: func(generator.LineContext) (generator.Result, error) {
		clock.Advance(3 * time.Second)
		return diverseResult("gpt-4o"), nil
	}}
	s, states, _ := newTestScheduler(gen, &fakeRegen{}, nil)
	s.cfg.TickDeadline = 2 * time.Second
	seedThread(t, states, "one\ntwo\nthree\nfour")

	ctx := context.Background()
	var complete bool
	for tick := 0; tick < 6 && !complete; tick++ {
		res, err := s.RunTick(ctx, "t1")
		if err != nil {
			t.Fatalf("tick %d: %v", tick, err)
		}
		state, _, _ := states.Load(ctx, "t1")
		chunk := state.Job.Chunks[0]
		if chunk.Retries != 0 {
			t.Fatalf("tick %d: retries = %d, slicing must not consume the retry budget", tick, chunk.Retries)
		}
		if chunk.Status == job.ChunkFailed {
			t.Fatalf("tick %d: chunk failed under time slicing", tick)
		}
		complete = res.Complete
	}
	if !complete {
		t.Fatal("job did not complete across sliced ticks")
	}

	state, _, _ := states.Load(ctx, "t1")
	if state.Job.Status != job.StatusCompleted {
		t.Fatalf("job status = %s, want completed", state.Job.Status)
	}
	if gen.calls != 4 {
		t.Errorf("generator calls = %d, want one per line", gen.calls)
	}
}

func TestRunTickErrorAfterBudgetIsInterruption(t *testing.T) {
	clock := useFakeClock(t)
	gen := &fakeGen{fn: func(generator.LineContext) (generator.Result, error) {
		clock.Advance(3 * time.Second)
		return generator.Result{}, llm.ErrorFromHTTPStatus("openai", 503, "unavailable", nil)
	}}
	s, states, _ := newTestScheduler(gen, &fakeRegen{}, nil)
	s.cfg.TickDeadline = 2 * time.Second
	seedThread(t, states, "The river waits.")

	res, err := s.RunTick(context.Background(), "t1")
	if err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	if !res.Interrupted {
		t.Fatal("over-budget failure should surface as an interruption")
	}
	state, _, _ := states.Load(context.Background(), "t1")
	chunk := state.Job.Chunks[0]
	if chunk.Retries != 0 {
		t.Errorf("retries = %d, want 0", chunk.Retries)
	}
	if chunk.NextRetryAt != nil {
		t.Error("interruption must not schedule a retry backoff")
	}
}

func TestRunTickBudgetBelowMinimumStartsNoWork(t *testing.T) {
	gen := &fakeGen{fn: func(generator.LineContext) (generator.Result, error) {
		return diverseResult("gpt-4o"), nil
	}}
	s, states, _ := newTestScheduler(gen, &fakeRegen{}, nil)
	s.cfg.TickDeadline = 500 * time.Millisecond
	seedThread(t, states, "The river waits.")

	res, err := s.RunTick(context.Background(), "t1")
	if err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	if !res.Acquired {
		t.Fatal("lock should still be acquired")
	}
	if len(res.Picked) != 0 {
		t.Fatalf("picked = %v, want nothing under a sub-second budget", res.Picked)
	}
	if gen.calls != 0 {
		t.Errorf("generator calls = %d, want 0", gen.calls)
	}
	state, _, _ := states.Load(context.Background(), "t1")
	if state.Job.Status != job.StatusPending {
		t.Errorf("job status = %s, want pending (state unchanged)", state.Job.Status)
	}
	if state.Job.Chunks[0].Status != job.ChunkQueued {
		t.Errorf("chunk status = %s, want queued", state.Job.Chunks[0].Status)
	}
}

func TestRunTickRateLimited(t *testing.T) {
	gen := &fakeGen{fn: func(generator.LineContext) (generator.Result, error) {
		return generator.Result{}, llm.ErrorFromHTTPStatus("openai", 503, "unavailable", nil)
	}}
	limiter := catrate.NewLimiter(map[time.Duration]int{time.Minute: 1})
	s, states, _ := newTestScheduler(gen, &fakeRegen{}, limiter)
	seedThread(t, states, "The river waits.")

	ctx := context.Background()
	if res, err := s.RunTick(ctx, "t1"); err != nil || res.RateLimited {
		t.Fatalf("first tick: res=%+v err=%v", res, err)
	}
	res, err := s.RunTick(ctx, "t1")
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if !res.RateLimited {
		t.Error("second tick should be rate limited")
	}
}

func TestAutoRetryRecoversFailedLine(t *testing.T) {
	gen := &fakeGen{fn: func(generator.LineContext) (generator.Result, error) {
		return diverseResult("gpt-4o"), nil
	}}
	s, states, _ := newTestScheduler(gen, &fakeRegen{}, nil)
	seedThread(t, states, "The river waits.\nA heron watches.")

	ctx := context.Background()
	// Seed a finished-but-failed chunk: line 0 translated, line 1 failed
	// long enough ago to be retry-eligible.
	if _, err := threadstate.UpdateWithRetry(ctx, states, "t1", func(st *threadstate.State) error {
		c := st.Job.Chunks[0]
		old := time.Now().Add(-time.Minute).UTC()
		c.Lines = []job.LineState{
			{LineNumber: 0, OriginalText: c.SourceLines[0], TranslationStatus: job.LineTranslated, AlignmentStatus: job.AlignPending, UpdatedAt: old},
			{LineNumber: 1, OriginalText: c.SourceLines[1], TranslationStatus: job.LineFailed, AlignmentStatus: job.AlignPending, UpdatedAt: old, ErrorCode: "server_error"},
		}
		c.LinesProcessed = 2
		c.Status = job.ChunkFailed
		c.Error = "server_error"
		st.Job.Queue = []int{}
		st.Job.Active = []int{}
		st.Job.Status = job.StatusProcessing
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	res, err := s.RunTick(ctx, "t1")
	if err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	if res.JobStatus != job.StatusCompleted {
		t.Fatalf("job status = %s, want completed after auto-retry", res.JobStatus)
	}

	state, _, _ := states.Load(ctx, "t1")
	chunk := state.Job.Chunks[0]
	if chunk.Status != job.ChunkCompleted {
		t.Errorf("chunk status = %s", chunk.Status)
	}
	line := chunk.Lines[1]
	if line.TranslationStatus != job.LineTranslated {
		t.Errorf("line status = %s", line.TranslationStatus)
	}
	if line.RetryCount != 1 {
		t.Errorf("retryCount = %d, want 1", line.RetryCount)
	}
}

func TestAutoRetryRespectsBackoff(t *testing.T) {
	gen := &fakeGen{fn: func(generator.LineContext) (generator.Result, error) {
		return diverseResult("gpt-4o"), nil
	}}
	s, states, _ := newTestScheduler(gen, &fakeRegen{}, nil)
	seedThread(t, states, "The river waits.")

	ctx := context.Background()
	if _, err := threadstate.UpdateWithRetry(ctx, states, "t1", func(st *threadstate.State) error {
		c := st.Job.Chunks[0]
		c.Lines = []job.LineState{
			{LineNumber: 0, OriginalText: c.SourceLines[0], TranslationStatus: job.LineFailed, UpdatedAt: time.Now().UTC()},
		}
		c.LinesProcessed = 1
		c.Status = job.ChunkFailed
		st.Job.Queue = []int{}
		st.Job.Active = []int{}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := s.RunTick(ctx, "t1"); err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	if gen.calls != 0 {
		t.Errorf("generator calls = %d, want 0 inside backoff window", gen.calls)
	}
}

func TestRetryEligible(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		line job.LineState
		want bool
	}{
		{"fresh failure", job.LineState{TranslationStatus: job.LineFailed, UpdatedAt: now}, false},
		{"aged failure", job.LineState{TranslationStatus: job.LineFailed, UpdatedAt: now.Add(-10 * time.Second)}, true},
		{"exhausted", job.LineState{TranslationStatus: job.LineFailed, RetryCount: 3, UpdatedAt: now.Add(-time.Hour)}, false},
		{"translated", job.LineState{TranslationStatus: job.LineTranslated, UpdatedAt: now.Add(-time.Hour)}, false},
		{"second retry needs longer", job.LineState{TranslationStatus: job.LineFailed, RetryCount: 2, UpdatedAt: now.Add(-10 * time.Second)}, false},
		{"second retry aged", job.LineState{TranslationStatus: job.LineFailed, RetryCount: 2, UpdatedAt: now.Add(-25 * time.Second)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryEligible(tt.line, now); got != tt.want {
				t.Errorf("retryEligible = %v, want %v", got, tt.want)
			}
		})
	}
}
