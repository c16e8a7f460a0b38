package recipecache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/verselab/triptych/internal/kv"
	"github.com/verselab/triptych/internal/recipe"
	"github.com/verselab/triptych/internal/threadstate"
)

type fakeGenerator struct {
	calls int
	fail  error
}

func (g *fakeGenerator) Generate(_ context.Context, _ *threadstate.State, mode recipe.Mode, hash string) (*recipe.Bundle, error) {
	g.calls++
	if g.fail != nil {
		return nil, g.fail
	}
	return recipe.StaticBundle("", mode, hash, time.Now()), nil
}

func testState() *threadstate.State {
	return &threadstate.State{
		RawPoem: "The river holds the morning light.\nA heron waits.",
		GuideAnswers: threadstate.GuideAnswers{
			TranslationZone: "balanced",
			TargetLanguage:  threadstate.TargetLanguage{Lang: "es"},
		},
		PoemAnalysis: threadstate.PoemAnalysis{Language: "en"},
	}
}

func newTestCache(t *testing.T) (*Cache, *threadstate.MemoryStore, *kv.MemoryStore, *fakeGenerator) {
	t.Helper()
	states := threadstate.NewMemoryStore()
	locks := kv.NewMemoryStore()
	gen := &fakeGenerator{}
	c := New(states, locks, gen, zerolog.Nop())
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c, states, locks, gen
}

func TestGetOrCreateGeneratesOnceAndCaches(t *testing.T) {
	c, states, _, gen := newTestCache(t)
	ctx := context.Background()
	if err := states.Create(ctx, "t1", testState()); err != nil {
		t.Fatal(err)
	}

	b1, err := c.GetOrCreate(ctx, "t1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if gen.calls != 1 {
		t.Fatalf("generator calls = %d, want 1", gen.calls)
	}
	if b1.ThreadID != "t1" {
		t.Errorf("ThreadID = %q, want t1", b1.ThreadID)
	}
	if b1.Mode != recipe.ModeBalanced {
		t.Errorf("Mode = %q, want balanced", b1.Mode)
	}

	// Second lookup hits memory; no new generation.
	b2, err := c.GetOrCreate(ctx, "t1")
	if err != nil {
		t.Fatalf("second GetOrCreate: %v", err)
	}
	if gen.calls != 1 {
		t.Errorf("generator calls = %d after hit, want 1", gen.calls)
	}
	if b2.ContextHash != b1.ContextHash {
		t.Error("hash changed between lookups")
	}

	// Persisted to the per-mode slot.
	state, _, err := states.Load(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if state.RecipesV3[recipe.ModeBalanced] == nil {
		t.Error("bundle not persisted to per-mode slot")
	}
}

func TestStateSlotHitSkipsGeneration(t *testing.T) {
	c, states, _, gen := newTestCache(t)
	ctx := context.Background()

	state := testState()
	hash := recipe.ContextHash(state.ContextInputs())
	state.RecipesV3 = map[recipe.Mode]*recipe.Bundle{
		recipe.ModeBalanced: recipe.StaticBundle("t1", recipe.ModeBalanced, hash, time.Now()),
	}
	if err := states.Create(ctx, "t1", state); err != nil {
		t.Fatal(err)
	}

	b, err := c.GetOrCreate(ctx, "t1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if gen.calls != 0 {
		t.Errorf("generator calls = %d, want 0", gen.calls)
	}
	if b.ContextHash != hash {
		t.Error("wrong bundle returned")
	}
}

func TestStaleSlotRegenerates(t *testing.T) {
	c, states, _, gen := newTestCache(t)
	ctx := context.Background()

	state := testState()
	state.RecipesV3 = map[recipe.Mode]*recipe.Bundle{
		recipe.ModeBalanced: recipe.StaticBundle("t1", recipe.ModeBalanced, "deadbeefdeadbeefdeadbeefdeadbeef", time.Now()),
	}
	if err := states.Create(ctx, "t1", state); err != nil {
		t.Fatal(err)
	}

	b, err := c.GetOrCreate(ctx, "t1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if gen.calls != 1 {
		t.Errorf("generator calls = %d, want 1 for stale hash", gen.calls)
	}
	if b.ContextHash == "deadbeefdeadbeefdeadbeefdeadbeef" {
		t.Error("stale bundle returned")
	}
}

func TestLegacyBundleMigration(t *testing.T) {
	c, states, _, gen := newTestCache(t)
	ctx := context.Background()

	state := testState()
	hash := recipe.ContextHash(state.ContextInputs())
	legacy := recipe.StaticBundle("t1", recipe.ModeBalanced, hash, time.Now())
	state.RecipesV2 = legacy
	if err := states.Create(ctx, "t1", state); err != nil {
		t.Fatal(err)
	}

	b, err := c.GetOrCreate(ctx, "t1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if gen.calls != 0 {
		t.Errorf("generator calls = %d, want 0 for legacy hit", gen.calls)
	}
	if b.ContextHash != hash {
		t.Error("migrated bundle has wrong hash")
	}

	stored, _, err := states.Load(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.RecipesV2 != nil {
		t.Error("legacy slot not cleared after migration")
	}
	if stored.RecipesV3[recipe.ModeBalanced] == nil {
		t.Error("migrated bundle not written to per-mode slot")
	}
}

func TestContentionAfterMaxAttempts(t *testing.T) {
	c, states, locks, gen := newTestCache(t)
	ctx := context.Background()

	state := testState()
	if err := states.Create(ctx, "t1", state); err != nil {
		t.Fatal(err)
	}
	hash := recipe.ContextHash(state.ContextInputs())
	lockKey := fmt.Sprintf("recipe-gen:t1:%s:%s", recipe.ModeBalanced, hash)
	if ok, err := locks.SetIfAbsent(ctx, lockKey, "other-holder", time.Hour); err != nil || !ok {
		t.Fatalf("pre-acquire lock: ok=%v err=%v", ok, err)
	}

	_, err := c.GetOrCreate(ctx, "t1")
	if !errors.Is(err, ErrContention) {
		t.Fatalf("err = %v, want ErrContention", err)
	}
	if gen.calls != 0 {
		t.Errorf("generator calls = %d, want 0 under contention", gen.calls)
	}
}

func TestLockRecheckAvoidsDoubleGeneration(t *testing.T) {
	c, states, _, gen := newTestCache(t)
	ctx := context.Background()

	state := testState()
	if err := states.Create(ctx, "t1", state); err != nil {
		t.Fatal(err)
	}
	hash := recipe.ContextHash(state.ContextInputs())

	// Simulate another holder finishing while we wait: the slot appears
	// between the first lookup and lock acquisition.
	if _, err := threadstate.UpdateWithRetry(ctx, states, "t1", func(s *threadstate.State) error {
		s.RecipesV3 = map[recipe.Mode]*recipe.Bundle{
			recipe.ModeBalanced: recipe.StaticBundle("t1", recipe.ModeBalanced, hash, time.Now()),
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := c.GetOrCreate(ctx, "t1"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if gen.calls != 0 {
		t.Errorf("generator calls = %d, want 0 after re-check hit", gen.calls)
	}
}

func TestStaticPathSkipsLockAndLLM(t *testing.T) {
	c, states, locks, gen := newTestCache(t)
	c.UseStatic = true
	ctx := context.Background()

	state := testState()
	if err := states.Create(ctx, "t1", state); err != nil {
		t.Fatal(err)
	}
	hash := recipe.ContextHash(state.ContextInputs())
	lockKey := fmt.Sprintf("recipe-gen:t1:%s:%s", recipe.ModeBalanced, hash)
	// A held lock must not matter on the static path.
	if _, err := locks.SetIfAbsent(ctx, lockKey, "other", time.Hour); err != nil {
		t.Fatal(err)
	}

	b, err := c.GetOrCreate(ctx, "t1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if gen.calls != 0 {
		t.Errorf("generator calls = %d, want 0 for static path", gen.calls)
	}
	if b.ModelUsed != "static" {
		t.Errorf("ModelUsed = %q, want static", b.ModelUsed)
	}
	if err := b.Validate(); err != nil {
		t.Errorf("static bundle invalid: %v", err)
	}
}

func TestGeneratorFailurePropagates(t *testing.T) {
	c, states, _, gen := newTestCache(t)
	gen.fail = errors.New("model blew up")
	ctx := context.Background()
	if err := states.Create(ctx, "t1", testState()); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetOrCreate(ctx, "t1"); err == nil {
		t.Fatal("want error from generator")
	}
}
