// Package recipecache resolves the recipe bundle for a thread and mode. The
// lookup path is memory cache, then the per-mode slot in the thread state,
// then a legacy single-slot migration, and finally lock-guarded generation
// through the LLM.
package recipecache

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/verselab/triptych/internal/kv"
	"github.com/verselab/triptych/internal/recipe"
	"github.com/verselab/triptych/internal/threadstate"
)

// for testing purposes
var timeNow = time.Now

// ErrContention is returned when the generation lock could not be acquired
// after the maximum number of attempts. Callers re-enqueue the tick.
var ErrContention = errors.New("RECIPE_GENERATION_CONTENTION")

const (
	memoryTTL       = 10 * time.Minute
	lockTTL         = 90 * time.Second
	maxLockAttempts = 6
	baseLockBackoff = 250 * time.Millisecond
	maxLockBackoff  = 8 * time.Second
)

// Generator produces a validated bundle for a thread from its context. The
// LLM-backed implementation lives in generate.go; tests substitute fakes.
type Generator interface {
	Generate(ctx context.Context, state *threadstate.State, mode recipe.Mode, contextHash string) (*recipe.Bundle, error)
}

type memoryEntry struct {
	bundle    *recipe.Bundle
	expiresAt time.Time
}

// Cache is the two-layer recipe cache.
type Cache struct {
	states    threadstate.Store
	locks     kv.Store
	generator Generator
	logger    zerolog.Logger

	// UseStatic bypasses the LLM and lock entirely.
	UseStatic bool

	mu     sync.Mutex
	memory map[string]memoryEntry

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(states threadstate.Store, locks kv.Store, generator Generator, logger zerolog.Logger) *Cache {
	return &Cache{
		states:    states,
		locks:     locks,
		generator: generator,
		logger:    logger,
		memory:    map[string]memoryEntry{},
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func memoryKey(threadID string, mode recipe.Mode, hash string) string {
	return threadID + "|" + string(mode) + "|" + hash
}

// GetOrCreate returns the bundle for the thread's current mode and context,
// generating and persisting it if no cached copy matches.
func (c *Cache) GetOrCreate(ctx context.Context, threadID string) (*recipe.Bundle, error) {
	state, _, err := c.states.Load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	mode := state.Mode()
	hash := recipe.ContextHash(state.ContextInputs())

	if b := c.fromMemory(threadID, mode, hash); b != nil {
		return b, nil
	}
	if b := c.fromState(ctx, threadID, state, mode, hash); b != nil {
		return b, nil
	}

	if c.UseStatic {
		return c.createStatic(ctx, threadID, mode, hash)
	}
	return c.createLocked(ctx, threadID, mode, hash)
}

func (c *Cache) fromMemory(threadID string, mode recipe.Mode, hash string) *recipe.Bundle {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := memoryKey(threadID, mode, hash)
	e, ok := c.memory[key]
	if !ok {
		return nil
	}
	if timeNow().After(e.expiresAt) {
		delete(c.memory, key)
		return nil
	}
	return e.bundle
}

func (c *Cache) remember(threadID string, mode recipe.Mode, hash string, b *recipe.Bundle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memory[memoryKey(threadID, mode, hash)] = memoryEntry{bundle: b, expiresAt: timeNow().Add(memoryTTL)}
}

// fromState checks the per-mode slot, then falls back to migrating a legacy
// single-slot bundle whose hash still matches.
func (c *Cache) fromState(ctx context.Context, threadID string, state *threadstate.State, mode recipe.Mode, hash string) *recipe.Bundle {
	if b, ok := state.RecipesV3[mode]; ok && b != nil && b.ContextHash == hash {
		c.remember(threadID, mode, hash, b)
		return b
	}

	legacy := state.RecipesV2
	if legacy == nil || legacy.ContextHash != hash {
		return nil
	}
	migrated := *legacy
	migrated.Mode = mode
	if err := migrated.Validate(); err != nil {
		c.logger.Warn().Str("thread", threadID).Err(err).Msg("legacy recipe bundle invalid, regenerating")
		return nil
	}
	if _, err := threadstate.UpdateWithRetry(ctx, c.states, threadID, func(s *threadstate.State) error {
		if s.RecipesV3 == nil {
			s.RecipesV3 = map[recipe.Mode]*recipe.Bundle{}
		}
		s.RecipesV3[mode] = &migrated
		s.RecipesV2 = nil
		return nil
	}); err != nil {
		c.logger.Warn().Str("thread", threadID).Err(err).Msg("legacy recipe migration failed")
		// Still usable this tick even if the write lost.
	}
	c.logger.Info().Str("thread", threadID).Str("mode", string(mode)).Msg("migrated legacy recipe bundle")
	c.remember(threadID, mode, hash, &migrated)
	return &migrated
}

func (c *Cache) createStatic(ctx context.Context, threadID string, mode recipe.Mode, hash string) (*recipe.Bundle, error) {
	bundle := recipe.StaticBundle(threadID, mode, hash, timeNow())
	if err := c.persist(ctx, threadID, mode, bundle); err != nil {
		return nil, err
	}
	c.remember(threadID, mode, hash, bundle)
	return bundle, nil
}

func (c *Cache) createLocked(ctx context.Context, threadID string, mode recipe.Mode, hash string) (*recipe.Bundle, error) {
	lockKey := fmt.Sprintf("recipe-gen:%s:%s:%s", threadID, mode, hash)

	var lock *kv.HeldLock
	for attempt := 0; attempt < maxLockAttempts; attempt++ {
		held, ok, err := kv.AcquireLock(ctx, c.locks, lockKey, lockTTL)
		if err != nil {
			return nil, err
		}
		if ok {
			lock = held
			break
		}
		if attempt == maxLockAttempts-1 {
			break
		}
		backoff := baseLockBackoff << attempt
		if backoff > maxLockBackoff {
			backoff = maxLockBackoff
		}
		backoff += time.Duration(rand.Int63n(int64(backoff) / 4))
		c.logger.Debug().Str("key", lockKey).Int("attempt", attempt+1).Dur("backoff", backoff).Msg("recipe lock busy")
		if err := c.sleep(ctx, backoff); err != nil {
			return nil, err
		}
	}
	if lock == nil {
		return nil, fmt.Errorf("recipe lock %s: %w", lockKey, ErrContention)
	}
	defer func() {
		if released, err := lock.Release(ctx); err == nil && !released {
			c.logger.Warn().Str("key", lockKey).Msg("recipe lock lost to ttl expiry before release")
		}
	}()

	// Another holder may have generated while we backed off.
	state, _, err := c.states.Load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if b := c.fromState(ctx, threadID, state, mode, hash); b != nil {
		return b, nil
	}

	bundle, err := c.generator.Generate(ctx, state, mode, hash)
	if err != nil {
		return nil, err
	}
	bundle.ThreadID = threadID
	if err := bundle.Validate(); err != nil {
		return nil, fmt.Errorf("generated recipe bundle: %w", err)
	}
	if err := c.persist(ctx, threadID, mode, bundle); err != nil {
		return nil, err
	}
	c.remember(threadID, mode, hash, bundle)
	return bundle, nil
}

func (c *Cache) persist(ctx context.Context, threadID string, mode recipe.Mode, bundle *recipe.Bundle) error {
	_, err := threadstate.UpdateWithRetry(ctx, c.states, threadID, func(s *threadstate.State) error {
		if s.RecipesV3 == nil {
			s.RecipesV3 = map[recipe.Mode]*recipe.Bundle{}
		}
		s.RecipesV3[mode] = bundle
		return nil
	})
	return err
}
