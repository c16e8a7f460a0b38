package threadstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrConflict is returned by Patch when the expected version no longer
// matches the stored document.
var ErrConflict = errors.New("thread state version conflict")

// ErrNotFound is returned when the thread has no stored state.
var ErrNotFound = errors.New("thread state not found")

// MaxPatchRetries bounds optimistic-concurrency retries in UpdateWithRetry.
const MaxPatchRetries = 3

// Store is the versioned document store. Version increases by exactly one on
// each successful write.
type Store interface {
	// Load returns a private copy of the state and its current version.
	Load(ctx context.Context, threadID string) (*State, int64, error)
	// Patch applies updater to the current state and writes it back only if
	// the stored version still equals expectedVersion. Returns the new
	// version, or ErrConflict.
	Patch(ctx context.Context, threadID string, expectedVersion int64, updater func(*State) error) (int64, error)
	// Create stores a fresh document at version 1. Fails if one exists.
	Create(ctx context.Context, threadID string, state *State) error
}

// UpdateWithRetry runs a load-update-patch cycle, retrying on ErrConflict up
// to MaxPatchRetries times.
func UpdateWithRetry(ctx context.Context, store Store, threadID string, updater func(*State) error) (int64, error) {
	var lastErr error
	for attempt := 0; attempt < MaxPatchRetries; attempt++ {
		_, version, err := store.Load(ctx, threadID)
		if err != nil {
			return 0, err
		}
		newVersion, err := store.Patch(ctx, threadID, version, updater)
		if err == nil {
			return newVersion, nil
		}
		if !errors.Is(err, ErrConflict) {
			return 0, err
		}
		lastErr = err
	}
	return 0, fmt.Errorf("thread %s: patch retries exhausted: %w", threadID, lastErr)
}

// PatchField sets a single top-level document field, addressed by its JSON
// name, under the same version check as Patch. Convenience for callers that
// own one field and do not want to hand-write an updater.
func PatchField(ctx context.Context, store Store, threadID string, expectedVersion int64, field string, value any) (int64, error) {
	return store.Patch(ctx, threadID, expectedVersion, func(st *State) error {
		raw, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("encode thread state: %w", err)
		}
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("decode thread state: %w", err)
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode field %q: %w", field, err)
		}
		doc[field] = encoded
		merged, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("merge field %q: %w", field, err)
		}
		var next State
		if err := json.Unmarshal(merged, &next); err != nil {
			return fmt.Errorf("apply field %q: %w", field, err)
		}
		*st = next
		return nil
	})
}

type memoryDoc struct {
	state   *State
	version int64
}

// MemoryStore is an in-process Store used by the worker and tests.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]*memoryDoc
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: map[string]*memoryDoc{}}
}

func (s *MemoryStore) Load(_ context.Context, threadID string) (*State, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[threadID]
	if !ok {
		return nil, 0, fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	copied, err := deepCopy(doc.state)
	if err != nil {
		return nil, 0, err
	}
	return copied, doc.version, nil
}

func (s *MemoryStore) Patch(_ context.Context, threadID string, expectedVersion int64, updater func(*State) error) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[threadID]
	if !ok {
		return 0, fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	if doc.version != expectedVersion {
		return 0, fmt.Errorf("thread %s: have v%d, expected v%d: %w", threadID, doc.version, expectedVersion, ErrConflict)
	}
	working, err := deepCopy(doc.state)
	if err != nil {
		return 0, err
	}
	if err := updater(working); err != nil {
		return 0, err
	}
	doc.state = working
	doc.version++
	return doc.version, nil
}

func (s *MemoryStore) Create(_ context.Context, threadID string, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.docs[threadID]; exists {
		return fmt.Errorf("thread %s already exists", threadID)
	}
	copied, err := deepCopy(state)
	if err != nil {
		return err
	}
	s.docs[threadID] = &memoryDoc{state: copied, version: 1}
	return nil
}

// deepCopy round-trips through JSON so callers can never alias stored state.
func deepCopy(in *State) (*State, error) {
	if in == nil {
		return &State{}, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode thread state: %w", err)
	}
	var out State
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode thread state: %w", err)
	}
	return &out, nil
}
