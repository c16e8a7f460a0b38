package kv

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// for testing purposes
var timeNow = time.Now

type entry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is a process-local Store. Expiry is enforced lazily on access
// and by an optional background sweep.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	lists   map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: map[string]entry{},
		lists:   map[string][]string{},
	}
}

func (s *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := timeNow()
	e, ok := s.entries[key]
	if !ok || e.expired(now) {
		s.entries[key] = entry{value: "1"}
		return 1, nil
	}
	n, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("incr %s: value is not an integer", key)
	}
	n++
	e.value = strconv.FormatInt(n, 10)
	s.entries[key] = e
	return n, nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := timeNow()
	e, ok := s.entries[key]
	if !ok || e.expired(now) {
		delete(s.entries, key)
		return false, nil
	}
	e.expiresAt = now.Add(ttl)
	s.entries[key] = e
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.expired(timeNow()) {
		delete(s.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	delete(s.lists, key)
	return nil
}

func (s *MemoryStore) LPush(_ context.Context, key, val string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[key] = append([]string{val}, s.lists[key]...)
	return nil
}

func (s *MemoryStore) RPop(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[key]
	if len(list) == 0 {
		return "", false, nil
	}
	val := list[len(list)-1]
	s.lists[key] = list[:len(list)-1]
	return val, true, nil
}

func (s *MemoryStore) SetIfAbsent(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := timeNow()
	if e, ok := s.entries[key]; ok && !e.expired(now) {
		return false, nil
	}
	e := entry{value: token}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	s.entries[key] = e
	return true, nil
}

func (s *MemoryStore) DelIfEquals(_ context.Context, key, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.expired(timeNow()) || e.value != token {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

// Sweep drops expired entries. Callers may run it from a ticker; all other
// operations already ignore expired entries lazily.
func (s *MemoryStore) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := timeNow()
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
		}
	}
}

type snapshotDoc struct {
	SavedAt time.Time           `msgpack:"saved_at"`
	Entries map[string]snapEnt  `msgpack:"entries"`
	Lists   map[string][]string `msgpack:"lists"`
}

type snapEnt struct {
	Value     string    `msgpack:"value"`
	ExpiresAt time.Time `msgpack:"expires_at"`
}

// SaveSnapshot writes the store contents to path so a restarted worker can
// resume its queues and flags. Expired entries are dropped on save.
func (s *MemoryStore) SaveSnapshot(path string) error {
	s.mu.Lock()
	now := timeNow()
	doc := snapshotDoc{
		SavedAt: now,
		Entries: make(map[string]snapEnt, len(s.entries)),
		Lists:   make(map[string][]string, len(s.lists)),
	}
	for k, e := range s.entries {
		if e.expired(now) {
			continue
		}
		doc.Entries[k] = snapEnt{Value: e.value, ExpiresAt: e.expiresAt}
	}
	for k, list := range s.lists {
		doc.Lists[k] = append([]string(nil), list...)
	}
	s.mu.Unlock()

	b, err := msgpack.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode kv snapshot: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadSnapshot replaces the store contents from a snapshot file. Entries
// whose TTL elapsed while the worker was down are dropped. A missing file is
// not an error.
func (s *MemoryStore) LoadSnapshot(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var doc snapshotDoc
	if err := msgpack.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("decode kv snapshot %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := timeNow()
	s.entries = make(map[string]entry, len(doc.Entries))
	s.lists = make(map[string][]string, len(doc.Lists))
	for k, e := range doc.Entries {
		ent := entry{value: e.Value, expiresAt: e.ExpiresAt}
		if ent.expired(now) {
			continue
		}
		s.entries[k] = ent
	}
	for k, list := range doc.Lists {
		s.lists[k] = append([]string(nil), list...)
	}
	return nil
}
