package counterstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-process
// deployments. It mirrors the Redis semantics: sliding windows are timestamp
// sets, counters expire ttl after the last increment, lists are bounded
// most-recent-first.
type MemoryStore struct {
	mu       sync.Mutex
	windows  map[string][]time.Time
	counters map[string]*memCounter
	lists    map[string][]string

	// now is swappable for deterministic window tests
	now func() time.Time
}

type memCounter struct {
	count    int64
	expireAt time.Time
}

// NewMemoryStore creates an empty in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows:  make(map[string][]time.Time),
		counters: make(map[string]*memCounter),
		lists:    make(map[string][]string),
		now:      time.Now,
	}
}

// SetClock replaces the store's time source. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// CountInWindow records the current instant and counts instants strictly
// inside (now-window, now].
func (s *MemoryStore) CountInWindow(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-window)

	kept := s.windows[key][:0]
	for _, ts := range s.windows[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	s.windows[key] = kept

	return int64(len(kept)), nil
}

// IncrWithTTL increments the counter and resets its expiry.
func (s *MemoryStore) IncrWithTTL(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c := s.counters[key]
	if c == nil || now.After(c.expireAt) {
		c = &memCounter{}
		s.counters[key] = c
	}
	c.count++
	c.expireAt = now.Add(ttl)
	return c.count, nil
}

// PushTrim prepends the entry and evicts from the tail past max.
func (s *MemoryStore) PushTrim(_ context.Context, key, entry string, max int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := append([]string{entry}, s.lists[key]...)
	if max > 0 && int64(len(list)) > max {
		list = list[:max]
	}
	s.lists[key] = list
	return nil
}

// RecentEntries returns up to n entries, most recent first.
func (s *MemoryStore) RecentEntries(_ context.Context, key string, n int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.lists[key]
	if n > 0 && int64(len(list)) > n {
		list = list[:n]
	}
	out := make([]string, len(list))
	copy(out, list)
	return out, nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}
