// Package cache provides a keyed TTL cache with stale-while-revalidate
// semantics. A fresh entry is served directly; a stale-but-usable entry is
// served immediately while a single background refresh runs; anything past
// the stale window is evicted and refetched synchronously.
package cache

import (
	"context"
	"sync"
	"time"
)

// Entry is a stored payload with its freshness metadata. The payload is
// opaque to the cache; callers marshal and unmarshal their own types.
type Entry struct {
	Value    []byte        `json:"value"`
	StoredAt time.Time     `json:"stored_at"`
	TTL      time.Duration `json:"ttl"`
	StaleTTL time.Duration `json:"stale_ttl"`
}

// Age returns how long ago the entry was stored.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}

// Fresh reports whether the entry is within its TTL.
func (e *Entry) Fresh(now time.Time) bool {
	return e.Age(now) <= e.TTL
}

// Usable reports whether the entry may still be served, possibly stale.
func (e *Entry) Usable(now time.Time) bool {
	return e.Age(now) <= e.TTL+e.StaleTTL
}

// Store is the persistence backend for cache entries.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Set(ctx context.Context, key string, entry *Entry) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore is the default in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

// Get returns the entry for key if present.
func (s *MemoryStore) Get(ctx context.Context, key string) (*Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok, nil
}

// Set stores or replaces the entry for key.
func (s *MemoryStore) Set(ctx context.Context, key string, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry
	return nil
}

// Delete removes the entry for key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
