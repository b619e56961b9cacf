package cache

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/singleflight"
)

// FetchFunc produces a fresh payload for a key. Callers route it through
// the resilience executor; the cache adds no retries of its own.
type FetchFunc func(ctx context.Context) ([]byte, error)

// Observer receives lookup outcomes for export. Satisfied by the metrics
// collector; nil disables reporting.
type Observer interface {
	RecordCacheLookup(outcome string)
}

// Cache wraps a Store with TTL and stale-while-revalidate semantics.
type Cache struct {
	store    Store
	group    singleflight.Group
	observer Observer

	now func() time.Time // test hook
}

// New creates a cache over the given store, defaulting to an in-memory one.
func New(store Store) *Cache {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Cache{store: store, now: time.Now}
}

// WithObserver attaches a lookup observer and returns the cache.
func (c *Cache) WithObserver(obs Observer) *Cache {
	c.observer = obs
	return c
}

func (c *Cache) observe(outcome string) {
	if c.observer != nil {
		c.observer.RecordCacheLookup(outcome)
	}
}

// GetOrFetch returns the payload for key, with isStale reporting whether
// the payload came from the stale window.
//
//   - fresh entry (age <= ttl): returned as is, no fetch
//   - stale entry (ttl < age <= ttl+staleTTL): returned immediately while
//     exactly one background refresh runs for the key
//   - no usable entry: fetch runs synchronously; concurrent callers for the
//     same key share the single in-flight fetch
func (c *Cache) GetOrFetch(ctx context.Context, key string, ttl, staleTTL time.Duration, fetch FetchFunc) ([]byte, bool, error) {
	now := c.now()

	entry, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}

	if ok {
		switch {
		case entry.Fresh(now):
			c.observe("hit")
			return entry.Value, false, nil
		case entry.Usable(now):
			c.observe("stale")
			c.refreshAsync(ctx, key, ttl, staleTTL, fetch)
			return entry.Value, true, nil
		default:
			// Lazy eviction past the stale window.
			_ = c.store.Delete(ctx, key)
		}
	}

	c.observe("miss")
	value, err, _ := c.group.Do(key, func() (any, error) {
		return c.fetchAndStore(ctx, key, ttl, staleTTL, fetch)
	})
	if err != nil {
		return nil, false, err
	}
	return value.([]byte), false, nil
}

// Peek returns the entry for key without triggering any fetch, and whether
// it is still usable.
func (c *Cache) Peek(ctx context.Context, key string) (*Entry, bool) {
	entry, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		return nil, false
	}
	if !entry.Usable(c.now()) {
		return nil, false
	}
	return entry, true
}

// Invalidate drops the entry for key.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	_ = c.store.Delete(ctx, key)
}

func (c *Cache) fetchAndStore(ctx context.Context, key string, ttl, staleTTL time.Duration, fetch FetchFunc) ([]byte, error) {
	value, err := fetch(ctx)
	if err != nil {
		return nil, err
	}

	entry := &Entry{
		Value:    value,
		StoredAt: c.now(),
		TTL:      ttl,
		StaleTTL: staleTTL,
	}
	if err := c.store.Set(ctx, key, entry); err != nil {
		// The fetch succeeded; a store failure only loses the caching.
		log.Printf("[CACHE] store %s failed: %v", key, err)
	}
	return value, nil
}

// refreshAsync kicks off a background revalidation. The singleflight group
// guarantees a single in-flight refresh per key; callers that observe the
// same stale entry join it instead of duplicating the fetch.
func (c *Cache) refreshAsync(ctx context.Context, key string, ttl, staleTTL time.Duration, fetch FetchFunc) {
	// Detached from the caller: the requester that triggered the refresh
	// may return before it completes.
	bg := context.WithoutCancel(ctx)

	c.group.DoChan(key, func() (any, error) {
		value, err := c.fetchAndStore(bg, key, ttl, staleTTL, fetch)
		if err != nil {
			// Stale data keeps being served until the window closes.
			log.Printf("[CACHE] refresh %s failed: %v", key, err)
			return nil, err
		}
		return value, nil
	})
}
