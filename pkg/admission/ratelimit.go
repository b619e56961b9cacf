package admission

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited marks a request rejected by a rate-limit tier.
var ErrRateLimited = errors.New("rate limited")

// Route classes, each with its own tier.
const (
	ClassAuth  = "auth"  // login and token endpoints
	ClassWrite = "write" // run triggers
	ClassRead  = "read"  // status and opportunity reads
)

// Tier is one fixed-window limit.
type Tier struct {
	Limit  int
	Window time.Duration
}

// DefaultTiers returns the production limits per route class.
func DefaultTiers() map[string]Tier {
	return map[string]Tier{
		ClassAuth:  {Limit: 5, Window: 15 * time.Minute},
		ClassWrite: {Limit: 10, Window: time.Minute},
		ClassRead:  {Limit: 120, Window: time.Minute},
	}
}

// bucket is one client's fixed window for one route class.
type bucket struct {
	windowStart time.Time
	count       int
}

type bucketKey struct {
	client string
	class  string
}

// RateLimiter enforces fixed-window limits keyed by client identifier and
// route class. Buckets are created lazily and evicted once their window
// has long passed.
type RateLimiter struct {
	mu      sync.Mutex
	tiers   map[string]Tier
	buckets map[bucketKey]*bucket

	now func() time.Time // test hook
}

// NewRateLimiter creates a limiter; nil tiers means DefaultTiers.
func NewRateLimiter(tiers map[string]Tier) *RateLimiter {
	if tiers == nil {
		tiers = DefaultTiers()
	}
	return &RateLimiter{
		tiers:   tiers,
		buckets: make(map[bucketKey]*bucket),
		now:     time.Now,
	}
}

// Allow consumes one slot for the client in the route class. When the
// request is over the limit it returns ErrRateLimited and the duration
// until the window resets, suitable for a Retry-After header.
func (rl *RateLimiter) Allow(client, class string) (time.Duration, error) {
	tier, ok := rl.tiers[class]
	if !ok {
		return 0, nil // unclassified routes are unlimited
	}

	now := rl.now()
	key := bucketKey{client: client, class: class}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok || now.Sub(b.windowStart) >= tier.Window {
		rl.buckets[key] = &bucket{windowStart: now, count: 1}
		return 0, nil
	}

	if b.count >= tier.Limit {
		retryAfter := tier.Window - now.Sub(b.windowStart)
		return retryAfter, ErrRateLimited
	}
	b.count++
	return 0, nil
}

// Sweep drops buckets whose window expired. Called periodically; missing a
// sweep only costs memory, never correctness, because Allow resets expired
// windows itself.
func (rl *RateLimiter) Sweep() int {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	dropped := 0
	for key, b := range rl.buckets {
		tier, ok := rl.tiers[key.class]
		if !ok || now.Sub(b.windowStart) >= tier.Window {
			delete(rl.buckets, key)
			dropped++
		}
	}
	return dropped
}

// BucketCount returns the live bucket count.
func (rl *RateLimiter) BucketCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}
