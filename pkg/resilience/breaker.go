// Package resilience wraps calls to external dependencies with timeouts,
// retry with exponential backoff, and a per-dependency circuit breaker.
// Every outbound fetch in the system goes through an Executor.
package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without invoking the operation when a
// dependency's breaker is open. It is never retried.
var ErrCircuitOpen = errors.New("circuit breaker open")

// State represents the breaker state for one dependency.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures failure counting and cooldown.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	Cooldown         time.Duration // how long the breaker stays open
}

// DefaultBreakerConfig returns the production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         5 * time.Minute,
	}
}

// breaker is the state machine for a single dependency.
type breaker struct {
	mu           sync.Mutex
	state        State
	failures     int
	lastFailure  time.Time
	openUntil    time.Time
	halfOpenBusy bool // one trial call at a time while half-open
}

// BreakerRegistry owns one breaker per dependency ID. It is injected into
// Executors rather than held as a package global so tests get fresh state.
type BreakerRegistry struct {
	config BreakerConfig

	mu       sync.Mutex
	breakers map[string]*breaker

	now func() time.Time // test hook
}

// NewBreakerRegistry creates a registry with the given config.
func NewBreakerRegistry(config BreakerConfig) *BreakerRegistry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultBreakerConfig().Cooldown
	}
	return &BreakerRegistry{
		config:   config,
		breakers: make(map[string]*breaker),
		now:      time.Now,
	}
}

func (r *BreakerRegistry) get(dependency string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[dependency]
	if !ok {
		b = &breaker{state: StateClosed}
		r.breakers[dependency] = b
	}
	return b
}

// Allow decides whether a call to the dependency may proceed. When the
// breaker is open past its cooldown it transitions to half-open and admits
// exactly one trial call.
func (r *BreakerRegistry) Allow(dependency string) error {
	b := r.get(dependency)
	now := r.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if now.Before(b.openUntil) {
			return fmt.Errorf("%w: %s until %s", ErrCircuitOpen, dependency, b.openUntil.Format(time.RFC3339))
		}
		b.state = StateHalfOpen
		b.halfOpenBusy = true
		return nil
	case StateHalfOpen:
		if b.halfOpenBusy {
			return fmt.Errorf("%w: %s trial call in flight", ErrCircuitOpen, dependency)
		}
		b.halfOpenBusy = true
		return nil
	default:
		return nil
	}
}

// RecordSuccess resets the failure count and closes a half-open breaker.
func (r *BreakerRegistry) RecordSuccess(dependency string) {
	b := r.get(dependency)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.halfOpenBusy = false
	if b.state == StateHalfOpen {
		b.state = StateClosed
	}
}

// RecordFailure counts one failure (after retries exhausted). A half-open
// breaker re-opens immediately; a closed breaker opens once the consecutive
// failure count reaches the threshold.
func (r *BreakerRegistry) RecordFailure(dependency string) {
	b := r.get(dependency)
	now := r.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = now
	b.halfOpenBusy = false

	if b.state == StateHalfOpen || b.failures >= r.config.FailureThreshold {
		b.state = StateOpen
		b.openUntil = now.Add(r.config.Cooldown)
	}
}

// BreakerStatus is a read-only snapshot of one dependency's breaker.
type BreakerStatus struct {
	Dependency  string    `json:"dependency"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitzero"`
	OpenUntil   time.Time `json:"open_until,omitzero"`
}

// Status returns snapshots for every known dependency.
func (r *BreakerRegistry) Status() []BreakerStatus {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.Unlock()

	out := make([]BreakerStatus, 0, len(names))
	for _, name := range names {
		b := r.get(name)
		b.mu.Lock()
		out = append(out, BreakerStatus{
			Dependency:  name,
			State:       b.state.String(),
			Failures:    b.failures,
			LastFailure: b.lastFailure,
			OpenUntil:   b.openUntil,
		})
		b.mu.Unlock()
	}
	return out
}

// StateOf returns the current state for one dependency.
func (r *BreakerRegistry) StateOf(dependency string) State {
	b := r.get(dependency)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
