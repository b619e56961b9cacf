package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Operation is a single attempt against an external dependency.
type Operation func(ctx context.Context) (any, error)

// permanentError marks an error that must not be retried.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps an error so the executor fails immediately instead of
// retrying. Use for 4xx-equivalent responses.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// ExecutorConfig configures retry, timeout, and outbound pacing.
type ExecutorConfig struct {
	MaxRetries  int           // retries after the first attempt
	BaseBackoff time.Duration // first retry delay, doubled each attempt
	MaxBackoff  time.Duration
	CallTimeout time.Duration // per-attempt timeout

	// Outbound pacing per dependency, zero disables.
	RateLimit rate.Limit
	RateBurst int
}

// DefaultExecutorConfig returns the production defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxRetries:  3,
		BaseBackoff: 250 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
		CallTimeout: 10 * time.Second,
		RateLimit:   rate.Limit(10),
		RateBurst:   5,
	}
}

// Observer receives dependency health signals for export. Satisfied by the
// metrics collector; nil disables reporting.
type Observer interface {
	SetBreakerState(dependency string, state float64)
	RecordDependencyError(dependency string)
}

// Executor runs operations against named dependencies through the breaker
// registry, retrying transient failures with exponential backoff and jitter
// before a failure counts toward the breaker threshold.
type Executor struct {
	config   ExecutorConfig
	breakers *BreakerRegistry
	observer Observer

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	sleep func(ctx context.Context, d time.Duration) error // test hook
}

// NewExecutor creates an executor over the given breaker registry.
func NewExecutor(config ExecutorConfig, breakers *BreakerRegistry) *Executor {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.BaseBackoff <= 0 {
		config.BaseBackoff = DefaultExecutorConfig().BaseBackoff
	}
	if config.MaxBackoff < config.BaseBackoff {
		config.MaxBackoff = DefaultExecutorConfig().MaxBackoff
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = DefaultExecutorConfig().CallTimeout
	}
	if breakers == nil {
		breakers = NewBreakerRegistry(DefaultBreakerConfig())
	}
	return &Executor{
		config:   config,
		breakers: breakers,
		limiters: make(map[string]*rate.Limiter),
		sleep:    sleepCtx,
	}
}

// Breakers exposes the underlying registry for status reads.
func (e *Executor) Breakers() *BreakerRegistry { return e.breakers }

// WithObserver attaches a health observer and returns the executor.
func (e *Executor) WithObserver(obs Observer) *Executor {
	e.observer = obs
	return e
}

// Execute runs op against the named dependency. Fails fast with
// ErrCircuitOpen when the breaker is open; otherwise retries transient
// errors up to MaxRetries with jittered exponential backoff, then records
// a single failure against the breaker if all attempts failed.
func (e *Executor) Execute(ctx context.Context, dependency string, op Operation) (any, error) {
	if err := e.breakers.Allow(dependency); err != nil {
		return nil, err
	}

	if lim := e.limiter(dependency); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			e.breakers.RecordFailure(dependency)
			if e.observer != nil {
				e.observer.RecordDependencyError(dependency)
			}
			e.observeState(dependency)
			return nil, fmt.Errorf("%s: rate wait: %w", dependency, err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= e.config.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := e.sleep(ctx, e.backoff(attempt)); err != nil {
				break
			}
		}

		result, err := e.attempt(ctx, op)
		if err == nil {
			e.breakers.RecordSuccess(dependency)
			e.observeState(dependency)
			return result, nil
		}
		lastErr = err

		if IsPermanent(err) || ctx.Err() != nil {
			break
		}
	}

	e.breakers.RecordFailure(dependency)
	if e.observer != nil {
		e.observer.RecordDependencyError(dependency)
	}
	e.observeState(dependency)
	return nil, fmt.Errorf("%s: %w", dependency, lastErr)
}

// observeState mirrors the breaker state into the observer's gauge:
// 0 closed, 1 half-open, 2 open.
func (e *Executor) observeState(dependency string) {
	if e.observer == nil {
		return
	}
	var v float64
	switch e.breakers.StateOf(dependency) {
	case StateHalfOpen:
		v = 1
	case StateOpen:
		v = 2
	}
	e.observer.SetBreakerState(dependency, v)
}

func (e *Executor) attempt(ctx context.Context, op Operation) (any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
	defer cancel()
	return op(attemptCtx)
}

func (e *Executor) backoff(attempt int) time.Duration {
	d := e.config.BaseBackoff * time.Duration(1<<uint(attempt-1))
	if d > e.config.MaxBackoff {
		d = e.config.MaxBackoff
	}
	// Full jitter: uniform in (0, d].
	return time.Duration(rand.Int63n(int64(d))) + 1
}

func (e *Executor) limiter(dependency string) *rate.Limiter {
	if e.config.RateLimit <= 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	lim, ok := e.limiters[dependency]
	if !ok {
		lim = rate.NewLimiter(e.config.RateLimit, e.config.RateBurst)
		e.limiters[dependency] = lim
	}
	return lim
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
