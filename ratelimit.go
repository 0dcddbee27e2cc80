package backfill

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// RateLimitConfig governs how fast a job calls the collection service.
type RateLimitConfig struct {
	MaxRequestsPerMinute int     `json:"max_requests_per_minute"`
	MaxConcurrent        int     `json:"max_concurrent"`
	MinDelayMs           int64   `json:"min_delay_ms"`
	MaxDelayMs           int64   `json:"max_delay_ms"`
	BackoffMultiplier    float64 `json:"backoff_multiplier"`
}

// DefaultRateLimitConfig is used when nothing is stored or the store is unreadable.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxRequestsPerMinute: 10,
		MaxConcurrent:        1,
		MinDelayMs:           5000,
		MaxDelayMs:           60000,
		BackoffMultiplier:    2,
	}
}

// Validate enforces minDelay <= maxDelay and a multiplier of at least one.
func (c RateLimitConfig) Validate() error {
	switch {
	case c.MaxRequestsPerMinute < 0:
		return newValidationError("max_requests_per_minute", "must not be negative")
	case c.MaxConcurrent < 1:
		return newValidationError("max_concurrent", "must be at least 1")
	case c.MinDelayMs < 0:
		return newValidationError("min_delay_ms", "must not be negative")
	case c.MaxDelayMs < c.MinDelayMs:
		return newValidationError("max_delay_ms", "%d is below min_delay_ms %d", c.MaxDelayMs, c.MinDelayMs)
	case c.BackoffMultiplier < 1 || math.IsNaN(c.BackoffMultiplier):
		return newValidationError("backoff_multiplier", "must be at least 1")
	}
	return nil
}

// Merge returns c with every non-nil field of o applied.
func (c RateLimitConfig) Merge(o *RateLimitOverrides) RateLimitConfig {
	if o == nil {
		return c
	}
	if o.MaxRequestsPerMinute != nil {
		c.MaxRequestsPerMinute = *o.MaxRequestsPerMinute
	}
	if o.MaxConcurrent != nil {
		c.MaxConcurrent = *o.MaxConcurrent
	}
	if o.MinDelayMs != nil {
		c.MinDelayMs = *o.MinDelayMs
	}
	if o.MaxDelayMs != nil {
		c.MaxDelayMs = *o.MaxDelayMs
	}
	if o.BackoffMultiplier != nil {
		c.BackoffMultiplier = *o.BackoffMultiplier
	}
	return c
}

// PerItem is the steady-state spacing between two dispatches.
func (c RateLimitConfig) PerItem() time.Duration {
	spacing := time.Duration(c.MinDelayMs) * time.Millisecond
	if c.MaxRequestsPerMinute > 0 {
		if window := time.Minute / time.Duration(c.MaxRequestsPerMinute); window > spacing {
			spacing = window
		}
	}
	return spacing
}

// RateLimitOverrides is the partial form of RateLimitConfig.
type RateLimitOverrides struct {
	MaxRequestsPerMinute *int     `json:"max_requests_per_minute,omitempty"`
	MaxConcurrent        *int     `json:"max_concurrent,omitempty"`
	MinDelayMs           *int64   `json:"min_delay_ms,omitempty"`
	MaxDelayMs           *int64   `json:"max_delay_ms,omitempty"`
	BackoffMultiplier    *float64 `json:"backoff_multiplier,omitempty"`
}

// ErrLimiterStopped is returned by Acquire once the limiter is stopped.
var ErrLimiterStopped = errors.New("rate limiter stopped")

// RateLimiter paces dispatches to the collection service. It enforces a
// delay floor that grows on retryable failures, a per-minute window and a
// ceiling on in-flight calls.
type RateLimiter struct {
	mu        sync.Mutex
	base      RateLimitConfig
	overrides *RateLimitOverrides
	cfg       RateLimitConfig

	currentDelay time.Duration
	lastDispatch time.Time
	window       *rate.Limiter
	sem          *semaphore.Weighted

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewRateLimiter builds a limiter for cfg.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	r := &RateLimiter{stopped: make(chan struct{})}
	r.base = cfg
	r.applyLocked()
	return r
}

func windowLimit(perMinute int) rate.Limit {
	if perMinute <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(perMinute) / 60)
}

// applyLocked recomputes the effective config. Waits already in progress
// keep the values they started with.
func (r *RateLimiter) applyLocked() {
	prev := r.cfg
	r.cfg = r.base.Merge(r.overrides)

	if r.window == nil || prev.MaxRequestsPerMinute != r.cfg.MaxRequestsPerMinute {
		r.window = rate.NewLimiter(windowLimit(r.cfg.MaxRequestsPerMinute), 1)
	}
	if r.sem == nil || prev.MaxConcurrent != r.cfg.MaxConcurrent {
		n := r.cfg.MaxConcurrent
		if n < 1 {
			n = 1
		}
		r.sem = semaphore.NewWeighted(int64(n))
	}

	minDelay := time.Duration(r.cfg.MinDelayMs) * time.Millisecond
	maxDelay := time.Duration(r.cfg.MaxDelayMs) * time.Millisecond
	if r.currentDelay < minDelay || prev == (RateLimitConfig{}) {
		r.currentDelay = minDelay
	}
	if r.currentDelay > maxDelay {
		r.currentDelay = maxDelay
	}
}

// Update replaces the global config. It takes effect on the next Acquire.
func (r *RateLimiter) Update(cfg RateLimitConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.base = cfg
	r.applyLocked()
}

// SetOverrides layers a job's overrides over the global config.
func (r *RateLimiter) SetOverrides(o *RateLimitOverrides) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides = o
	r.applyLocked()
}

// Config returns the effective config.
func (r *RateLimiter) Config() RateLimitConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// CurrentDelay is the floor enforced between two dispatches.
func (r *RateLimiter) CurrentDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentDelay
}

// Acquire blocks until the next item may be dispatched. The returned
// function must be called when the dispatched call finishes.
func (r *RateLimiter) Acquire(ctx context.Context) (func(), error) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.stopped:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	r.mu.Lock()
	delay := r.currentDelay
	last := r.lastDispatch
	window := r.window
	sem := r.sem
	r.mu.Unlock()

	if !last.IsZero() {
		if wait := delay - time.Since(last); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-waitCtx.Done():
				timer.Stop()
				return nil, r.waitErr(ctx)
			}
		}
	}
	if err := window.Wait(waitCtx); err != nil {
		return nil, r.waitErr(ctx)
	}
	if err := sem.Acquire(waitCtx, 1); err != nil {
		return nil, r.waitErr(ctx)
	}

	r.mu.Lock()
	r.lastDispatch = time.Now()
	r.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { sem.Release(1) }) }, nil
}

func (r *RateLimiter) waitErr(ctx context.Context) error {
	select {
	case <-r.stopped:
		return ErrLimiterStopped
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrLimiterStopped
}

// RecordSuccess resets the delay to the configured minimum.
func (r *RateLimiter) RecordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentDelay = time.Duration(r.cfg.MinDelayMs) * time.Millisecond
}

// RecordFailure backs off on retryable failures:
// currentDelay = min(currentDelay * multiplier, maxDelay).
func (r *RateLimiter) RecordFailure(retryable bool) {
	if !retryable {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	next := time.Duration(float64(r.currentDelay) * r.cfg.BackoffMultiplier)
	if maxDelay := time.Duration(r.cfg.MaxDelayMs) * time.Millisecond; next > maxDelay {
		next = maxDelay
	}
	r.currentDelay = next
}

// Reset forgets the last dispatch and the backoff state.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastDispatch = time.Time{}
	r.currentDelay = time.Duration(r.cfg.MinDelayMs) * time.Millisecond
}

// Stop aborts all pending and future waits. It is safe to call twice.
func (r *RateLimiter) Stop() {
	r.stopOnce.Do(func() { close(r.stopped) })
}
