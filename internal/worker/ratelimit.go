package worker

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// RateLimiter throttles outbound classification calls per run, no matter
// how many workers serve that run concurrently. Each run gets one token
// bucket with burst 1: consecutive calls are spaced by the run's configured
// rate, floored at a minimum inter-request interval so an idle run cannot
// burst when work arrives.
type RateLimiter struct {
	mu          sync.Mutex
	limiters    map[uuid.UUID]*rate.Limiter
	defaultRate float64
	minInterval time.Duration
}

// NewRateLimiter creates a rate limiter registry. defaultRate is the
// conservative requests-per-second fallback applied when a run's configured
// rate is zero or invalid; it must be positive.
func NewRateLimiter(defaultRate float64, minInterval time.Duration) *RateLimiter {
	if defaultRate <= 0 || math.IsNaN(defaultRate) || math.IsInf(defaultRate, 0) {
		defaultRate = 1
	}
	if minInterval <= 0 {
		minInterval = time.Millisecond
	}
	return &RateLimiter{
		limiters:    make(map[uuid.UUID]*rate.Limiter),
		defaultRate: defaultRate,
		minInterval: minInterval,
	}
}

// Acquire blocks until issuing a request for the run would not exceed its
// configured rate, or until the context is done. ratePerSecond is the run's
// configured rate; invalid values fall back to the registry default rather
// than failing open or closed.
func (l *RateLimiter) Acquire(ctx context.Context, runID uuid.UUID, ratePerSecond float64) error {
	return l.limiterFor(runID, ratePerSecond).Wait(ctx)
}

// Forget drops the limiter state for a run that has finished.
func (l *RateLimiter) Forget(runID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, runID)
}

// limiterFor returns the limiter for the run, creating it on first use.
// The limiter created by the first caller wins; a run's rate is immutable,
// so later callers always agree on it.
func (l *RateLimiter) limiterFor(runID uuid.UUID, ratePerSecond float64) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limiter, ok := l.limiters[runID]; ok {
		return limiter
	}

	limiter := rate.NewLimiter(rate.Every(l.intervalFor(ratePerSecond)), 1)
	l.limiters[runID] = limiter
	return limiter
}

// intervalFor converts a configured rate into the effective inter-request
// interval, applying the default for invalid rates and the minimum floor.
func (l *RateLimiter) intervalFor(ratePerSecond float64) time.Duration {
	if ratePerSecond <= 0 || math.IsNaN(ratePerSecond) || math.IsInf(ratePerSecond, 0) {
		ratePerSecond = l.defaultRate
	}

	interval := time.Duration(float64(time.Second) / ratePerSecond)
	if interval < l.minInterval {
		interval = l.minInterval
	}
	return interval
}
