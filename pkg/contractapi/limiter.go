package contractapi

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// AdaptiveLimiter wraps a rate.Limiter that backs off when the API answers
// 429 and recovers gradually on success.
// On success the rate grows by 20% (up to 2x initial); on 429 it halves
// (down to initial/4).
type AdaptiveLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	initial rate.Limit
	current rate.Limit
}

// NewAdaptiveLimiter creates an adaptive limiter starting at rps.
func NewAdaptiveLimiter(rps rate.Limit, burst int) *AdaptiveLimiter {
	if burst <= 0 {
		burst = max(int(rps), 1)
	}
	return &AdaptiveLimiter{
		limiter: rate.NewLimiter(rps, burst),
		initial: rps,
		current: rps,
	}
}

// Wait blocks until the limiter allows an event or ctx is done.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess nudges the rate back up.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current >= a.initial*2 {
		return
	}
	a.current = min(a.current*1.2, a.initial*2)
	a.limiter.SetLimit(a.current)
}

// OnThrottled halves the rate.
func (a *AdaptiveLimiter) OnThrottled() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = max(a.current*0.5, a.initial/4)
	a.limiter.SetLimit(a.current)
	zap.L().Warn("contractapi: throttled, reducing request rate",
		zap.Float64("new_rate", float64(a.current)),
	)
}

// Limit returns the current rate.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}
