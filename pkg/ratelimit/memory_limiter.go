package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryLimiter backs the request-boundary limiter with one
// golang.org/x/time/rate.Limiter per key. One mutex guards the key map
// and is held only for the lookup; the per-key check runs outside it.
// Used when no Redis endpoint is
// configured, or in single-instance deployments where cross-instance
// sharing does not matter.
type MemoryLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{limiters: make(map[string]*rate.Limiter)}
}

func (l *MemoryLimiter) Allow(ctx context.Context, key string, limit Limit, cost int, now time.Time) (bool, error) {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(limit.RatePerSecond), limit.Burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()

	return lim.AllowN(now, cost), nil
}
