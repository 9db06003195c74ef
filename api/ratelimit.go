package api

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter holds the rate limiters for each tenant
type RateLimiter struct {
	visitors map[string]*visitor
	mutex    sync.Mutex
	limit    rate.Limit
	burst    int
	idle     time.Duration
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit rate.Limit, burst int) *RateLimiter {
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		limit:    limit,
		burst:    burst,
		idle:     10 * time.Minute,
	}
}

// Allow checks if a tenant is allowed to make a request
func (rl *RateLimiter) Allow(tenantID string) bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	v, exists := rl.visitors[tenantID]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[tenantID] = v
	}
	v.lastSeen = time.Now()

	return v.limiter.Allow()
}

// StartCleanup drops limiters of tenants that have been quiet for a while,
// until ctx is done.
func (rl *RateLimiter) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.cleanupStaleVisitors(time.Now())
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (rl *RateLimiter) cleanupStaleVisitors(now time.Time) {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	for id, v := range rl.visitors {
		if now.Sub(v.lastSeen) > rl.idle {
			delete(rl.visitors, id)
		}
	}
}
