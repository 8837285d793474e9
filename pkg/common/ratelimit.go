package common

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter hands out one token bucket per key, typically a client address.
// Buckets idle for longer than the sweep interval are dropped.
type RateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*bucket

	sweepEvery time.Duration
	lastSweep  time.Time
	now        func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a RateLimiter allowing rps events per second per key
// with bursts of up to burst events.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limit:      rate.Limit(rps),
		burst:      burst,
		buckets:    make(map[string]*bucket),
		sweepEvery: 10 * time.Minute,
		now:        time.Now,
	}
}

// Allow reports whether an event for key may happen now.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) >= rl.sweepEvery {
		rl.sweep(now)
	}

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// UpdateLimits adjusts the rate and burst of every existing and future bucket.
func (rl *RateLimiter) UpdateLimits(rps float64, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.limit = rate.Limit(rps)
	rl.burst = burst
	now := rl.now()
	for _, b := range rl.buckets {
		b.limiter.SetLimitAt(now, rl.limit)
		b.limiter.SetBurstAt(now, burst)
	}
}

// Len returns the number of tracked keys.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

func (rl *RateLimiter) sweep(now time.Time) {
	for key, b := range rl.buckets {
		if now.Sub(b.lastSeen) >= rl.sweepEvery {
			delete(rl.buckets, key)
		}
	}
	rl.lastSweep = now
}
