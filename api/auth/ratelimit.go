package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultRequestsPerSecond is the sustained rate allowed per identity
	DefaultRequestsPerSecond = 10
	// DefaultBurst is how many requests an identity can make at once
	DefaultBurst = 20

	// limiters not used for this long are forgotten
	idleLimiterTimeout = 10 * time.Minute
	pruneInterval      = time.Minute
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a token bucket per identity
type RateLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	limiters  map[string]*limiterEntry
	lastPrune time.Time
	now       func() time.Time
}

// NewRateLimiter allows each identity perSecond requests on average, and
// burst at once
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: map[string]*limiterEntry{},
		now:      time.Now,
	}
}

// Allow checks whether the identity can make a request now
func (r *RateLimiter) Allow(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if now.Sub(r.lastPrune) > pruneInterval {
		for key, entry := range r.limiters {
			if now.Sub(entry.lastSeen) > idleLimiterTimeout {
				delete(r.limiters, key)
			}
		}
		r.lastPrune = now
	}

	entry, ok := r.limiters[identity]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.limiters[identity] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}
