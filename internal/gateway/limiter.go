// ABOUTME: Per-owner token bucket limiting how often chat turns may be submitted.
// ABOUTME: Idle buckets are dropped so the map stays bounded by active owners.

package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterIdleTTL is how long an untouched bucket is kept.
const limiterIdleTTL = 10 * time.Minute

type ownerBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ownerLimiter hands out one rate.Limiter per owner. A nil *ownerLimiter
// allows everything.
type ownerLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*ownerBucket
	limit     rate.Limit
	burst     int
	lastPrune time.Time
	now       func() time.Time
}

// newOwnerLimiter returns nil when perMinute is not positive.
func newOwnerLimiter(perMinute float64, burst int) *ownerLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &ownerLimiter{
		buckets: make(map[string]*ownerBucket),
		limit:   rate.Limit(perMinute / 60),
		burst:   burst,
		now:     time.Now,
	}
}

// Allow consumes one token from owner's bucket.
func (l *ownerLimiter) Allow(owner string) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastPrune) > limiterIdleTTL {
		l.pruneLocked(now)
		l.lastPrune = now
	}

	b, ok := l.buckets[owner]
	if !ok {
		b = &ownerBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[owner] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

func (l *ownerLimiter) pruneLocked(now time.Time) {
	for owner, b := range l.buckets {
		if now.Sub(b.lastSeen) > limiterIdleTTL {
			delete(l.buckets, owner)
		}
	}
}
