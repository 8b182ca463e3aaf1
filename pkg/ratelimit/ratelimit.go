// Package ratelimit enforces a per-identity token-bucket request rate
// limit on the ingress data path.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultRequestsPerMinute is the default per-identity allowance.
const DefaultRequestsPerMinute = 1000

// Limiter holds one token bucket per identity, created lazily on first
// use and removed only by an explicit Forget (identities are bounded by the number of
// currently- or recently-connected tokens, not an external attacker
// surface, so unbounded growth here tracks routing table size).
type Limiter struct {
	mu           sync.Mutex
	buckets      map[string]*rate.Limiter
	ratePerMin   int
	burst        int
}

// New creates a Limiter allowing requestsPerMinute sustained requests per
// identity, with a burst equal to the same figure (a caller may spend a
// full minute's allowance instantly, then must wait).
func New(requestsPerMinute int) *Limiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = DefaultRequestsPerMinute
	}
	return &Limiter{
		buckets:    make(map[string]*rate.Limiter),
		ratePerMin: requestsPerMinute,
		burst:      requestsPerMinute,
	}
}

func (l *Limiter) bucketFor(identity string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[identity]
	if !ok {
		perSecond := rate.Limit(float64(l.ratePerMin) / 60.0)
		b = rate.NewLimiter(perSecond, l.burst)
		l.buckets[identity] = b
	}
	return b
}

// Allow reports whether a request for identity may proceed now.
func (l *Limiter) Allow(identity string) bool {
	return l.bucketFor(identity).Allow()
}

// RetryAfter returns the Retry-After duration to report to a caller who
// was just denied, based on the bucket's current reservation delay.
func (l *Limiter) RetryAfter(identity string) time.Duration {
	b := l.bucketFor(identity)
	r := b.ReserveN(time.Now(), 1)
	defer r.Cancel()
	if !r.OK() {
		return time.Minute
	}
	d := r.Delay()
	if d < 0 {
		d = 0
	}
	return d
}

// Forget drops the bucket for identity; its next request starts from a
// fresh, full bucket. Registration teardown does not call it.
func (l *Limiter) Forget(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, identity)
}
