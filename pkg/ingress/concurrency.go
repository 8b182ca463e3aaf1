package ingress

import (
	"sync"

	"github.com/freitascorp/tunnelrelay/pkg/resilience"
)

// DefaultMaxConcurrentPerIdentity caps simultaneous in-flight requests
// per token or alias (spec.md §2(5): ingress limits are "body size,
// concurrency, per-identity rate").
const DefaultMaxConcurrentPerIdentity = 100

// concurrencyLimiter holds one resilience.Bulkhead per identity,
// created lazily on first use and removed only by Forget, mirroring
// pkg/ratelimit.Limiter's per-identity bucket map.
type concurrencyLimiter struct {
	mu    sync.Mutex
	limit int
	sems  map[string]*resilience.Bulkhead
}

func newConcurrencyLimiter(limit int) *concurrencyLimiter {
	if limit <= 0 {
		limit = DefaultMaxConcurrentPerIdentity
	}
	return &concurrencyLimiter{limit: limit, sems: make(map[string]*resilience.Bulkhead)}
}

func (c *concurrencyLimiter) bulkheadFor(identity string) *resilience.Bulkhead {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.sems[identity]
	if !ok {
		b = resilience.NewBulkhead(identity, c.limit)
		c.sems[identity] = b
	}
	return b
}

// Forget drops identity's bulkhead; the next request creates a fresh
// one. Nothing in the relay calls it on registration teardown.
func (c *concurrencyLimiter) Forget(identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sems, identity)
}
