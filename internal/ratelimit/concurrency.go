package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ConcurrencyLimiter bounds the number of in-flight guest self-requests
// per tenant (§6 self_request_max_concurrency) — a genuine concurrency
// cap, distinct from the rate-over-time the token-bucket Limiter
// enforces elsewhere in this package.
type ConcurrencyLimiter struct {
	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

func NewConcurrencyLimiter() *ConcurrencyLimiter {
	return &ConcurrencyLimiter{sems: make(map[string]*semaphore.Weighted)}
}

func (c *ConcurrencyLimiter) sem(tenant string, max int) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sems[tenant]
	if !ok {
		s = semaphore.NewWeighted(int64(max))
		c.sems[tenant] = s
	}
	return s
}

// Acquire blocks until a slot is free for tenant or ctx is done. max<=0
// disables the bound for that tenant entirely (release is then a no-op).
func (c *ConcurrencyLimiter) Acquire(ctx context.Context, tenant string, max int) (release func(), err error) {
	if max <= 0 {
		return func() {}, nil
	}
	s := c.sem(tenant, max)
	if err := s.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { s.Release(1) }, nil
}
