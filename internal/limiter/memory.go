package limiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/shohag/hookrelay/internal/arena"
)

type MemoryConcurrency struct {
	sems *arena.Arena[*semaphore.Weighted]
	wait time.Duration
}

// NewMemoryConcurrency caps each endpoint at max in-flight permits, waiting up
// to wait for one to free up.
func NewMemoryConcurrency(max int, wait time.Duration, ac arena.Config) *MemoryConcurrency {
	if max <= 0 {
		max = 10
	}
	return &MemoryConcurrency{
		sems: arena.New(func(string) *semaphore.Weighted {
			return semaphore.NewWeighted(int64(max))
		}, arena.WithConfig[*semaphore.Weighted](ac)),
		wait: wait,
	}
}

func (c *MemoryConcurrency) TryAcquire(ctx context.Context, endpointID string) *Permit {
	sem := c.sems.Get(endpointID)
	if sem.TryAcquire(1) {
		return newPermit(func() { sem.Release(1) })
	}
	if c.wait <= 0 {
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, c.wait)
	defer cancel()
	if err := sem.Acquire(waitCtx, 1); err != nil {
		return nil
	}
	return newPermit(func() { sem.Release(1) })
}

// Sweep drops semaphores for endpoints idle past the arena TTL.
func (c *MemoryConcurrency) Sweep() int {
	return c.sems.Sweep()
}

type bucket struct {
	mu        sync.Mutex
	perSecond int
	lim       *rate.Limiter
}

type MemoryRate struct {
	buckets *arena.Arena[*bucket]
}

func NewMemoryRate(ac arena.Config) *MemoryRate {
	return &MemoryRate{
		buckets: arena.New(func(string) *bucket { return &bucket{} }, arena.WithConfig[*bucket](ac)),
	}
}

// Allow uses a token bucket holding one second of budget. Changing an
// endpoint's rate starts a fresh bucket.
func (r *MemoryRate) Allow(_ context.Context, endpointID string, perSecond int) bool {
	if perSecond <= 0 {
		return true
	}
	b := r.buckets.Get(endpointID)
	b.mu.Lock()
	if b.lim == nil || b.perSecond != perSecond {
		b.lim = rate.NewLimiter(rate.Limit(perSecond), perSecond)
		b.perSecond = perSecond
	}
	lim := b.lim
	b.mu.Unlock()
	return lim.Allow()
}

func (r *MemoryRate) Sweep() int {
	return r.buckets.Sweep()
}
