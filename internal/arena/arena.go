// Package arena keeps lazily created per-key state (breakers, semaphores, token
// buckets) and evicts entries that have not been touched within a TTL, so state
// for endpoints that stopped receiving traffic does not accumulate.
package arena

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type slot[T any] struct {
	value    T
	lastUsed atomic.Int64
}

type Arena[T any] struct {
	items      *xsync.MapOf[string, *slot[T]]
	newFn      func(key string) T
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
	onEvict    func(key string, value T)
}

type Option[T any] func(*Arena[T])

// WithTTL sets the idle time after which an entry may be evicted (default 1h).
func WithTTL[T any](ttl time.Duration) Option[T] {
	return func(a *Arena[T]) {
		if ttl > 0 {
			a.ttl = ttl
		}
	}
}

// WithMaxEntries bounds the arena size (default 10000). When a new key would
// exceed it, idle entries are swept and then the least recently used goes.
func WithMaxEntries[T any](n int) Option[T] {
	return func(a *Arena[T]) {
		if n > 0 {
			a.maxEntries = n
		}
	}
}

// Config carries the sizing knobs shared by every arena in a process.
type Config struct {
	TTL        time.Duration
	MaxEntries int
}

func WithConfig[T any](cfg Config) Option[T] {
	return func(a *Arena[T]) {
		WithTTL[T](cfg.TTL)(a)
		WithMaxEntries[T](cfg.MaxEntries)(a)
	}
}

func WithClock[T any](now func() time.Time) Option[T] {
	return func(a *Arena[T]) {
		if now != nil {
			a.now = now
		}
	}
}

func WithEvictHook[T any](fn func(key string, value T)) Option[T] {
	return func(a *Arena[T]) {
		a.onEvict = fn
	}
}

func New[T any](newFn func(key string) T, opts ...Option[T]) *Arena[T] {
	a := &Arena[T]{
		items:      xsync.NewMapOf[string, *slot[T]](),
		newFn:      newFn,
		ttl:        time.Hour,
		maxEntries: 10000,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Get returns the value for key, creating it on first use, and marks it as used.
func (a *Arena[T]) Get(key string) T {
	s, loaded := a.items.LoadOrCompute(key, func() *slot[T] {
		return &slot[T]{value: a.newFn(key)}
	})
	s.lastUsed.Store(a.now().UnixNano())
	if !loaded && a.items.Size() > a.maxEntries {
		a.shrink(key)
	}
	return s.value
}

// Peek returns the value without creating it or refreshing its idle timer.
func (a *Arena[T]) Peek(key string) (T, bool) {
	s, ok := a.items.Load(key)
	if !ok {
		var zero T
		return zero, false
	}
	return s.value, true
}

func (a *Arena[T]) Remove(key string) {
	if s, ok := a.items.LoadAndDelete(key); ok && a.onEvict != nil {
		a.onEvict(key, s.value)
	}
}

func (a *Arena[T]) Len() int {
	return a.items.Size()
}

func (a *Arena[T]) Range(fn func(key string, value T) bool) {
	a.items.Range(func(key string, s *slot[T]) bool {
		return fn(key, s.value)
	})
}

// Sweep evicts every entry idle for longer than the TTL and returns how many went.
func (a *Arena[T]) Sweep() int {
	cutoff := a.now().Add(-a.ttl).UnixNano()
	evicted := 0
	a.items.Range(func(key string, s *slot[T]) bool {
		if s.lastUsed.Load() < cutoff && a.evictIfIdle(key, cutoff) {
			evicted++
		}
		return true
	})
	return evicted
}

// Run sweeps on the given interval until ctx is cancelled.
func (a *Arena[T]) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Sweep()
		}
	}
}

// evictIfIdle deletes key only if it is still idle, so a concurrent Get that
// refreshed the entry keeps it.
func (a *Arena[T]) evictIfIdle(key string, cutoff int64) bool {
	var removed *slot[T]
	a.items.Compute(key, func(old *slot[T], loaded bool) (*slot[T], bool) {
		if !loaded {
			return old, true
		}
		if old.lastUsed.Load() < cutoff {
			removed = old
			return old, true
		}
		return old, false
	})
	if removed != nil && a.onEvict != nil {
		a.onEvict(key, removed.value)
	}
	return removed != nil
}

func (a *Arena[T]) shrink(keep string) {
	if a.Sweep() > 0 && a.items.Size() <= a.maxEntries {
		return
	}
	var oldestKey string
	oldest := int64(1<<63 - 1)
	a.items.Range(func(key string, s *slot[T]) bool {
		if key == keep {
			return true
		}
		if t := s.lastUsed.Load(); t < oldest {
			oldest, oldestKey = t, key
		}
		return true
	})
	if oldestKey != "" {
		a.evictIfIdle(oldestKey, oldest+1)
	}
}
