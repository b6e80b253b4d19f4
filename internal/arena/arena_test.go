package arena

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestArena_GetCreatesOnce(t *testing.T) {
	t.Parallel()
	var created atomic.Int64
	a := New(func(key string) *int64 {
		created.Add(1)
		v := int64(len(key))
		return &v
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Get("ep_1")
		}()
	}
	wg.Wait()

	if created.Load() != 1 {
		t.Errorf("expected constructor to run once, ran %d times", created.Load())
	}
	if a.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", a.Len())
	}
}

func TestArena_SweepEvictsIdle(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	var evicted []string
	a := New(func(key string) string { return key },
		WithTTL[string](time.Minute),
		WithClock[string](clock.Now),
		WithEvictHook(func(key string, _ string) { evicted = append(evicted, key) }),
	)

	a.Get("old")
	clock.Advance(45 * time.Second)
	a.Get("fresh")
	clock.Advance(30 * time.Second)

	if n := a.Sweep(); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if _, ok := a.Peek("old"); ok {
		t.Error("expected idle entry to be evicted")
	}
	if _, ok := a.Peek("fresh"); !ok {
		t.Error("expected recently used entry to survive")
	}
	if len(evicted) != 1 || evicted[0] != "old" {
		t.Errorf("expected evict hook for old, got %v", evicted)
	}
}

func TestArena_MaxEntries(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	a := New(func(key string) string { return key },
		WithMaxEntries[string](2),
		WithClock[string](clock.Now),
	)

	a.Get("a")
	clock.Advance(time.Second)
	a.Get("b")
	clock.Advance(time.Second)
	a.Get("c")

	if a.Len() != 2 {
		t.Fatalf("expected arena bounded at 2, got %d", a.Len())
	}
	if _, ok := a.Peek("a"); ok {
		t.Error("expected least recently used entry to be evicted")
	}
	if _, ok := a.Peek("c"); !ok {
		t.Error("expected newly created entry to be kept")
	}
}
