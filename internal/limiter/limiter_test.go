package limiter

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/shohag/hookrelay/internal/arena"
)

func TestPermit_ReleaseOnce(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	p := newPermit(func() { calls.Add(1) })
	p.Release()
	p.Release()
	if calls.Load() != 1 {
		t.Errorf("expected release to run once, got %d", calls.Load())
	}

	var nilPermit *Permit
	nilPermit.Release()
}

func TestMemoryConcurrency_Cap(t *testing.T) {
	t.Parallel()

	c := NewMemoryConcurrency(2, 0, arena.Config{})
	ctx := context.Background()

	p1 := c.TryAcquire(ctx, "ep_1")
	p2 := c.TryAcquire(ctx, "ep_1")
	if p1 == nil || p2 == nil {
		t.Fatal("expected first two permits to be granted")
	}
	if p := c.TryAcquire(ctx, "ep_1"); p != nil {
		t.Error("expected third permit to be denied")
	}
	if p := c.TryAcquire(ctx, "ep_2"); p == nil {
		t.Error("expected other endpoint to have its own budget")
	}

	p1.Release()
	p1.Release()
	p3 := c.TryAcquire(ctx, "ep_1")
	if p3 == nil {
		t.Fatal("expected permit after release")
	}
	if p := c.TryAcquire(ctx, "ep_1"); p != nil {
		t.Error("expected double release not to free an extra slot")
	}
}

func TestMemoryConcurrency_WaitsForRelease(t *testing.T) {
	t.Parallel()

	c := NewMemoryConcurrency(1, 500*time.Millisecond, arena.Config{})
	ctx := context.Background()

	held := c.TryAcquire(ctx, "ep_1")
	if held == nil {
		t.Fatal("expected permit")
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		held.Release()
	}()
	if p := c.TryAcquire(ctx, "ep_1"); p == nil {
		t.Error("expected waiter to get the released permit")
	}
}

func TestMemoryConcurrency_NeverExceedsMax(t *testing.T) {
	t.Parallel()

	c := NewMemoryConcurrency(3, 10*time.Millisecond, arena.Config{})
	var (
		inFlight atomic.Int32
		peak     atomic.Int32
		wg       sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := c.TryAcquire(context.Background(), "ep_1")
			if p == nil {
				return
			}
			defer p.Release()
			n := inFlight.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
		}()
	}
	wg.Wait()
	if peak.Load() > 3 {
		t.Errorf("expected at most 3 in flight, got %d", peak.Load())
	}
}

func TestMemoryRate(t *testing.T) {
	t.Parallel()

	r := NewMemoryRate(arena.Config{})
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		if !r.Allow(ctx, "ep_unlimited", 0) {
			t.Fatal("expected unlimited endpoint to always pass")
		}
	}

	allowed := 0
	for i := 0; i < 5; i++ {
		if r.Allow(ctx, "ep_1", 2) {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("expected 2 admitted within one second, got %d", allowed)
	}

	if !r.Allow(ctx, "ep_1", 10) {
		t.Error("expected rate change to start a fresh bucket")
	}
}

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("HOOKRELAY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("HOOKRELAY_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestRedisConcurrency(t *testing.T) {
	rdb := redisClient(t)
	ctx := context.Background()
	endpoint := "test_" + time.Now().Format("150405.000000")
	t.Cleanup(func() { rdb.Del(ctx, concurrencyKeyPrefix+endpoint) })

	c := NewRedisConcurrency(rdb, RedisConcurrencyConfig{Max: 2}, zerolog.Nop())
	p1 := c.TryAcquire(ctx, endpoint)
	p2 := c.TryAcquire(ctx, endpoint)
	if p1 == nil || p2 == nil {
		t.Fatal("expected two permits")
	}
	if p := c.TryAcquire(ctx, endpoint); p != nil {
		t.Error("expected third permit to be denied")
	}
	p1.Release()
	if p := c.TryAcquire(ctx, endpoint); p == nil {
		t.Error("expected permit after release")
	}
}

func TestRedisRate(t *testing.T) {
	rdb := redisClient(t)
	ctx := context.Background()
	endpoint := "test_" + time.Now().Format("150405.000000")
	t.Cleanup(func() { rdb.Del(ctx, rateKeyPrefix+endpoint) })

	r := NewRedisRate(rdb, time.Minute, true, zerolog.Nop())
	allowed := 0
	for i := 0; i < 5; i++ {
		if r.Allow(ctx, endpoint, 3) {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("expected 3 admitted, got %d", allowed)
	}
}

func TestRedis_FailOpen(t *testing.T) {
	t.Parallel()

	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()
	ctx := context.Background()

	c := NewRedisConcurrency(rdb, RedisConcurrencyConfig{Max: 1, FailOpen: true}, zerolog.Nop())
	if p := c.TryAcquire(ctx, "ep_1"); p == nil {
		t.Error("expected fail-open permit when redis is down")
	}
	closed := NewRedisConcurrency(rdb, RedisConcurrencyConfig{Max: 1}, zerolog.Nop())
	if p := closed.TryAcquire(ctx, "ep_1"); p != nil {
		t.Error("expected denial when fail-open is off")
	}

	r := NewRedisRate(rdb, time.Minute, true, zerolog.Nop())
	if !r.Allow(ctx, "ep_1", 1) {
		t.Error("expected fail-open rate admission")
	}
}
