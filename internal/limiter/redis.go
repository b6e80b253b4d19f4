package limiter

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	concurrencyKeyPrefix = "concurrency:endpoint:"
	rateKeyPrefix        = "rate_limiter:endpoint:"
)

// Permits are sorted-set members scored by their expiry, so a worker that dies
// holding one only blocks the slot until the permit TTL passes.
var acquireScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if redis.call("ZCARD", KEYS[1]) < tonumber(ARGV[3]) then
  redis.call("ZADD", KEYS[1], tonumber(ARGV[1]) + tonumber(ARGV[2]), ARGV[4])
  redis.call("PEXPIRE", KEYS[1], ARGV[5])
  return 1
end
return 0
`)

var tokenBucketScript = redis.NewScript(`
local rate = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = rate
  ts = now
end
local elapsed = math.max(0, now - ts)
tokens = math.min(rate, tokens + (elapsed * rate / 1000))
local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end
redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", tostring(now))
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return allowed
`)

type RedisConcurrencyConfig struct {
	Max       int
	Wait      time.Duration
	PermitTTL time.Duration
	KeyTTL    time.Duration
	// FailOpen admits requests when Redis is unreachable.
	FailOpen bool
}

type RedisConcurrency struct {
	rdb *redis.Client
	cfg RedisConcurrencyConfig
	log zerolog.Logger
}

func NewRedisConcurrency(rdb *redis.Client, cfg RedisConcurrencyConfig, log zerolog.Logger) *RedisConcurrency {
	if cfg.Max <= 0 {
		cfg.Max = 10
	}
	if cfg.PermitTTL <= 0 {
		cfg.PermitTTL = 5 * time.Minute
	}
	if cfg.KeyTTL <= 0 {
		cfg.KeyTTL = 24 * time.Hour
	}
	return &RedisConcurrency{
		rdb: rdb,
		cfg: cfg,
		log: log.With().Str("component", "redis-concurrency").Logger(),
	}
}

func (c *RedisConcurrency) TryAcquire(ctx context.Context, endpointID string) *Permit {
	key := concurrencyKeyPrefix + endpointID
	permitID := uuid.NewString()
	deadline := time.Now().Add(c.cfg.Wait)

	for {
		ok, err := c.acquire(ctx, key, permitID)
		if err != nil {
			c.log.Warn().Err(err).Str("endpoint_id", endpointID).Msg("redis concurrency control unavailable")
			if c.cfg.FailOpen {
				return newPermit(nil)
			}
			return nil
		}
		if ok {
			return newPermit(func() { c.release(key, permitID) })
		}
		if !time.Now().Before(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (c *RedisConcurrency) acquire(ctx context.Context, key, permitID string) (bool, error) {
	now := time.Now().UnixMilli()
	n, err := acquireScript.Run(ctx, c.rdb, []string{key},
		now, c.cfg.PermitTTL.Milliseconds(), c.cfg.Max, permitID, c.cfg.KeyTTL.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c *RedisConcurrency) release(key, permitID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.rdb.ZRem(ctx, key, permitID).Err(); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("failed to release permit")
	}
}

type RedisRate struct {
	rdb      *redis.Client
	keyTTL   time.Duration
	failOpen bool
	log      zerolog.Logger
}

func NewRedisRate(rdb *redis.Client, keyTTL time.Duration, failOpen bool, log zerolog.Logger) *RedisRate {
	if keyTTL <= 0 {
		keyTTL = 24 * time.Hour
	}
	return &RedisRate{
		rdb:      rdb,
		keyTTL:   keyTTL,
		failOpen: failOpen,
		log:      log.With().Str("component", "redis-rate").Logger(),
	}
}

func (r *RedisRate) Allow(ctx context.Context, endpointID string, perSecond int) bool {
	if perSecond <= 0 {
		return true
	}
	key := rateKeyPrefix + endpointID
	res, err := tokenBucketScript.Run(ctx, r.rdb, []string{key},
		strconv.Itoa(perSecond), time.Now().UnixMilli(), r.keyTTL.Milliseconds()).Int64()
	if err != nil {
		r.log.Warn().Err(err).Str("endpoint_id", endpointID).Msg("redis rate limiter unavailable")
		return r.failOpen
	}
	return res == 1
}
