package ordering

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

var markDeliveredScript = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]))
if cur == nil or tonumber(ARGV[1]) > cur then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
  return 1
end
return 0
`)

var releaseReadyScript = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]))
local nxt = 1
if cur then
  nxt = cur + 1
end
local ids = redis.call("ZRANGEBYSCORE", KEYS[2], nxt, nxt)
if #ids > 0 then
  redis.call("ZREM", KEYS[2], unpack(ids))
end
return ids
`)

// RedisBuffer shares the cursor and buffer across workers. The buffer is a
// sorted set scored by sequence number.
type RedisBuffer struct {
	rdb *redis.Client
	cfg Config
}

func NewRedisBuffer(rdb *redis.Client, cfg Config) *RedisBuffer {
	return &RedisBuffer{rdb: rdb, cfg: cfg.withDefaults()}
}

func (b *RedisBuffer) NextExpected(ctx context.Context, endpointID string) (int64, error) {
	last, err := b.rdb.Get(ctx, deliveredKeyPrefix+endpointID).Int64()
	if errors.Is(err, redis.Nil) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return last + 1, nil
}

func (b *RedisBuffer) CanDeliver(ctx context.Context, endpointID string, seq int64) (bool, error) {
	next, err := b.NextExpected(ctx, endpointID)
	if err != nil {
		return false, err
	}
	return seq == next, nil
}

func (b *RedisBuffer) Buffer(ctx context.Context, endpointID, deliveryID string, seq int64) (int64, error) {
	key := bufferKeyPrefix + endpointID
	pipe := b.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(seq), Member: deliveryID})
	pipe.PExpire(ctx, key, b.cfg.BufferTTL)
	size := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return size.Val(), nil
}

func (b *RedisBuffer) MarkDelivered(ctx context.Context, endpointID string, seq int64) error {
	return markDeliveredScript.Run(ctx, b.rdb, []string{deliveredKeyPrefix + endpointID},
		seq, b.cfg.DeliveredTTL.Milliseconds()).Err()
}

func (b *RedisBuffer) ReleaseReady(ctx context.Context, endpointID string) ([]string, error) {
	return releaseReadyScript.Run(ctx, b.rdb,
		[]string{deliveredKeyPrefix + endpointID, bufferKeyPrefix + endpointID}).StringSlice()
}

func (b *RedisBuffer) BufferSize(ctx context.Context, endpointID string) (int64, error) {
	return b.rdb.ZCard(ctx, bufferKeyPrefix+endpointID).Result()
}

func (b *RedisBuffer) Reset(ctx context.Context, endpointID string) error {
	return b.rdb.Del(ctx, deliveredKeyPrefix+endpointID, bufferKeyPrefix+endpointID).Err()
}

// RedisSequencer uses INCR so concurrent ingest nodes never hand out the same number.
type RedisSequencer struct {
	rdb *redis.Client
}

func NewRedisSequencer(rdb *redis.Client) *RedisSequencer {
	return &RedisSequencer{rdb: rdb}
}

func (s *RedisSequencer) Next(ctx context.Context, endpointID string) (int64, error) {
	return s.rdb.Incr(ctx, sequenceKeyPrefix+endpointID).Result()
}

func (s *RedisSequencer) Current(ctx context.Context, endpointID string) (int64, error) {
	n, err := s.rdb.Get(ctx, sequenceKeyPrefix+endpointID).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (s *RedisSequencer) Reset(ctx context.Context, endpointID string) error {
	return s.rdb.Set(ctx, sequenceKeyPrefix+endpointID, 0, 0).Err()
}

var (
	_ Buffer    = (*RedisBuffer)(nil)
	_ Buffer    = (*MemoryBuffer)(nil)
	_ Sequencer = (*RedisSequencer)(nil)
	_ Sequencer = (*MemorySequencer)(nil)
)
