package kv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

var compareAndSwapScript = goredis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current ~= ARGV[1] then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
	redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

var compareAndDeleteScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Redis implements Store on top of a go-redis client. The caller owns the
// client lifecycle.
type Redis struct {
	client goredis.Cmdable
}

var _ Store = (*Redis)(nil)

// NewRedis wraps an existing go-redis client
func NewRedis(client goredis.Cmdable) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, ErrNil
		}
		return nil, fmt.Errorf("kv/redis: get %s: %w", key, err)
	}
	return value, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kv/redis: set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv/redis: setnx %s: %w", key, err)
	}
	return ok, nil
}

func (r *Redis) CompareAndSwap(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error) {
	swapped, err := compareAndSwapScript.Run(ctx, r.client, []string{key},
		expected, value, strconv.FormatInt(ttl.Milliseconds(), 10),
	).Int()
	if err != nil {
		return false, fmt.Errorf("kv/redis: compare-and-swap %s: %w", key, err)
	}
	return swapped == 1, nil
}

func (r *Redis) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	deleted, err := compareAndDeleteScript.Run(ctx, r.client, []string{key}, expected).Int()
	if err != nil {
		return false, fmt.Errorf("kv/redis: compare-and-delete %s: %w", key, err)
	}
	return deleted == 1, nil
}

func (r *Redis) PushTrim(ctx context.Context, key string, value string, max int) error {
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, key, value)
	if max > 0 {
		pipe.LTrim(ctx, key, 0, int64(max-1))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("kv/redis: push %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Range(ctx context.Context, key string, n int) ([]string, error) {
	stop := int64(-1)
	if n > 0 {
		stop = int64(n - 1)
	}
	values, err := r.client.LRange(ctx, key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("kv/redis: range %s: %w", key, err)
	}
	return values, nil
}

func (r *Redis) ZAdd(ctx context.Context, key string, member string, score float64) error {
	if err := r.client.ZAdd(ctx, key, goredis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("kv/redis: zadd %s: %w", key, err)
	}
	return nil
}

func (r *Redis) ZRangeByScore(ctx context.Context, key string, max float64, limit int) ([]string, error) {
	opt := &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(max, 'f', -1, 64),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	members, err := r.client.ZRangeByScore(ctx, key, opt).Result()
	if err != nil {
		return nil, fmt.Errorf("kv/redis: zrangebyscore %s: %w", key, err)
	}
	return members, nil
}

func (r *Redis) ZRem(ctx context.Context, key string, member string) error {
	if err := r.client.ZRem(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("kv/redis: zrem %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
