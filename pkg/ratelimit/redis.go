package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript runs the bucket refill-and-consume step atomically.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = current unix time (fractional seconds)
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 120)

return allowed
`)

// RedisStore shares buckets across broker instances.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects a Redis-backed limiter store.
func NewRedisStore(addr, password string, db int) *RedisStore {
	return &RedisStore{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (s *RedisStore) Allow(ctx context.Context, key string, l Limit) (bool, error) {
	burst := l.Burst
	if burst <= 0 {
		burst = 1
	}
	now := float64(time.Now().UnixMicro()) / 1e6
	res, err := tokenBucketScript.Run(ctx, s.client,
		[]string{"ratelimit:" + key}, float64(l.perSecond()), burst, 1, now).Int64()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	return res == 1, nil
}

// Close releases the client.
func (s *RedisStore) Close() error { return s.client.Close() }
