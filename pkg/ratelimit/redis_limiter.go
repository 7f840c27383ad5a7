package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript is pkg/kernel's redisTokenBucketScript adapted to a
// request-boundary key (API key or caller IP) instead of an agent
// backpressure actor ID: same refill/consume/self-expire algorithm, one
// atomic Lua round trip per Allow call.
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
    local added = elapsed * rate
    tokens = tokens + added
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
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisLimiter backs the request-boundary limiter with Redis so a
// fleet of gateway instances shares one bucket per key.
type RedisLimiter struct {
	client *redis.Client
	prefix string
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: "gw:ratelimit:"}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit Limit, cost int, now time.Time) (bool, error) {
	rate := limit.RatePerSecond
	if rate <= 0 {
		rate = 1.0
	}
	nowSeconds := float64(now.UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, l.client, []string{l.prefix + key}, rate, limit.Burst, cost, nowSeconds).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis script failed: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("ratelimit: unexpected script response")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}
