package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mindburn-labs/agentgateway/pkg/contracts"
)

// reserveScript conditionally increments both the count and amount
// fields of a budget hash in one round trip, so a reservation attempt
// can never observe (and act on) a stale read between check and write.
//
// KEYS[1] = counter key
// ARGV[1] = amount to add this reservation (cents)
// ARGV[2] = count limit (0 = unlimited)
// ARGV[3] = amount limit (0 = unlimited)
var reserveScript = redis.NewScript(`
local key = KEYS[1]
local amount = tonumber(ARGV[1])
local count_limit = tonumber(ARGV[2])
local amount_limit = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "count", "amount")
local count = tonumber(state[1]) or 0
local current_amount = tonumber(state[2]) or 0

local next_count = count + 1
local next_amount = current_amount + amount

if count_limit > 0 and next_count > count_limit then
    return {0, count, current_amount}
end
if amount_limit > 0 and next_amount > amount_limit then
    return {0, count, current_amount}
end

redis.call("HMSET", key, "count", next_count, "amount", next_amount)
redis.call("EXPIRE", key, 172800)

return {1, next_count, next_amount}
`)

// RedisStore implements Store using an atomic Lua script so concurrent
// reservations against the same key are linearized by Redis itself.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an already-configured Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Reserve(ctx context.Context, key Key, amountCents int64, limit Limit, now time.Time) (Reservation, error) {
	bucket := periodBucket(key, now)
	k := "budget:" + storeKey(key, bucket)

	res, err := reserveScript.Run(ctx, s.client, []string{k}, amountCents, limit.CountLimit, limit.AmountLimit).Result()
	if err != nil {
		return Reservation{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 3 {
		return Reservation{}, fmt.Errorf("%w: unexpected script response", ErrUnavailable)
	}

	allowed, _ := results[0].(int64)
	count, _ := results[1].(int64)
	amount, _ := results[2].(int64)

	counter := contracts.BudgetCounter{
		OrgID:            key.OrgID,
		UAPKID:           key.UAPKID,
		ActionType:       key.ActionType,
		PeriodBucket:     bucket,
		CountUsed:        count,
		AmountUsedCents:  amount,
		CountLimit:       limit.CountLimit,
		AmountLimitCents: limit.AmountLimit,
		UpdatedAt:        now,
	}

	return Reservation{Allowed: allowed == 1, Counter: counter}, nil
}

func (s *RedisStore) Get(ctx context.Context, key Key, now time.Time) (contracts.BudgetCounter, error) {
	bucket := periodBucket(key, now)
	k := "budget:" + storeKey(key, bucket)

	vals, err := s.client.HMGet(ctx, k, "count", "amount").Result()
	if err != nil {
		return contracts.BudgetCounter{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	counter := contracts.BudgetCounter{OrgID: key.OrgID, UAPKID: key.UAPKID, ActionType: key.ActionType, PeriodBucket: bucket}
	if vals[0] != nil {
		fmt.Sscanf(fmt.Sprint(vals[0]), "%d", &counter.CountUsed)
	}
	if vals[1] != nil {
		fmt.Sscanf(fmt.Sprint(vals[1]), "%d", &counter.AmountUsedCents)
	}
	return counter, nil
}
