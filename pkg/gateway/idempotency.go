package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyStore lets Service.Execute collapse retried requests that
// share an (org_id, idempotency_key) pair into a single execution: the
// first caller claims the key, runs the real work, and saves the
// result; every other caller (concurrent or a later retry) replays the
// saved result without re-invoking a connector a second time.
type IdempotencyStore interface {
	// Claim reports whether the caller won the race to execute key. A
	// false result with a nil error means another caller already holds
	// the claim and is (or was) executing.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Save(ctx context.Context, key string, result []byte, ttl time.Duration) error
}

// MemoryIdempotencyStore is the in-process fallback used when no Redis
// endpoint is configured, mirroring pkg/budget's dual-backend pattern.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

type memEntry struct {
	claimed   bool
	result    []byte
	expiresAt time.Time
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{entries: make(map[string]memEntry)}
}

func (s *MemoryIdempotencyStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	e, ok := s.entries[key]
	if ok && e.claimed && now.Before(e.expiresAt) {
		return false, nil
	}
	s.entries[key] = memEntry{claimed: true, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemoryIdempotencyStore) Load(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.result == nil || time.Now().After(e.expiresAt) {
		return nil, false, nil
	}
	return e.result, true, nil
}

func (s *MemoryIdempotencyStore) Save(ctx context.Context, key string, result []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{claimed: true, result: result, expiresAt: time.Now().Add(ttl)}
	return nil
}

// RedisIdempotencyStore backs the claim with SETNX so only one of N
// concurrent gateway instances wins the race, and the saved result with
// a plain SET+TTL for cheap replay reads.
type RedisIdempotencyStore struct {
	client *redis.Client
	prefix string
}

func NewRedisIdempotencyStore(client *redis.Client) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client, prefix: "gw:idem:"}
}

func (s *RedisIdempotencyStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+"claim:"+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("gateway: idempotency claim failed: %w", err)
	}
	return ok, nil
}

func (s *RedisIdempotencyStore) Load(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, s.prefix+"result:"+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("gateway: idempotency load failed: %w", err)
	}
	return val, true, nil
}

func (s *RedisIdempotencyStore) Save(ctx context.Context, key string, result []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.prefix+"result:"+key, result, ttl).Err(); err != nil {
		return fmt.Errorf("gateway: idempotency save failed: %w", err)
	}
	return nil
}
