package budget

import (
	"context"
	"sync"
	"time"

	"github.com/mindburn-labs/agentgateway/pkg/contracts"
)

// MemoryStore implements Store in process memory. A single store-wide
// mutex guards every counter, so reservations against the SAME key are
// strictly linearized; reservations against different keys also
// serialize behind that one mutex.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*contracts.BudgetCounter
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]*contracts.BudgetCounter)}
}

func (s *MemoryStore) Reserve(ctx context.Context, key Key, amountCents int64, limit Limit, now time.Time) (Reservation, error) {
	select {
	case <-ctx.Done():
		return Reservation{}, ctx.Err()
	default:
	}

	bucket := periodBucket(key, now)
	k := storeKey(key, bucket)

	s.mu.Lock()
	defer s.mu.Unlock()

	counter, ok := s.counters[k]
	if !ok {
		counter = &contracts.BudgetCounter{
			OrgID:        key.OrgID,
			UAPKID:       key.UAPKID,
			ActionType:   key.ActionType,
			PeriodBucket: bucket,
		}
		s.counters[k] = counter
	}

	nextCount := counter.CountUsed + 1
	nextAmount := counter.AmountUsedCents + amountCents

	if limit.CountLimit > 0 && nextCount > limit.CountLimit {
		return Reservation{Allowed: false, Counter: *counter}, nil
	}
	if limit.AmountLimit > 0 && nextAmount > limit.AmountLimit {
		return Reservation{Allowed: false, Counter: *counter}, nil
	}

	counter.CountUsed = nextCount
	counter.AmountUsedCents = nextAmount
	counter.CountLimit = limit.CountLimit
	counter.AmountLimitCents = limit.AmountLimit
	counter.UpdatedAt = now

	return Reservation{Allowed: true, Counter: *counter}, nil
}

func (s *MemoryStore) Get(ctx context.Context, key Key, now time.Time) (contracts.BudgetCounter, error) {
	bucket := periodBucket(key, now)
	k := storeKey(key, bucket)

	s.mu.Lock()
	defer s.mu.Unlock()

	if counter, ok := s.counters[k]; ok {
		return *counter, nil
	}
	return contracts.BudgetCounter{OrgID: key.OrgID, UAPKID: key.UAPKID, ActionType: key.ActionType, PeriodBucket: bucket}, nil
}
