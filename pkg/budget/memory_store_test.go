package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindburn-labs/agentgateway/pkg/contracts"
)

func TestMemoryStore_ReserveDeniesOverLimit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	key := Key{OrgID: "org_1", UAPKID: "uapk_1", ActionType: contracts.ActionTypePaymentTransfer}
	limit := Limit{CountLimit: 2}

	r1, err := store.Reserve(ctx, key, 100, limit, now)
	require.NoError(t, err)
	assert.True(t, r1.Allowed)

	r2, err := store.Reserve(ctx, key, 100, limit, now)
	require.NoError(t, err)
	assert.True(t, r2.Allowed)

	r3, err := store.Reserve(ctx, key, 100, limit, now)
	require.NoError(t, err)
	assert.False(t, r3.Allowed)
}

func TestMemoryStore_ReserveDeniesOverAmountLimit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	key := Key{OrgID: "org_1", UAPKID: "uapk_1", ActionType: contracts.ActionTypePaymentTransfer}
	limit := Limit{AmountLimit: 150}

	r1, err := store.Reserve(ctx, key, 100, limit, now)
	require.NoError(t, err)
	assert.True(t, r1.Allowed)

	r2, err := store.Reserve(ctx, key, 100, limit, now)
	require.NoError(t, err)
	assert.False(t, r2.Allowed)

	got, err := store.Get(ctx, key, now)
	require.NoError(t, err)
	assert.EqualValues(t, 100, got.AmountUsedCents)
}

func TestMemoryStore_DifferentPeriodBucketsDoNotShareState(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := Key{OrgID: "org_1", UAPKID: "uapk_1", ActionType: contracts.ActionTypeEmailSend}
	limit := Limit{CountLimit: 1}

	day1 := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	r1, err := store.Reserve(ctx, key, 0, limit, day1)
	require.NoError(t, err)
	assert.True(t, r1.Allowed)

	r2, err := store.Reserve(ctx, key, 0, limit, day2)
	require.NoError(t, err)
	assert.True(t, r2.Allowed)
}

// TestMemoryStore_ExactlyOneAllowUnderConcurrency grounds the Budget
// Counter Store's linearizability property: under N concurrent
// reservations racing the same key with a limit of 1, exactly one must
// observe Allowed=true.
func TestMemoryStore_ExactlyOneAllowUnderConcurrency(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	key := Key{OrgID: "org_1", UAPKID: "uapk_1", ActionType: contracts.ActionTypePaymentTransfer}
	limit := Limit{CountLimit: 1}

	const n = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowedCount := 0

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			res, err := store.Reserve(ctx, key, 10, limit, now)
			require.NoError(t, err)
			if res.Allowed {
				mu.Lock()
				allowedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, allowedCount)
}
