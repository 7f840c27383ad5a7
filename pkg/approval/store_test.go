package approval

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindburn-labs/agentgateway/pkg/contracts"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	codec := NewTokenCodec(priv, pub, "gateway-test")
	return NewMemoryStore(codec)
}

func TestStore_ApproveThenConsume(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

	a, err := store.Create(ctx, contracts.Approval{OrgID: "org_1", ActionHash: "sha256:abc"}, now)
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalPending, a.Status)

	approved, token, err := store.Approve(ctx, a.ApprovalID, "operator_1", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalApproved, approved.Status)
	assert.NotEmpty(t, token)

	consumed, err := store.Consume(ctx, token, "sha256:abc", "interaction_1", now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalConsumed, consumed.Status)
	assert.Equal(t, "interaction_1", consumed.ConsumedInteractionID)
}

func TestStore_ConsumeRejectsActionHashMismatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	a, err := store.Create(ctx, contracts.Approval{OrgID: "org_1", ActionHash: "sha256:abc"}, now)
	require.NoError(t, err)
	_, token, err := store.Approve(ctx, a.ApprovalID, "operator_1", now)
	require.NoError(t, err)

	_, err = store.Consume(ctx, token, "sha256:different", "interaction_1", now)
	assert.ErrorIs(t, err, ErrActionMismatch)
}

func TestStore_DenyTransition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	a, err := store.Create(ctx, contracts.Approval{OrgID: "org_1", ActionHash: "sha256:abc"}, now)
	require.NoError(t, err)

	denied, err := store.Deny(ctx, a.ApprovalID, "operator_1", "suspicious counterparty", now)
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalDenied, denied.Status)

	_, _, err = store.Approve(ctx, a.ApprovalID, "operator_1", now)
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestStore_CheckExpirationsMovesPendingToExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	a, err := store.Create(ctx, contracts.Approval{OrgID: "org_1", ActionHash: "sha256:abc"}, now)
	require.NoError(t, err)

	expired, err := store.CheckExpirations(ctx, now.Add(DefaultTTL+time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, a.ApprovalID, expired[0].ApprovalID)
	assert.Equal(t, contracts.ApprovalExpired, expired[0].Status)
}

// TestStore_ExactlyOneConsumeUnderConcurrency grounds spec.md's S3/S4
// replay-is-rejected property: a single APPROVED approval consumed by N
// concurrent callers must yield exactly one success.
func TestStore_ExactlyOneConsumeUnderConcurrency(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	a, err := store.Create(ctx, contracts.Approval{OrgID: "org_1", ActionHash: "sha256:abc"}, now)
	require.NoError(t, err)
	_, token, err := store.Approve(ctx, a.ApprovalID, "operator_1", now)
	require.NoError(t, err)

	const n = 30
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := store.Consume(ctx, token, "sha256:abc", "interaction", now)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
}
