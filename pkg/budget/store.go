// Package budget implements the gateway's budget counter store
// (SPEC_FULL.md §4.5): an atomic, period-bucketed reservation primitive
// that the policy engine calls as the terminal step of an ALLOW
// decision. Reservations are never refunded on execution failure.
package budget

import (
	"context"
	"errors"
	"time"

	"github.com/mindburn-labs/agentgateway/pkg/contracts"
)

// ErrUnavailable is returned when the store cannot complete a reservation
// attempt due to an infrastructure failure (not a budget-exceeded
// outcome). Callers map this to contracts.ReasonBudgetUnavailable and
// fail closed.
var ErrUnavailable = errors.New("budget: store unavailable")

// Key identifies one accounting window: an (org, uapk, action_type)
// triple bucketed by period.
type Key struct {
	OrgID      string
	UAPKID     string
	ActionType contracts.ActionType
	Period     time.Duration // bucket width, e.g. 24h for a daily window
	Location   *time.Location
}

// Limit bounds a single accounting window. A zero value for either field
// means that dimension is not limited.
type Limit struct {
	CountLimit  int64
	AmountLimit int64 // cents
}

// Reservation is the outcome of a Reserve call.
type Reservation struct {
	Allowed   bool
	Counter   contracts.BudgetCounter
}

// Store is the budget counter store's atomicity contract. Reserve must
// be linearizable per Key: under N concurrent callers racing the same
// key with a limit of 1, exactly one may observe Allowed=true.
type Store interface {
	// Reserve atomically increments the counter identified by key by
	// amountCents/count=1 if and only if doing so would not exceed limit,
	// and reports whether the reservation succeeded.
	Reserve(ctx context.Context, key Key, amountCents int64, limit Limit, now time.Time) (Reservation, error)
	// Get returns the current counter state without mutating it. Returns
	// a zero-value counter (CountUsed=0) if the window has no entries
	// yet.
	Get(ctx context.Context, key Key, now time.Time) (contracts.BudgetCounter, error)
}

// periodBucket formats now, truncated to key's period and rendered in
// key's location (UTC if unset, per SPEC_FULL.md §4.5 default), as the
// bucket label stored alongside the counter.
func periodBucket(key Key, now time.Time) string {
	loc := key.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	if key.Period <= 0 || key.Period >= 24*time.Hour {
		return local.Format("2006-01-02")
	}
	// Sub-day buckets (e.g. hourly) are accepted by the schema per
	// Constraints.AllowedHours but are not enforced (SPEC_FULL.md §9);
	// Store implementations still bucket correctly if a caller supplies
	// a sub-day Period directly.
	bucketStart := local.Truncate(key.Period)
	return bucketStart.Format("2006-01-02T15:04:05Z0700")
}

func storeKey(key Key, bucket string) string {
	return key.OrgID + "|" + key.UAPKID + "|" + string(key.ActionType) + "|" + bucket
}
