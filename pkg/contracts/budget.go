package contracts

import "time"

// BudgetCounter is the persisted state of one (org, uapk, action_type,
// period_bucket) accounting window. Reservation is append-only within a
// bucket: it is never refunded on execution failure (SPEC_FULL.md §9).
type BudgetCounter struct {
	OrgID        string    `json:"org_id"`
	UAPKID       string    `json:"uapk_id"`
	ActionType   ActionType `json:"action_type"`
	PeriodBucket string    `json:"period_bucket"`
	CountUsed    int64     `json:"count_used"`
	AmountUsedCents int64  `json:"amount_used_cents"`
	CountLimit   int64     `json:"count_limit,omitempty"`
	AmountLimitCents int64 `json:"amount_limit_cents,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Key returns the store key for this counter's accounting window.
func (b BudgetCounter) Key() string {
	return b.OrgID + "|" + b.UAPKID + "|" + string(b.ActionType) + "|" + b.PeriodBucket
}
