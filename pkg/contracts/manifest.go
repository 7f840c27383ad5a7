package contracts

import "time"

// ManifestStatus gates whether the policy engine will consider a manifest
// at all. Only "active" manifests are evaluated; the gateway core never
// writes this field.
type ManifestStatus string

const (
	ManifestStatusActive   ManifestStatus = "active"
	ManifestStatusInactive ManifestStatus = "inactive"
	ManifestStatusRevoked  ManifestStatus = "revoked"
)

// ApprovalThreshold names a condition under which an action requires
// human approval even though it would otherwise be allowed. Thresholds
// are OR-combined: any matching threshold forces ESCALATE.
type ApprovalThreshold struct {
	ActionType    ActionType `json:"action_type,omitempty"`
	MinAmountCents int64     `json:"min_amount_cents,omitempty"`
	Currency      string     `json:"currency,omitempty"`
	CounterpartyNew bool      `json:"counterparty_new,omitempty"`
	CELExpression string     `json:"cel_expression,omitempty"`
}

// DenyRule is an explicit, unconditional denial predicate evaluated
// before any threshold or budget check.
type DenyRule struct {
	ActionType    ActionType `json:"action_type,omitempty"`
	Counterparty  string     `json:"counterparty,omitempty"`
	Country       string     `json:"country,omitempty"`
	CELExpression string     `json:"cel_expression,omitempty"`
	Reason        string     `json:"reason,omitempty"`
}

// Constraints bounds what a manifest's capability token or override
// token may be used for.
type Constraints struct {
	AllowedActionTypes []ActionType `json:"allowed_action_types"`
	AllowedTools       []string     `json:"allowed_tools"`
	AllowedCounterparties []string  `json:"allowed_counterparties,omitempty"`
	AllowedCountries   []string     `json:"allowed_countries,omitempty"`
	MaxAmountCents     int64        `json:"max_amount_cents,omitempty"`
	Currency           string       `json:"currency,omitempty"`
	// AllowedHours and similar scheduling windows are accepted but not
	// enforced — see SPEC_FULL.md §9.
	AllowedHours []int `json:"allowed_hours,omitempty"`
}

// BudgetLimit scopes a budget counter to an action type and accounting
// period.
type BudgetLimit struct {
	ActionType   ActionType `json:"action_type"`
	LimitCents   int64      `json:"limit_cents"`
	LimitCount   int64      `json:"limit_count,omitempty"`
	PeriodDays   int        `json:"period_days"` // 1 = daily, 30 = monthly, etc.
	Timezone     string     `json:"timezone,omitempty"`
}

// Manifest is the policy document an organization registers for a given
// UAPK (agent key). The gateway core only ever reads manifests through
// manifest.Store; it never persists one.
type Manifest struct {
	OrgID             string              `json:"org_id"`
	UAPKID            string              `json:"uapk_id"`
	SchemaVersion     string              `json:"schema_version"` // semver
	Status            ManifestStatus      `json:"status"`
	Constraints       Constraints         `json:"constraints"`
	DenyRules         []DenyRule          `json:"deny_rules,omitempty"`
	ApprovalThresholds []ApprovalThreshold `json:"approval_thresholds,omitempty"`
	BudgetLimits      []BudgetLimit       `json:"budget_limits,omitempty"`
	// RequireApproval names action types that always escalate regardless
	// of amount (spec §4.7 step 10), independent of ApprovalThresholds.
	RequireApproval   []ActionType        `json:"require_approval,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}
