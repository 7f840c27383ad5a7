// Package contracts defines the wire and domain types shared across the
// gateway: actions, counterparties, manifests, tokens, approvals, budget
// counters, and audit events.
package contracts

import "time"

// ActionType identifies the category of a proposed action. The set is
// closed by the manifest's allowed_action_types, not by this enum.
type ActionType string

const (
	ActionTypeEmailSend      ActionType = "email.send"
	ActionTypePaymentTransfer ActionType = "payment.transfer"
	ActionTypeHTTPRequest    ActionType = "http.request"
	ActionTypeWebhookDeliver ActionType = "webhook.deliver"
)

// Counterparty identifies the other party to an action, e.g. a payee or a
// recipient domain.
type Counterparty struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Domain      string `json:"domain,omitempty"`
	Country     string `json:"country,omitempty"` // ISO 3166-1 alpha-2
}

// Action is the unit of work an agent proposes to the gateway. Its
// canonical serialization is the input to the action hash (§ pkg/canonicalize).
type Action struct {
	OrgID        string         `json:"org_id"`
	AgentID      string         `json:"agent_id"`
	UAPKID       string         `json:"uapk_id"`
	Type         ActionType     `json:"type"`
	Counterparty Counterparty   `json:"counterparty"`
	AmountCents  int64          `json:"amount_cents,omitempty"`
	Currency     string         `json:"currency,omitempty"` // ISO 4217
	ToolName     string         `json:"tool_name"`
	Params       map[string]any `json:"params,omitempty"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
	RequestedAt  time.Time      `json:"requested_at"`

	// Description is a free-text, human-readable note an agent can attach
	// to an action (e.g. "refund for order #4821"). It is excluded from
	// the action hash (CanonicalForm) so two otherwise-identical actions
	// annotated with different wording still collide to the same hash.
	Description string `json:"description,omitempty"`
}

// CanonicalForm returns the subset of a that participates in its action
// hash (pkg/canonicalize.ActionHash). Description is descriptive
// metadata only and must never perturb the hash.
func (a Action) CanonicalForm() any {
	a.Description = ""
	return a
}

// PeriodBucket identifies the budget accounting window an action falls
// into, e.g. "2026-07-30" for a UTC daily bucket.
func (a Action) PeriodBucket(loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return a.RequestedAt.In(loc).Format("2006-01-02")
}
