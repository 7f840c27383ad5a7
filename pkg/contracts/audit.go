package contracts

import "time"

// ReasonCode is a member of the gateway's closed reason-code taxonomy.
// Every DENY, ESCALATE, or infrastructure-failure outcome carries exactly
// one primary reason code plus zero or more contributing codes in the
// policy trace.
type ReasonCode string

const (
	ReasonAllowed              ReasonCode = "ALLOWED"
	ReasonOverrideApplied      ReasonCode = "OVERRIDE_APPLIED"
	ReasonManifestNotFound     ReasonCode = "MANIFEST_NOT_FOUND"
	ReasonManifestInactive     ReasonCode = "MANIFEST_INACTIVE"
	ReasonCapabilityMismatch   ReasonCode = "CAPABILITY_MISMATCH"
	ReasonActionTypeNotAllowed ReasonCode = "ACTION_TYPE_NOT_ALLOWED"
	ReasonToolNotAllowed       ReasonCode = "TOOL_NOT_ALLOWED"
	ReasonDenyRuleMatched      ReasonCode = "DENY_RULE_MATCHED"
	ReasonCounterpartyDenied   ReasonCode = "COUNTERPARTY_DENIED"
	ReasonJurisdictionDenied   ReasonCode = "JURISDICTION_DENIED"
	ReasonAmountCapExceeded    ReasonCode = "AMOUNT_CAP_EXCEEDED"
	ReasonApprovalRequired     ReasonCode = "APPROVAL_REQUIRED"
	ReasonExplicitApprovalFlag ReasonCode = "EXPLICIT_APPROVAL_REQUIRED"
	ReasonBudgetExceeded       ReasonCode = "BUDGET_EXCEEDED"
	ReasonOverrideExpired      ReasonCode = "OVERRIDE_EXPIRED"
	ReasonOverrideConsumed     ReasonCode = "OVERRIDE_ALREADY_CONSUMED"
	ReasonOverrideMismatch     ReasonCode = "OVERRIDE_ACTION_MISMATCH"
	ReasonAuditUnavailable     ReasonCode = "AUDIT_UNAVAILABLE"
	ReasonBudgetUnavailable    ReasonCode = "BUDGET_UNAVAILABLE"
	ReasonSigningUnavailable   ReasonCode = "SIGNING_UNAVAILABLE"
	ReasonConnectorError       ReasonCode = "CONNECTOR_ERROR"
	ReasonValidationError      ReasonCode = "VALIDATION_ERROR"
)

// Outcome is the terminal decision of a policy evaluation.
type Outcome string

const (
	OutcomeAllow    Outcome = "ALLOW"
	OutcomeDeny     Outcome = "DENY"
	OutcomeEscalate Outcome = "ESCALATE"
)

// PolicyTraceStep records one step of the fixed 11-step evaluation order
// for observability and audit purposes.
type PolicyTraceStep struct {
	Step       string     `json:"step"`
	Outcome    string     `json:"outcome"` // "pass" | "deny" | "escalate" | "skip"
	ReasonCode ReasonCode `json:"reason_code,omitempty"`
	Detail     string     `json:"detail,omitempty"`
}

// EventType enumerates the kinds of audit events the gateway emits.
type EventType string

const (
	EventDecisionEvaluated EventType = "decision.evaluated"
	EventActionExecuted    EventType = "action.executed"
	EventApprovalCreated   EventType = "approval.created"
	EventApprovalDecided   EventType = "approval.decided"
	EventOverrideConsumed  EventType = "override.consumed"
)

// AuditEvent is one entry in the hash-chained audit log. PreviousEventHash
// links it to its predecessor; EventHash is the SHA-256 of this event's
// canonical form (every field except EventHash, Signature and SignerKID).
// The Ed25519 signature covers EventHash together with the event's ID,
// type, org, action hash, outcome, previous hash and sequence number
// (crypto.CanonicalizeAuditEvent).
type AuditEvent struct {
	EventID           string            `json:"event_id"`
	SequenceNumber    int64             `json:"sequence_number"`
	EventType         EventType         `json:"event_type"`
	OrgID             string            `json:"org_id"`
	ActionHash        string            `json:"action_hash,omitempty"`
	Outcome           Outcome           `json:"outcome,omitempty"`
	ReasonCodes       []ReasonCode      `json:"reason_codes,omitempty"`
	Trace             []PolicyTraceStep `json:"trace,omitempty"`
	Metadata          map[string]any    `json:"metadata,omitempty"`
	Timestamp         time.Time         `json:"timestamp"`
	PreviousEventHash string            `json:"previous_event_hash"`
	EventHash         string            `json:"event_hash"`
	SignerKID         string            `json:"signer_kid"`
	Signature         string            `json:"signature"`
}
