// Package gateway implements the Gateway Service (SPEC_FULL.md §4.8):
// the orchestration layer that ties the policy engine, connector
// registry, approval store, and audit log into the two operations an
// agent actually calls — Evaluate (dry-run, no side effects) and
// Execute (reserve, dispatch, consume, audit).
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mindburn-labs/agentgateway/pkg/approval"
	"github.com/mindburn-labs/agentgateway/pkg/audit"
	"github.com/mindburn-labs/agentgateway/pkg/connector"
	"github.com/mindburn-labs/agentgateway/pkg/contracts"
	"github.com/mindburn-labs/agentgateway/pkg/policy"
)

// DefaultIdempotencyTTL bounds how long a completed execution's result
// stays replayable under its idempotency key.
const DefaultIdempotencyTTL = 24 * time.Hour

// ErrIdempotencyInFlight is returned when a concurrent caller already
// claimed the same (org, idempotency_key) pair and has not yet saved a
// result; the caller should retry rather than double-execute.
var ErrIdempotencyInFlight = errors.New("gateway: idempotency key already claimed by an in-flight request")

// ExecuteResult is everything a caller needs after one Execute call: the
// policy decision that was made, the connector's output if the action
// actually ran, and the approval record's ID if it was escalated
// instead.
type ExecuteResult struct {
	Decision        policy.Decision   `json:"decision"`
	ConnectorResult *connector.Result `json:"connector_result,omitempty"`
	ApprovalID      string            `json:"approval_id,omitempty"`
}

// Service is the gateway's single entry point for proposed actions.
type Service struct {
	engine      *policy.Engine
	registry    *connector.Registry
	approvals   approval.Store
	auditLog    audit.Log
	idempotency IdempotencyStore
}

// New builds a Service. idempotency may be nil, in which case every
// Execute call runs unconditionally (no dedup across retries) — only
// appropriate for connectors that are themselves idempotent.
func New(engine *policy.Engine, registry *connector.Registry, approvals approval.Store, auditLog audit.Log, idempotency IdempotencyStore) *Service {
	return &Service{engine: engine, registry: registry, approvals: approvals, auditLog: auditLog, idempotency: idempotency}
}

// Evaluate runs the policy engine against action without any side
// effects: no budget reservation, no connector call, no audit event, no
// approval creation. It exists so a caller (or an agent's own preflight
// check) can ask "would this be allowed" without consuming anything,
// repeatedly, with a consistent answer until state actually changes.
func (s *Service) Evaluate(ctx context.Context, req policy.Request, now time.Time) (policy.Decision, error) {
	return s.engine.Evaluate(ctx, req, now)
}

// Execute runs the full decide-dispatch-audit pipeline for req. Every
// reachable path appends exactly one audit event describing the
// decision; an escalation, an override-token consumption, and a dispatch
// (whether it executes or is refused) each append one more event of
// their own.
func (s *Service) Execute(ctx context.Context, req policy.Request, now time.Time) (ExecuteResult, error) {
	action := req.Action
	idemKey := ""
	if action.IdempotencyKey != "" {
		idemKey = action.OrgID + "|" + action.IdempotencyKey
	}

	if idemKey != "" && s.idempotency != nil {
		if cached, hit, err := s.idempotency.Load(ctx, idemKey); err == nil && hit {
			var result ExecuteResult
			if jsonErr := json.Unmarshal(cached, &result); jsonErr == nil {
				return result, nil
			}
		}
		won, err := s.idempotency.Claim(ctx, idemKey, DefaultIdempotencyTTL)
		if err != nil {
			return ExecuteResult{}, fmt.Errorf("gateway: idempotency claim failed: %w", err)
		}
		if !won {
			return ExecuteResult{}, ErrIdempotencyInFlight
		}
	}

	result, err := s.execute(ctx, req, now)
	if err != nil {
		return ExecuteResult{}, err
	}

	if idemKey != "" && s.idempotency != nil {
		if encoded, jsonErr := json.Marshal(result); jsonErr == nil {
			_ = s.idempotency.Save(ctx, idemKey, encoded, DefaultIdempotencyTTL)
		}
	}
	return result, nil
}

func (s *Service) execute(ctx context.Context, req policy.Request, now time.Time) (ExecuteResult, error) {
	action := req.Action

	decision, err := s.engine.EvaluateAndReserve(ctx, req, now)
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("gateway: policy evaluation failed: %w", err)
	}

	if _, auditErr := s.auditLog.Append(ctx, contracts.AuditEvent{
		EventType:   contracts.EventDecisionEvaluated,
		OrgID:       action.OrgID,
		ActionHash:  decision.ActionHash,
		Outcome:     decision.Outcome,
		ReasonCodes: decision.ReasonCodes,
		Trace:       decision.Trace,
		Timestamp:   now,
	}); auditErr != nil {
		return ExecuteResult{}, fmt.Errorf("gateway: audit append failed: %w", auditErr)
	}

	switch decision.Outcome {
	case contracts.OutcomeDeny:
		return ExecuteResult{Decision: decision}, nil

	case contracts.OutcomeEscalate:
		appr, err := s.approvals.Create(ctx, contracts.Approval{
			OrgID:      action.OrgID,
			ActionHash: decision.ActionHash,
			Action:     action,
			ReasonCodes: reasonCodeStrings(decision.ReasonCodes),
		}, now)
		if err != nil {
			return ExecuteResult{}, fmt.Errorf("gateway: approval creation failed: %w", err)
		}
		if _, auditErr := s.auditLog.Append(ctx, contracts.AuditEvent{
			EventType:  contracts.EventApprovalCreated,
			OrgID:      action.OrgID,
			ActionHash: decision.ActionHash,
			Outcome:    decision.Outcome,
			Metadata:   map[string]any{"approval_id": appr.ApprovalID},
			Timestamp:  now,
		}); auditErr != nil {
			return ExecuteResult{}, fmt.Errorf("gateway: audit append failed: %w", auditErr)
		}
		return ExecuteResult{Decision: decision, ApprovalID: appr.ApprovalID}, nil

	case contracts.OutcomeAllow:
		return s.dispatch(ctx, req, decision, now)

	default:
		return ExecuteResult{}, fmt.Errorf("gateway: policy engine returned unknown outcome %q", decision.Outcome)
	}
}

func (s *Service) dispatch(ctx context.Context, req policy.Request, decision policy.Decision, now time.Time) (ExecuteResult, error) {
	action := req.Action

	c, ok := s.registry.Lookup(action.ToolName)
	if !ok {
		return s.denyExecution(ctx, action, decision, contracts.ReasonConnectorError, "no connector registered for tool", now)
	}
	if err := c.Validate(ctx, action); err != nil {
		return s.denyExecution(ctx, action, decision, contracts.ReasonValidationError, err.Error(), now)
	}

	// An override-token ALLOW must consume the approval before the
	// connector ever runs: the policy engine's fast path only checked
	// that the approval was APPROVED and unconsumed, so two concurrent
	// retries presenting the same token could otherwise both clear that
	// check and both reach Execute. Consuming first, atomically, makes
	// the second caller's Consume fail and converts its call to DENY
	// before it ever touches the connector.
	interactionID := uuid.NewString()
	if req.OverrideTokenRaw != "" {
		if _, consumeErr := s.approvals.Consume(ctx, req.OverrideTokenRaw, decision.ActionHash, interactionID, now); consumeErr != nil {
			return s.denyExecution(ctx, action, decision, contracts.ReasonOverrideConsumed, consumeErr.Error(), now)
		}
		if _, auditErr := s.auditLog.Append(ctx, contracts.AuditEvent{
			EventType:  contracts.EventOverrideConsumed,
			OrgID:      action.OrgID,
			ActionHash: decision.ActionHash,
			Metadata:   map[string]any{"interaction_id": interactionID},
			Timestamp:  now,
		}); auditErr != nil {
			return ExecuteResult{}, fmt.Errorf("gateway: audit append failed: %w", auditErr)
		}
	}

	res, err := c.Execute(ctx, action)
	if err != nil {
		return s.denyExecution(ctx, action, decision, contracts.ReasonConnectorError, err.Error(), now)
	}

	if _, auditErr := s.auditLog.Append(ctx, contracts.AuditEvent{
		EventType:  contracts.EventActionExecuted,
		OrgID:      action.OrgID,
		ActionHash: decision.ActionHash,
		Outcome:    contracts.OutcomeAllow,
		Metadata:   map[string]any{"status": res.Status, "tool_name": action.ToolName, "interaction_id": interactionID},
		Timestamp:  now,
	}); auditErr != nil {
		return ExecuteResult{}, fmt.Errorf("gateway: audit append failed: %w", auditErr)
	}

	return ExecuteResult{Decision: decision, ConnectorResult: &res}, nil
}

func (s *Service) denyExecution(ctx context.Context, action contracts.Action, decision policy.Decision, reason contracts.ReasonCode, detail string, now time.Time) (ExecuteResult, error) {
	decision.Outcome = contracts.OutcomeDeny
	decision.ReasonCodes = append(decision.ReasonCodes, reason)
	decision.Trace = append(decision.Trace, contracts.PolicyTraceStep{Step: "connector_dispatch", Outcome: "deny", ReasonCode: reason, Detail: detail})
	if _, auditErr := s.auditLog.Append(ctx, contracts.AuditEvent{
		EventType:   contracts.EventActionExecuted,
		OrgID:       action.OrgID,
		ActionHash:  decision.ActionHash,
		Outcome:     contracts.OutcomeDeny,
		ReasonCodes: []contracts.ReasonCode{reason},
		Metadata:    map[string]any{"detail": detail},
		Timestamp:   now,
	}); auditErr != nil {
		return ExecuteResult{}, fmt.Errorf("gateway: audit append failed: %w", auditErr)
	}
	return ExecuteResult{Decision: decision}, nil
}

func reasonCodeStrings(codes []contracts.ReasonCode) []string {
	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = string(c)
	}
	return out
}
