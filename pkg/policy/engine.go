// Package policy implements the gateway's Policy Engine (SPEC_FULL.md
// §4.7): the fixed 11-step evaluation order every proposed action runs
// through before a connector is ever invoked. Each step either passes
// through, DENYs (which short-circuits the remaining steps), or
// ESCALATEs (steps 9 and 10 both run and their escalations accumulate;
// an escalated evaluation then skips the budget step and returns
// ESCALATE). The full step trace is returned alongside
// the decision so the gateway can attach it to the action's audit
// event verbatim.
package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/mindburn-labs/agentgateway/pkg/approval"
	"github.com/mindburn-labs/agentgateway/pkg/budget"
	"github.com/mindburn-labs/agentgateway/pkg/canonicalize"
	"github.com/mindburn-labs/agentgateway/pkg/capability"
	"github.com/mindburn-labs/agentgateway/pkg/contracts"
	"github.com/mindburn-labs/agentgateway/pkg/manifest"
)

// Request bundles one proposed action with the credentials presented
// alongside it. Both tokens are optional raw JWTs; an empty string
// means "not presented" and the corresponding step is recorded as
// skipped rather than denied.
type Request struct {
	Action             contracts.Action `json:"action"`
	CapabilityTokenRaw string           `json:"capability_token,omitempty"`
	OverrideTokenRaw   string           `json:"override_token,omitempty"`
	// CounterpartyIsNew lets the caller (which owns counterparty history)
	// signal a threshold's counterparty_new condition; the engine itself
	// holds no counterparty ledger.
	CounterpartyIsNew bool `json:"counterparty_is_new,omitempty"`
}

// Decision is the engine's verdict plus the full trace of how it got
// there.
type Decision struct {
	Outcome     contracts.Outcome           `json:"outcome"`
	ReasonCodes []contracts.ReasonCode      `json:"reason_codes,omitempty"`
	Trace       []contracts.PolicyTraceStep `json:"trace,omitempty"`
	ActionHash  string                      `json:"action_hash"`
}

// Engine evaluates requests against a manifest store, verifying
// capability and override tokens and reserving budget as its terminal
// step. All lookups fail closed: any infrastructure error produces a
// DENY rather than silently passing a step.
type Engine struct {
	manifests     manifest.Store
	approvals     approval.Store
	overrideCodec *approval.TokenCodec
	capCodec      *capability.Codec
	budgets       budget.Store

	celEnv   *cel.Env
	prgCache map[string]cel.Program
	mu       sync.RWMutex
}

// New builds an Engine. capCodec may be nil if the deployment never
// issues capability tokens (manifests alone then gate every action).
func New(manifests manifest.Store, approvals approval.Store, overrideCodec *approval.TokenCodec, capCodec *capability.Codec, budgets budget.Store) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel environment init failed: %w", err)
	}
	return &Engine{
		manifests:     manifests,
		approvals:     approvals,
		overrideCodec: overrideCodec,
		capCodec:      capCodec,
		budgets:       budgets,
		celEnv:        env,
		prgCache:      make(map[string]cel.Program),
	}, nil
}

type evalState struct {
	trace       []contracts.PolicyTraceStep
	reasonCodes []contracts.ReasonCode
	escalated   bool
	denied      bool
}

func (s *evalState) step(name, outcome string, reason contracts.ReasonCode, detail string) {
	s.trace = append(s.trace, contracts.PolicyTraceStep{Step: name, Outcome: outcome, ReasonCode: reason, Detail: detail})
	if reason != "" && reason != contracts.ReasonAllowed {
		s.reasonCodes = append(s.reasonCodes, reason)
	}
}

func (s *evalState) pass(name string) {
	s.trace = append(s.trace, contracts.PolicyTraceStep{Step: name, Outcome: "pass"})
}

func (s *evalState) skip(name, detail string) {
	s.trace = append(s.trace, contracts.PolicyTraceStep{Step: name, Outcome: "skip", Detail: detail})
}

func (s *evalState) deny(name string, reason contracts.ReasonCode, detail string) {
	s.step(name, "deny", reason, detail)
	s.denied = true
}

func (s *evalState) escalate(name string, reason contracts.ReasonCode, detail string) {
	s.step(name, "escalate", reason, detail)
	s.escalated = true
}

// Evaluate runs req through the fixed 11-step order and returns the
// terminal decision. now is threaded through explicitly so tests are
// deterministic and so a caller behind a clock skew can supply server
// time rather than engine-local time.
// Evaluate runs the fixed 11-step order against req without reserving
// budget (SPEC_FULL.md §4.8's dry-run contract): step 11 only checks
// whether a reservation would currently succeed, never commits one.
// Repeated calls against the same state return the same outcome.
func (e *Engine) Evaluate(ctx context.Context, req Request, now time.Time) (Decision, error) {
	return e.evaluate(ctx, req, now, false)
}

// EvaluateAndReserve is Evaluate's execute-path counterpart: identical
// through step 10, but step 11 actually reserves budget on an ALLOW,
// since this is the only path SPEC_FULL.md permits to dispatch a
// connector afterward.
func (e *Engine) EvaluateAndReserve(ctx context.Context, req Request, now time.Time) (Decision, error) {
	return e.evaluate(ctx, req, now, true)
}

func (e *Engine) evaluate(ctx context.Context, req Request, now time.Time, reserve bool) (Decision, error) {
	s := &evalState{}
	action := req.Action

	actionHash, err := canonicalize.ActionHash(action.CanonicalForm())
	if err != nil {
		return Decision{}, fmt.Errorf("policy: action hash failed: %w", err)
	}

	// Step 1: manifest active.
	m, err := e.manifests.Active(ctx, action.OrgID, action.UAPKID)
	if errors.Is(err, manifest.ErrNotFound) {
		s.deny("manifest_active", contracts.ReasonManifestNotFound, "no manifest registered for org/uapk")
		return s.decision(contracts.OutcomeDeny, actionHash), nil
	}
	if err != nil {
		s.deny("manifest_active", contracts.ReasonValidationError, fmt.Sprintf("manifest lookup failed: %v", err))
		return s.decision(contracts.OutcomeDeny, actionHash), nil
	}
	if m.Status != contracts.ManifestStatusActive {
		s.deny("manifest_active", contracts.ReasonManifestInactive, fmt.Sprintf("manifest status is %q", m.Status))
		return s.decision(contracts.OutcomeDeny, actionHash), nil
	}
	s.pass("manifest_active")

	// Step 2: override-token fast path.
	overrideAccepted := false
	if req.OverrideTokenRaw != "" {
		ok, reason, detail := e.checkOverrideToken(ctx, req.OverrideTokenRaw, action, actionHash, now)
		if !ok {
			s.deny("override_token", reason, detail)
			return s.decision(contracts.OutcomeDeny, actionHash), nil
		}
		overrideAccepted = true
		s.step("override_token", "pass", contracts.ReasonOverrideApplied, "override token accepted; thresholds bypassed, hard denies still apply")
	} else {
		s.skip("override_token", "not presented")
	}

	// Step 3: capability token (if presented) narrows the manifest's
	// constraints for the remainder of evaluation.
	effective := m.Constraints
	if req.CapabilityTokenRaw != "" {
		if e.capCodec == nil {
			s.deny("capability_token", contracts.ReasonCapabilityMismatch, "capability token presented but no issuer registry configured")
			return s.decision(contracts.OutcomeDeny, actionHash), nil
		}
		tok, err := e.capCodec.Verify(req.CapabilityTokenRaw, now)
		if err != nil {
			s.deny("capability_token", contracts.ReasonCapabilityMismatch, err.Error())
			return s.decision(contracts.OutcomeDeny, actionHash), nil
		}
		if tok.OrgID != action.OrgID || tok.UAPKID != action.UAPKID || tok.AgentID != action.AgentID {
			s.deny("capability_token", contracts.ReasonCapabilityMismatch, "org/uapk/agent mismatch")
			return s.decision(contracts.OutcomeDeny, actionHash), nil
		}
		effective = effectiveConstraints(m.Constraints, &tok.Constraints)
		s.pass("capability_token")
	} else {
		s.skip("capability_token", "not presented")
	}

	// Step 4: action-type allowed.
	if !containsActionType(effective.AllowedActionTypes, action.Type) {
		s.deny("action_type_allowed", contracts.ReasonActionTypeNotAllowed, fmt.Sprintf("action type %q not in effective allowlist", action.Type))
		return s.decision(contracts.OutcomeDeny, actionHash), nil
	}
	s.pass("action_type_allowed")

	// Step 5: tool allowed.
	if !containsString(effective.AllowedTools, action.ToolName) {
		s.deny("tool_allowed", contracts.ReasonToolNotAllowed, fmt.Sprintf("tool %q not in effective allowlist", action.ToolName))
		return s.decision(contracts.OutcomeDeny, actionHash), nil
	}
	s.pass("tool_allowed")

	// Step 6: deny rules. Hard denies; an override token never bypasses
	// these.
	for _, rule := range m.DenyRules {
		matched, err := e.denyRuleMatches(rule, action)
		if err != nil {
			s.deny("deny_rules", contracts.ReasonValidationError, fmt.Sprintf("deny rule CEL evaluation failed: %v", err))
			return s.decision(contracts.OutcomeDeny, actionHash), nil
		}
		if matched {
			detail := rule.Reason
			if detail == "" {
				detail = "deny rule matched"
			}
			s.deny("deny_rules", contracts.ReasonDenyRuleMatched, detail)
			return s.decision(contracts.OutcomeDeny, actionHash), nil
		}
	}
	s.pass("deny_rules")

	// Step 7: counterparty/jurisdiction. Hard denies.
	if len(effective.AllowedCounterparties) > 0 {
		if !containsString(effective.AllowedCounterparties, action.Counterparty.ID) && !containsString(effective.AllowedCounterparties, action.Counterparty.Domain) {
			s.deny("counterparty_jurisdiction", contracts.ReasonCounterpartyDenied, "counterparty not in allowlist")
			return s.decision(contracts.OutcomeDeny, actionHash), nil
		}
	}
	if len(effective.AllowedCountries) > 0 {
		// An empty counterparty country with a non-empty allowlist fails
		// closed: we cannot confirm jurisdiction, so we do not guess.
		if action.Counterparty.Country == "" || !containsString(effective.AllowedCountries, action.Counterparty.Country) {
			s.deny("counterparty_jurisdiction", contracts.ReasonJurisdictionDenied, "counterparty country not in allowlist")
			return s.decision(contracts.OutcomeDeny, actionHash), nil
		}
	}
	s.pass("counterparty_jurisdiction")

	// Step 8: amount cap (hard). A currency mismatch between the
	// effective constraints and the action is treated as a cap failure
	// rather than silently skipped, since cross-currency amounts cannot
	// be safely compared here.
	if effective.MaxAmountCents > 0 {
		if effective.Currency != "" && action.Currency != "" && effective.Currency != action.Currency {
			s.deny("amount_cap", contracts.ReasonAmountCapExceeded, "currency mismatch between constraint and action")
			return s.decision(contracts.OutcomeDeny, actionHash), nil
		}
		if action.AmountCents > effective.MaxAmountCents {
			s.deny("amount_cap", contracts.ReasonAmountCapExceeded, fmt.Sprintf("amount %d exceeds cap %d", action.AmountCents, effective.MaxAmountCents))
			return s.decision(contracts.OutcomeDeny, actionHash), nil
		}
	}
	s.pass("amount_cap")

	// Step 9: approval thresholds. ESCALATEs accumulate; bypassed when an
	// override token already cleared this action hash.
	if overrideAccepted {
		s.skip("approval_thresholds", "bypassed by accepted override token")
	} else {
		matchedAny := false
		for _, th := range m.ApprovalThresholds {
			matched, err := e.thresholdMatches(th, action, req.CounterpartyIsNew)
			if err != nil {
				s.deny("approval_thresholds", contracts.ReasonValidationError, fmt.Sprintf("approval threshold CEL evaluation failed: %v", err))
				return s.decision(contracts.OutcomeDeny, actionHash), nil
			}
			if matched {
				matchedAny = true
			}
		}
		if matchedAny {
			s.escalate("approval_thresholds", contracts.ReasonApprovalRequired, "one or more approval thresholds matched")
		} else {
			s.pass("approval_thresholds")
		}
	}

	// Step 10: explicit approval required by action type.
	if overrideAccepted {
		s.skip("explicit_approval_required", "bypassed by accepted override token")
	} else if containsActionType(m.RequireApproval, action.Type) {
		s.escalate("explicit_approval_required", contracts.ReasonExplicitApprovalFlag, fmt.Sprintf("action type %q always requires approval", action.Type))
	} else {
		s.pass("explicit_approval_required")
	}

	if s.escalated {
		s.skip("budget_reservation", "escalated; budget not reserved until executed under an override token")
		return s.decision(contracts.OutcomeEscalate, actionHash), nil
	}

	// Step 11: budget reservation, the terminal step of an ALLOW. Evaluate
	// (reserve == false) only peeks at the current counter via budgets.Get
	// and replicates Reserve's own limit comparison, so a preview call
	// never mutates state; EvaluateAndReserve (reserve == true) commits.
	for _, limit := range m.BudgetLimits {
		if limit.ActionType != action.Type {
			continue
		}
		key := budget.Key{
			OrgID:      action.OrgID,
			UAPKID:     action.UAPKID,
			ActionType: action.Type,
			Period:     time.Duration(limit.PeriodDays) * 24 * time.Hour,
		}
		lim := budget.Limit{CountLimit: limit.LimitCount, AmountLimit: limit.LimitCents}

		var allowed bool
		var err error
		if reserve {
			var res budget.Reservation
			res, err = e.budgets.Reserve(ctx, key, action.AmountCents, lim, now)
			allowed = res.Allowed
		} else {
			var counter contracts.BudgetCounter
			counter, err = e.budgets.Get(ctx, key, now)
			allowed = withinBudgetLimit(counter, action.AmountCents, lim)
		}
		if err != nil {
			s.deny("budget_reservation", contracts.ReasonBudgetUnavailable, err.Error())
			return s.decision(contracts.OutcomeDeny, actionHash), nil
		}
		if !allowed {
			s.deny("budget_reservation", contracts.ReasonBudgetExceeded, fmt.Sprintf("budget limit for %q exhausted", limit.ActionType))
			return s.decision(contracts.OutcomeDeny, actionHash), nil
		}
	}
	s.pass("budget_reservation")

	if overrideAccepted {
		return s.decision(contracts.OutcomeAllow, actionHash), nil
	}
	s.reasonCodes = append(s.reasonCodes, contracts.ReasonAllowed)
	return s.decision(contracts.OutcomeAllow, actionHash), nil
}

// withinBudgetLimit mirrors budget.Store.Reserve's own limit comparison
// (see e.g. MemoryStore.Reserve) against a counter read via Get, so a
// dry-run Evaluate call can tell whether a reservation would succeed
// without ever committing one.
func withinBudgetLimit(counter contracts.BudgetCounter, amountCents int64, limit budget.Limit) bool {
	nextCount := counter.CountUsed + 1
	nextAmount := counter.AmountUsedCents + amountCents
	if limit.CountLimit > 0 && nextCount > limit.CountLimit {
		return false
	}
	if limit.AmountLimit > 0 && nextAmount > limit.AmountLimit {
		return false
	}
	return true
}

func (s *evalState) decision(outcome contracts.Outcome, actionHash string) Decision {
	return Decision{Outcome: outcome, ReasonCodes: s.reasonCodes, Trace: s.trace, ActionHash: actionHash}
}

// checkOverrideToken verifies a presented override token's signature,
// expiry, action-hash binding, and that its referenced approval is
// still APPROVED (not yet consumed, not denied or expired). It does not
// consume the approval itself — the gateway does that immediately
// before connector dispatch (pkg/gateway.Service.dispatch) so the
// consume and the dispatch race as one atomic unit. This check alone is
// not sufficient to prevent a double-spend under concurrent retries of
// the same token; it only short-circuits requests against a token that
// some earlier call has already consumed.
func (e *Engine) checkOverrideToken(ctx context.Context, raw string, action contracts.Action, actionHash string, now time.Time) (bool, contracts.ReasonCode, string) {
	tok, err := e.overrideCodec.Parse(raw)
	if err != nil {
		return false, contracts.ReasonOverrideMismatch, err.Error()
	}
	if tok.Expired(now) {
		return false, contracts.ReasonOverrideExpired, "override token past its expiry"
	}
	if tok.OrgID != action.OrgID || tok.ActionHash != actionHash {
		return false, contracts.ReasonOverrideMismatch, "override token org/action hash does not match presented action"
	}
	appr, err := e.approvals.Get(ctx, tok.ApprovalID)
	if err != nil {
		return false, contracts.ReasonOverrideMismatch, "override token references unknown approval"
	}
	if appr.Status != contracts.ApprovalApproved {
		return false, contracts.ReasonOverrideConsumed, fmt.Sprintf("referenced approval is %q, not APPROVED", appr.Status)
	}
	return true, "", ""
}

func (e *Engine) denyRuleMatches(rule contracts.DenyRule, action contracts.Action) (bool, error) {
	active := false
	if rule.ActionType != "" {
		active = true
		if rule.ActionType != action.Type {
			return false, nil
		}
	}
	if rule.Counterparty != "" {
		active = true
		if rule.Counterparty != action.Counterparty.ID && rule.Counterparty != action.Counterparty.Domain {
			return false, nil
		}
	}
	if rule.Country != "" {
		active = true
		if rule.Country != action.Counterparty.Country {
			return false, nil
		}
	}
	if rule.CELExpression != "" {
		active = true
		ok, err := e.evalCEL(rule.CELExpression, action)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return active, nil
}

func (e *Engine) thresholdMatches(th contracts.ApprovalThreshold, action contracts.Action, counterpartyIsNew bool) (bool, error) {
	active := false
	if th.ActionType != "" {
		active = true
		if th.ActionType != action.Type {
			return false, nil
		}
	}
	if th.MinAmountCents > 0 {
		active = true
		if action.AmountCents < th.MinAmountCents {
			return false, nil
		}
	}
	if th.Currency != "" {
		active = true
		if th.Currency != action.Currency {
			return false, nil
		}
	}
	if th.CounterpartyNew {
		active = true
		if !counterpartyIsNew {
			return false, nil
		}
	}
	if th.CELExpression != "" {
		active = true
		ok, err := e.evalCEL(th.CELExpression, action)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return active, nil
}

// evalCEL evaluates expr against action, caching the compiled program
// by expression text under a double-checked lock, mirroring
// pkg/governance's CEL policy evaluator.
func (e *Engine) evalCEL(expr string, action contracts.Action) (bool, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()

	if !hit {
		e.mu.Lock()
		if prg, hit = e.prgCache[expr]; !hit {
			ast, issues := e.celEnv.Compile(expr)
			if issues != nil && issues.Err() != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("compile: %w", issues.Err())
			}
			p, err := e.celEnv.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("program: %w", err)
			}
			e.prgCache[expr] = p
			prg = p
		}
		e.mu.Unlock()
	}

	input := map[string]any{
		"action": map[string]any{
			"org_id":       action.OrgID,
			"agent_id":     action.AgentID,
			"uapk_id":      action.UAPKID,
			"type":         string(action.Type),
			"amount_cents": action.AmountCents,
			"currency":     action.Currency,
			"tool_name":    action.ToolName,
			"counterparty": map[string]any{
				"id":           action.Counterparty.ID,
				"display_name": action.Counterparty.DisplayName,
				"domain":       action.Counterparty.Domain,
				"country":      action.Counterparty.Country,
			},
		},
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not evaluate to a bool")
	}
	return result, nil
}
