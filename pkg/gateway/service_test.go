package gateway

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindburn-labs/agentgateway/pkg/approval"
	"github.com/mindburn-labs/agentgateway/pkg/audit"
	"github.com/mindburn-labs/agentgateway/pkg/budget"
	"github.com/mindburn-labs/agentgateway/pkg/connector"
	"github.com/mindburn-labs/agentgateway/pkg/contracts"
	"github.com/mindburn-labs/agentgateway/pkg/crypto"
	"github.com/mindburn-labs/agentgateway/pkg/manifest"
	"github.com/mindburn-labs/agentgateway/pkg/policy"
)

var testNow = time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, m contracts.Manifest, connectors ...connector.Connector) (*Service, *approval.MemoryStore) {
	t.Helper()
	store := manifest.NewStaticStore([]contracts.Manifest{m})

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	overrideCodec := approval.NewTokenCodec(priv, pub, "gateway-test")
	approvals := approval.NewMemoryStore(overrideCodec)

	budgets := budget.NewMemoryStore()
	engine, err := policy.New(store, approvals, overrideCodec, nil, budgets)
	require.NoError(t, err)

	registry := connector.NewRegistry(connectors...)

	signer, err := crypto.NewEd25519Signer("gateway-key-1")
	require.NoError(t, err)
	auditLog := audit.NewMemoryLog(signer)

	svc := New(engine, registry, approvals, auditLog, NewMemoryIdempotencyStore())
	return svc, approvals
}

func baseManifest() contracts.Manifest {
	return contracts.Manifest{
		OrgID:         "org_1",
		UAPKID:        "uapk_1",
		SchemaVersion: "1.0.0",
		Status:        contracts.ManifestStatusActive,
		Constraints: contracts.Constraints{
			AllowedActionTypes: []contracts.ActionType{contracts.ActionTypeEmailSend},
			AllowedTools:       []string{"mailer.simulated"},
		},
	}
}

func baseAction() contracts.Action {
	return contracts.Action{
		OrgID:        "org_1",
		AgentID:      "agent_1",
		UAPKID:       "uapk_1",
		Type:         contracts.ActionTypeEmailSend,
		ToolName:     "mailer.simulated",
		Counterparty: contracts.Counterparty{ID: "user@example.com"},
		RequestedAt:  testNow,
	}
}

func TestService_ExecuteAllowsAndDispatches(t *testing.T) {
	mock := connector.NewMockConnector("mailer.simulated")
	svc, _ := newTestService(t, baseManifest(), mock)

	res, err := svc.Execute(context.Background(), policy.Request{Action: baseAction()}, testNow)
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeAllow, res.Decision.Outcome)
	require.NotNil(t, res.ConnectorResult)
	assert.Equal(t, "ok", res.ConnectorResult.Status)
}

func TestService_ExecuteDeniesWithoutAuditError(t *testing.T) {
	mock := connector.NewMockConnector("mailer.simulated")
	svc, _ := newTestService(t, baseManifest(), mock)

	action := baseAction()
	action.Type = contracts.ActionTypeHTTPRequest
	res, err := svc.Execute(context.Background(), policy.Request{Action: action}, testNow)
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeDeny, res.Decision.Outcome)
	assert.Nil(t, res.ConnectorResult)
}

func TestService_ExecuteEscalatesAndCreatesApproval(t *testing.T) {
	m := baseManifest()
	m.RequireApproval = []contracts.ActionType{contracts.ActionTypeEmailSend}
	mock := connector.NewMockConnector("mailer.simulated")
	svc, approvals := newTestService(t, m, mock)

	res, err := svc.Execute(context.Background(), policy.Request{Action: baseAction()}, testNow)
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeEscalate, res.Decision.Outcome)
	require.NotEmpty(t, res.ApprovalID)

	appr, err := approvals.Get(context.Background(), res.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalPending, appr.Status)
}

func TestService_ExecuteReplaysIdempotentResult(t *testing.T) {
	mock := connector.NewMockConnector("mailer.simulated")
	svc, _ := newTestService(t, baseManifest(), mock)

	action := baseAction()
	action.IdempotencyKey = "req-123"

	first, err := svc.Execute(context.Background(), policy.Request{Action: action}, testNow)
	require.NoError(t, err)

	second, err := svc.Execute(context.Background(), policy.Request{Action: action}, testNow.Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, first.Decision.ActionHash, second.Decision.ActionHash)
	assert.Equal(t, first.ConnectorResult.Status, second.ConnectorResult.Status)
}

func TestService_ExecuteConsumesOverrideTokenOnDispatch(t *testing.T) {
	m := baseManifest()
	m.RequireApproval = []contracts.ActionType{contracts.ActionTypeEmailSend}
	mock := connector.NewMockConnector("mailer.simulated")
	svc, approvals := newTestService(t, m, mock)

	action := baseAction()
	escalated, err := svc.Execute(context.Background(), policy.Request{Action: action}, testNow)
	require.NoError(t, err)
	require.Equal(t, contracts.OutcomeEscalate, escalated.Decision.Outcome)

	_, tokenString, err := approvals.Approve(context.Background(), escalated.ApprovalID, "reviewer_1", testNow)
	require.NoError(t, err)

	allowed, err := svc.Execute(context.Background(), policy.Request{Action: action, OverrideTokenRaw: tokenString}, testNow)
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeAllow, allowed.Decision.Outcome)

	appr, err := approvals.Get(context.Background(), escalated.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalConsumed, appr.Status)
}

// countingConnector records how many times Execute actually ran, so a
// test can prove the connector was never dispatched a second time for
// an already-consumed override token.
type countingConnector struct {
	name  string
	calls int
}

func (c *countingConnector) Name() string { return c.name }
func (c *countingConnector) Validate(ctx context.Context, action contracts.Action) error {
	return nil
}
func (c *countingConnector) Execute(ctx context.Context, action contracts.Action) (connector.Result, error) {
	c.calls++
	return connector.Result{Status: "ok"}, nil
}

func TestService_ReusedOverrideTokenDeniesWithoutDispatchingConnectorTwice(t *testing.T) {
	m := baseManifest()
	m.RequireApproval = []contracts.ActionType{contracts.ActionTypeEmailSend}
	mock := &countingConnector{name: "mailer.simulated"}
	svc, approvals := newTestService(t, m, mock)

	action := baseAction()
	escalated, err := svc.Execute(context.Background(), policy.Request{Action: action}, testNow)
	require.NoError(t, err)
	require.Equal(t, contracts.OutcomeEscalate, escalated.Decision.Outcome)

	_, tokenString, err := approvals.Approve(context.Background(), escalated.ApprovalID, "reviewer_1", testNow)
	require.NoError(t, err)

	first, err := svc.Execute(context.Background(), policy.Request{Action: action, OverrideTokenRaw: tokenString}, testNow)
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeAllow, first.Decision.Outcome)
	assert.Equal(t, 1, mock.calls)

	second, err := svc.Execute(context.Background(), policy.Request{Action: action, OverrideTokenRaw: tokenString}, testNow)
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeDeny, second.Decision.Outcome)
	assert.Contains(t, second.Decision.ReasonCodes, contracts.ReasonOverrideConsumed)
	assert.Equal(t, 1, mock.calls, "consume must fail before the connector is dispatched a second time")
}
