package contracts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindburn-labs/agentgateway/pkg/canonicalize"
)

func TestAction_CanonicalFormExcludesDescription(t *testing.T) {
	base := Action{
		OrgID:       "org_1",
		AgentID:     "agent_1",
		UAPKID:      "uapk_1",
		Type:        ActionTypeEmailSend,
		ToolName:    "mailer.simulated",
		RequestedAt: time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC),
	}
	withDescription := base
	withDescription.Description = "refund for order #4821"

	hashA, err := canonicalize.ActionHash(base.CanonicalForm())
	require.NoError(t, err)
	hashB, err := canonicalize.ActionHash(withDescription.CanonicalForm())
	require.NoError(t, err)

	assert.Equal(t, hashA, hashB, "description must not perturb the action hash")
}

func TestAction_PeriodBucket(t *testing.T) {
	a := Action{RequestedAt: time.Date(2026, 7, 30, 23, 30, 0, 0, time.UTC)}
	assert.Equal(t, "2026-07-30", a.PeriodBucket(time.UTC))
}
