package observability

import "go.opentelemetry.io/otel/attribute"

// Gateway-specific semantic convention attributes, attached to spans and
// RED metrics for every policy evaluation and connector dispatch.
var (
	AttrOrgID      = attribute.Key("agentgateway.org_id")
	AttrUAPKID     = attribute.Key("agentgateway.uapk_id")
	AttrActionType = attribute.Key("agentgateway.action.type")
	AttrToolName   = attribute.Key("agentgateway.action.tool")
	AttrDecision   = attribute.Key("agentgateway.decision")
	AttrDenyReason = attribute.Key("agentgateway.deny_reason")
	AttrConnector  = attribute.Key("agentgateway.connector")
)
