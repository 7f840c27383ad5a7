package config_test

import (
	"testing"
	"time"

	"github.com/mindburn-labs/agentgateway/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults in
// development when no environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("GATEWAY_APPROVAL_STORE_DSN", "")
	t.Setenv("GATEWAY_REDIS_ADDR", "")
	t.Setenv("SECRET_KEY", "")
	t.Setenv("GATEWAY_ED25519_PRIVATE_KEY", "")
	t.Setenv("GATEWAY_FERNET_KEY", "")
	t.Setenv("GATEWAY_ALLOWED_WEBHOOK_DOMAINS", "")
	t.Setenv("GATEWAY_SHADOW_MODE", "")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Contains(t, cfg.ApprovalStoreDSN, "localhost")
	assert.Empty(t, cfg.RedisAddr)
	assert.False(t, cfg.ShadowMode)
	assert.False(t, cfg.IsProduction())
	assert.Equal(t, "./data/manifests", cfg.ManifestDir)
	assert.Equal(t, "./data/connector_policies.yaml", cfg.ConnectorPolicyFile)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, 10.0, cfg.RateLimitPerSecond)
	assert.Equal(t, 20, cfg.RateLimitBurst)
	assert.False(t, cfg.TracingEnabled)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.Equal(t, 1.0, cfg.OTLPSampleRate)
	assert.Empty(t, cfg.AuditExportS3Bucket)
	assert.Empty(t, cfg.AuditExportGCSBucket)
	assert.Equal(t, time.Hour, cfg.AuditExportInterval)
}

// TestLoad_Overrides verifies that environment variables correctly
// override default values.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ENVIRONMENT", "staging")
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("GATEWAY_APPROVAL_STORE_DSN", "postgres://production-approvals:5432/db")
	t.Setenv("GATEWAY_BUDGET_STORE_DSN", "postgres://production-budget:5432/db")
	t.Setenv("GATEWAY_REDIS_ADDR", "redis-prod:6379")
	t.Setenv("GATEWAY_SHADOW_MODE", "true")
	t.Setenv("GATEWAY_ALLOWED_WEBHOOK_DOMAINS", "hooks.example.com, api.partner.io")
	t.Setenv("GATEWAY_MANIFEST_DIR", "/etc/agentgateway/manifests")
	t.Setenv("GATEWAY_CONNECTOR_POLICY_FILE", "/etc/agentgateway/connectors.yaml")
	t.Setenv("GATEWAY_DATA_DIR", "/var/lib/agentgateway")
	t.Setenv("GATEWAY_RATE_LIMIT_PER_SECOND", "50.5")
	t.Setenv("GATEWAY_RATE_LIMIT_BURST", "100")
	t.Setenv("GATEWAY_TRACING_ENABLED", "true")
	t.Setenv("GATEWAY_OTLP_ENDPOINT", "otel-collector:4317")
	t.Setenv("GATEWAY_OTLP_SAMPLE_RATE", "0.25")
	t.Setenv("GATEWAY_AUDIT_EXPORT_S3_BUCKET", "gateway-audit-exports")
	t.Setenv("GATEWAY_AUDIT_EXPORT_GCS_BUCKET", "gateway-audit-exports-gcs")
	t.Setenv("GATEWAY_AUDIT_EXPORT_INTERVAL", "15m")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres://production-approvals:5432/db", cfg.ApprovalStoreDSN)
	assert.Equal(t, "postgres://production-budget:5432/db", cfg.BudgetStoreDSN)
	assert.Equal(t, "redis-prod:6379", cfg.RedisAddr)
	assert.True(t, cfg.ShadowMode)
	assert.Equal(t, []string{"hooks.example.com", "api.partner.io"}, cfg.AllowedWebhookDomains)
	assert.Equal(t, "/etc/agentgateway/manifests", cfg.ManifestDir)
	assert.Equal(t, "/etc/agentgateway/connectors.yaml", cfg.ConnectorPolicyFile)
	assert.Equal(t, "/var/lib/agentgateway", cfg.DataDir)
	assert.Equal(t, 50.5, cfg.RateLimitPerSecond)
	assert.Equal(t, 100, cfg.RateLimitBurst)
	assert.True(t, cfg.TracingEnabled)
	assert.Equal(t, "otel-collector:4317", cfg.OTLPEndpoint)
	assert.Equal(t, 0.25, cfg.OTLPSampleRate)
	assert.Equal(t, "gateway-audit-exports", cfg.AuditExportS3Bucket)
	assert.Equal(t, "gateway-audit-exports-gcs", cfg.AuditExportGCSBucket)
	assert.Equal(t, 15*time.Minute, cfg.AuditExportInterval)
}

// TestLoad_RateLimitFallsBackOnInvalidValues verifies malformed numeric
// env vars fall back to defaults rather than failing Load.
func TestLoad_RateLimitFallsBackOnInvalidValues(t *testing.T) {
	t.Setenv("GATEWAY_RATE_LIMIT_PER_SECOND", "not-a-number")
	t.Setenv("GATEWAY_RATE_LIMIT_BURST", "not-a-number")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 10.0, cfg.RateLimitPerSecond)
	assert.Equal(t, 20, cfg.RateLimitBurst)
}

// TestLoad_ProductionFailsClosedWithoutSecrets verifies the gateway
// refuses to boot into production without real key material.
func TestLoad_ProductionFailsClosedWithoutSecrets(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("SECRET_KEY", "")
	t.Setenv("GATEWAY_ED25519_PRIVATE_KEY", "")
	t.Setenv("GATEWAY_FERNET_KEY", "")
	t.Setenv("GATEWAY_ALLOWED_WEBHOOK_DOMAINS", "")

	_, err := config.Load()
	require.Error(t, err)

	var misconfigured *config.ErrProductionMisconfigured
	require.ErrorAs(t, err, &misconfigured)
	assert.Contains(t, misconfigured.Missing, "SECRET_KEY")
	assert.Contains(t, misconfigured.Missing, "GATEWAY_ED25519_PRIVATE_KEY")
	assert.Contains(t, misconfigured.Missing, "GATEWAY_FERNET_KEY")
	assert.Contains(t, misconfigured.Missing, "GATEWAY_ALLOWED_WEBHOOK_DOMAINS")
}

// TestLoad_ProductionSucceedsWithAllSecrets verifies production boot
// succeeds once every required setting is present.
func TestLoad_ProductionSucceedsWithAllSecrets(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("SECRET_KEY", "a-real-secret")
	t.Setenv("GATEWAY_ED25519_PRIVATE_KEY", "deadbeef")
	t.Setenv("GATEWAY_FERNET_KEY", "another-real-secret")
	t.Setenv("GATEWAY_ALLOWED_WEBHOOK_DOMAINS", "hooks.example.com")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
}
