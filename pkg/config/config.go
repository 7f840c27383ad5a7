package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds gateway server configuration, loaded entirely from
// environment variables per twelve-factor convention.
type Config struct {
	Environment string // "development" | "staging" | "production"
	Port        string
	LogLevel    string

	// ApprovalStoreDSN points at the Postgres database cmd/gateway opens
	// for both pkg/approval and pkg/budget. BudgetStoreDSN is read from
	// the environment but cmd/gateway does not open it.
	ApprovalStoreDSN string
	BudgetStoreDSN   string

	// RedisAddr, when set, backs pkg/ratelimit and pkg/gateway's
	// idempotency store. Empty means both fall back to their in-memory
	// implementations, appropriate only for a single-instance deployment.
	RedisAddr string

	// SecretKey seeds HMAC-based derivations used outside the signing
	// and encryption paths (session tokens, CSRF, etc.).
	SecretKey string

	// Ed25519PrivateKeyHex is the hex-encoded seed for the audit log and
	// capability-token signer. Empty in development generates and
	// persists a throwaway key; required in production.
	Ed25519PrivateKeyHex string

	// FernetKey seeds pkg/kms's keystore bootstrap via HKDF when the
	// keystore does not already exist on disk.
	FernetKey string

	// AllowedWebhookDomains is the static allowlist pkg/connector's
	// webhook connector consults before ever resolving a destination
	// host, closing the SSRF hole a purely runtime DNS check cannot.
	AllowedWebhookDomains []string

	KMSKeystorePath string

	// ManifestDir points at a directory of *.json manifest files loaded
	// at boot via pkg/manifest.LoadDirectory.
	ManifestDir string

	// ConnectorPolicyFile points at the YAML file pkg/config's
	// LoadConnectorPolicies reads to build each connector's SSRF
	// allowlist/denylist/island-mode policy.
	ConnectorPolicyFile string

	// DataDir is where the gateway persists local, non-secret state: the
	// dev signing key (data/root.key) and the simulated mailer/payments
	// logs. KMSKeystorePath is used as given; it is not joined to DataDir.
	DataDir string

	// ShadowMode runs every request through Evaluate only, logging what
	// would have happened without ever reaching Execute's connector
	// dispatch. Used to validate a new manifest or policy change against
	// live traffic before trusting it.
	ShadowMode bool

	// RateLimitPerSecond and RateLimitBurst bound pkg/ratelimit's
	// request-boundary check, applied per API key (or caller IP when no
	// key is presented) before a request ever reaches the policy engine.
	RateLimitPerSecond float64
	RateLimitBurst     int

	// TracingEnabled and OTLPEndpoint gate pkg/observability's OTLP
	// exporters. Tracing stays off by default even outside production,
	// since there's rarely a collector listening on a contributor's
	// machine; an operator opts in explicitly.
	TracingEnabled bool
	OTLPEndpoint   string
	OTLPSampleRate float64

	// AuditExportS3Bucket and AuditExportGCSBucket, when set, turn on a
	// periodic job that ships the audit log's export to durable
	// off-box storage via pkg/audit's ExportSink. Leave both empty to
	// disable export entirely; setting both exports to each.
	AuditExportS3Bucket  string
	AuditExportGCSBucket string
	AuditExportInterval  time.Duration
}

// ErrProductionMisconfigured is returned by Load when ENVIRONMENT is
// "production" and a required secret is missing. The gateway must not
// boot into production without real key material.
type ErrProductionMisconfigured struct {
	Missing []string
}

func (e *ErrProductionMisconfigured) Error() string {
	return fmt.Sprintf("config: production deployment missing required settings: %s", strings.Join(e.Missing, ", "))
}

// Load reads configuration from the environment. It fails closed in
// production: a missing SECRET_KEY, GATEWAY_ED25519_PRIVATE_KEY,
// GATEWAY_FERNET_KEY, or GATEWAY_ALLOWED_WEBHOOK_DOMAINS returns
// ErrProductionMisconfigured rather than
// silently falling back to a generated or empty value. Outside
// production, the same gaps are filled with development-friendly
// defaults so a contributor can run the gateway with zero setup.
func Load() (*Config, error) {
	env := envOr("ENVIRONMENT", "development")

	cfg := &Config{
		Environment:          env,
		Port:                 envOr("PORT", "8080"),
		LogLevel:             envOr("LOG_LEVEL", "INFO"),
		ApprovalStoreDSN:     envOr("GATEWAY_APPROVAL_STORE_DSN", "postgres://gateway@localhost:5433/agentgateway?sslmode=disable"),
		BudgetStoreDSN:       envOr("GATEWAY_BUDGET_STORE_DSN", "postgres://gateway@localhost:5433/agentgateway?sslmode=disable"),
		RedisAddr:            os.Getenv("GATEWAY_REDIS_ADDR"),
		SecretKey:            os.Getenv("SECRET_KEY"),
		Ed25519PrivateKeyHex: os.Getenv("GATEWAY_ED25519_PRIVATE_KEY"),
		FernetKey:            os.Getenv("GATEWAY_FERNET_KEY"),
		KMSKeystorePath:      envOr("GATEWAY_KMS_KEYSTORE_PATH", "./data/kms/keystore.json"),
		ManifestDir:          envOr("GATEWAY_MANIFEST_DIR", "./data/manifests"),
		ConnectorPolicyFile:  envOr("GATEWAY_CONNECTOR_POLICY_FILE", "./data/connector_policies.yaml"),
		DataDir:              envOr("GATEWAY_DATA_DIR", "./data"),
		ShadowMode:           envOrBool("GATEWAY_SHADOW_MODE", false),
		RateLimitPerSecond:   envOrFloat("GATEWAY_RATE_LIMIT_PER_SECOND", 10),
		RateLimitBurst:       envOrInt("GATEWAY_RATE_LIMIT_BURST", 20),
		TracingEnabled:       envOrBool("GATEWAY_TRACING_ENABLED", false),
		OTLPEndpoint:         envOr("GATEWAY_OTLP_ENDPOINT", "localhost:4317"),
		OTLPSampleRate:       envOrFloat("GATEWAY_OTLP_SAMPLE_RATE", 1.0),
		AuditExportS3Bucket:  os.Getenv("GATEWAY_AUDIT_EXPORT_S3_BUCKET"),
		AuditExportGCSBucket: os.Getenv("GATEWAY_AUDIT_EXPORT_GCS_BUCKET"),
		AuditExportInterval:  envOrDuration("GATEWAY_AUDIT_EXPORT_INTERVAL", time.Hour),
	}

	if raw := os.Getenv("GATEWAY_ALLOWED_WEBHOOK_DOMAINS"); raw != "" {
		for _, d := range strings.Split(raw, ",") {
			d = strings.TrimSpace(strings.ToLower(d))
			if d != "" {
				cfg.AllowedWebhookDomains = append(cfg.AllowedWebhookDomains, d)
			}
		}
	}

	if env == "production" {
		var missing []string
		if cfg.SecretKey == "" {
			missing = append(missing, "SECRET_KEY")
		}
		if cfg.Ed25519PrivateKeyHex == "" {
			missing = append(missing, "GATEWAY_ED25519_PRIVATE_KEY")
		}
		if cfg.FernetKey == "" {
			missing = append(missing, "GATEWAY_FERNET_KEY")
		}
		if len(cfg.AllowedWebhookDomains) == 0 {
			missing = append(missing, "GATEWAY_ALLOWED_WEBHOOK_DOMAINS")
		}
		if len(missing) > 0 {
			return nil, &ErrProductionMisconfigured{Missing: missing}
		}
	}

	return cfg, nil
}

// IsProduction reports whether this config was loaded for a production
// environment, where fail-fast behavior is mandatory.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envOrFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envOrInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
