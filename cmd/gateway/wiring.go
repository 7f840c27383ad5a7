package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"

	"github.com/mindburn-labs/agentgateway/pkg/approval"
	"github.com/mindburn-labs/agentgateway/pkg/audit"
	"github.com/mindburn-labs/agentgateway/pkg/budget"
	"github.com/mindburn-labs/agentgateway/pkg/capability"
	"github.com/mindburn-labs/agentgateway/pkg/config"
	"github.com/mindburn-labs/agentgateway/pkg/connector"
	"github.com/mindburn-labs/agentgateway/pkg/crypto"
	"github.com/mindburn-labs/agentgateway/pkg/gateway"
	"github.com/mindburn-labs/agentgateway/pkg/kms"
	"github.com/mindburn-labs/agentgateway/pkg/manifest"
	"github.com/mindburn-labs/agentgateway/pkg/observability"
	"github.com/mindburn-labs/agentgateway/pkg/policy"
	"github.com/mindburn-labs/agentgateway/pkg/ratelimit"
)

// wired is everything runServer needs after assembling the gateway's
// components from config.
type wired struct {
	service       *gateway.Service
	limiter       ratelimit.Limiter
	auditLog      audit.Log
	observability *observability.Provider
	closers       []func()
}

func (w *wired) Close() {
	for i := len(w.closers) - 1; i >= 0; i-- {
		w.closers[i]()
	}
}

// buildService assembles a gateway.Service per cfg, choosing Postgres
// or Redis backends when they're reachable and falling back to the
// in-memory implementations outside production (mirroring the
// teacher's Lite Mode fallback in cmd/helm/lite_mode.go). In
// production, a backend that fails to connect is fatal rather than
// silently degraded.
func buildService(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*wired, error) {
	w := &wired{}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("gateway: create data dir: %w", err)
	}

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "agentgateway",
		ServiceVersion: "0.1.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.OTLPSampleRate,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.TracingEnabled,
		Insecure:       !cfg.IsProduction(),
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: observability init failed: %w", err)
	}
	w.observability = obs
	w.closers = append(w.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	})

	signer, err := loadSigner(cfg, logger)
	if err != nil {
		return nil, err
	}

	issuerRegistry := crypto.NewIssuerRegistry(10)
	issuerRegistry.Register(signer.KeyID(), signer.PublicKeyHex())

	var keystore *kms.LocalKMS
	if cfg.FernetKey != "" {
		keystore, err = kms.NewLocalKMSFromSecret(cfg.KMSKeystorePath, []byte(cfg.FernetKey))
	} else {
		keystore, err = kms.NewLocalKMS(cfg.KMSKeystorePath)
	}
	if err != nil {
		return nil, fmt.Errorf("gateway: kms init failed: %w", err)
	}

	auditLog := audit.NewMemoryLog(signer)
	w.auditLog = auditLog

	if cfg.AuditExportS3Bucket != "" {
		sink, sinkErr := audit.NewS3SinkFromDefaultConfig(ctx, cfg.AuditExportS3Bucket)
		if sinkErr != nil {
			return nil, fmt.Errorf("gateway: audit s3 export sink init failed: %w", sinkErr)
		}
		go runAuditExportLoop(ctx, auditLog, sink, cfg.AuditExportInterval, logger.With("sink", "s3"))
	}
	if cfg.AuditExportGCSBucket != "" {
		sink, sinkErr := audit.NewGCSSinkFromDefaultConfig(ctx, cfg.AuditExportGCSBucket)
		if sinkErr != nil {
			return nil, fmt.Errorf("gateway: audit gcs export sink init failed: %w", sinkErr)
		}
		go runAuditExportLoop(ctx, auditLog, sink, cfg.AuditExportInterval, logger.With("sink", "gcs"))
	}

	var db *sql.DB
	if d, openErr := sql.Open("postgres", cfg.ApprovalStoreDSN); openErr == nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		pingErr := d.PingContext(pingCtx)
		cancel()
		if pingErr == nil {
			db = d
			w.closers = append(w.closers, func() { _ = d.Close() })
			logger.Info("postgres: connected", "dsn_host", hostOnly(cfg.ApprovalStoreDSN))
		} else if cfg.IsProduction() {
			return nil, fmt.Errorf("gateway: postgres unreachable in production: %w", pingErr)
		} else {
			logger.Warn("postgres unreachable, falling back to in-memory stores", "error", pingErr)
			_ = d.Close()
		}
	} else if cfg.IsProduction() {
		return nil, fmt.Errorf("gateway: postgres driver open failed: %w", openErr)
	}

	overrideCodec := approval.NewTokenCodec(signer.PrivateKey(), signer.PublicKey(), "agentgateway")
	var approvalStore approval.Store
	var budgetStore budget.Store
	if db != nil {
		approvalStore = approval.NewPostgresStore(db, overrideCodec)
		budgetStore = budget.NewPostgresStore(db)
	} else {
		approvalStore = approval.NewMemoryStore(overrideCodec)
		budgetStore = budget.NewMemoryStore()
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		pingErr := redisClient.Ping(pingCtx).Err()
		cancel()
		if pingErr != nil {
			if cfg.IsProduction() {
				return nil, fmt.Errorf("gateway: redis unreachable in production: %w", pingErr)
			}
			logger.Warn("redis unreachable, falling back to in-memory rate limiter and idempotency cache", "error", pingErr)
			redisClient = nil
		} else {
			w.closers = append(w.closers, func() { _ = redisClient.Close() })
		}
	}

	var idempotency gateway.IdempotencyStore
	if redisClient != nil {
		w.limiter = ratelimit.NewRedisLimiter(redisClient)
		idempotency = gateway.NewRedisIdempotencyStore(redisClient)
	} else {
		w.limiter = ratelimit.NewMemoryLimiter()
		idempotency = gateway.NewMemoryIdempotencyStore()
	}

	capCodec := capability.NewCodec("agentgateway", issuerRegistry)

	manifestValidator, err := manifest.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("gateway: manifest validator init failed: %w", err)
	}
	manifests, err := manifest.LoadDirectory(cfg.ManifestDir, manifestValidator)
	if err != nil {
		logger.Warn("no manifests loaded at boot", "dir", cfg.ManifestDir, "error", err)
	}
	manifestStore := manifest.NewStaticStore(manifests)

	engine, err := policy.New(manifestStore, approvalStore, overrideCodec, capCodec, budgetStore)
	if err != nil {
		return nil, fmt.Errorf("gateway: policy engine init failed: %w", err)
	}

	registry, err := buildConnectorRegistry(cfg, signer, keystore, logger)
	if err != nil {
		return nil, err
	}

	w.service = gateway.New(engine, registry, approvalStore, auditLog, idempotency)
	return w, nil
}

// buildConnectorRegistry wires the simulated connectors (never perform
// outbound I/O, so always available) plus HTTP/webhook connectors
// guarded by whatever connector policy file is present, mirroring
// pkg/config's ConnectorPolicy loader. The webhook connector's allowed
// hosts are cfg.AllowedWebhookDomains, widened by any "webhook" entry
// in the connector policy file; this is the only place that env var is
// consulted. A webhook policy entry can add hosts but not remove single
// env-var hosts; an island-mode webhook entry disables the webhook
// connector altogether, env-var hosts included. keystore seals
// every record the simulated connectors write to disk (counterparty
// identity, email body, payee) so the on-disk logs disclose nothing on
// their own.
func buildConnectorRegistry(cfg *config.Config, signer *crypto.Ed25519Signer, keystore *kms.LocalKMS, logger *slog.Logger) (*connector.Registry, error) {
	// keystore is typed nil-able here; only lift it into the kms.Manager
	// interface when it's actually present, or a (*LocalKMS)(nil) stored
	// in a non-nil interface would make every append think it has a live
	// encryptor and panic on first use.
	var encryptor kms.Manager
	if keystore != nil {
		encryptor = keystore
	}

	mailer, err := connector.NewSimulatedMailerWithKMS(filepath.Join(cfg.DataDir, "mailer.log"), encryptor)
	if err != nil {
		return nil, fmt.Errorf("gateway: simulated mailer init failed: %w", err)
	}
	payments, err := connector.NewSimulatedPaymentsWithKMS(filepath.Join(cfg.DataDir, "payments.log"), encryptor)
	if err != nil {
		return nil, fmt.Errorf("gateway: simulated payments init failed: %w", err)
	}

	connectors := []connector.Connector{mailer, payments}

	policies, err := config.LoadConnectorPolicies(cfg.ConnectorPolicyFile)
	if err != nil {
		logger.Warn("no connector policy file loaded; HTTP connector disabled", "path", cfg.ConnectorPolicyFile, "error", err)
		policies = map[string]*config.ConnectorPolicy{}
	}

	if p, ok := policies["http"]; ok && !p.IsIslandMode() {
		guard := connector.NewGuard(p.AllowedHosts(), nil)
		connectors = append(connectors, connector.NewHTTPConnector(guard, []string{"GET", "POST"}, 1<<20))
	}

	webhookHosts := append([]string{}, cfg.AllowedWebhookDomains...)
	webhookIsland := false
	if p, ok := policies["webhook"]; ok {
		webhookIsland = p.IsIslandMode()
		webhookHosts = append(webhookHosts, p.AllowedHosts()...)
	}
	if !webhookIsland && len(webhookHosts) > 0 {
		guard := connector.NewGuard(webhookHosts, nil)
		connectors = append(connectors, connector.NewWebhookConnector(guard, signer, 1<<20))
	} else {
		logger.Warn("no webhook destinations allowlisted; webhook connector disabled")
	}

	return connector.NewRegistry(connectors...), nil
}

// hostOnly strips credentials from a DSN before it reaches a log line.
func hostOnly(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "unparseable"
	}
	return u.Host
}
