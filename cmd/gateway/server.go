package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mindburn-labs/agentgateway/pkg/config"
	"github.com/mindburn-labs/agentgateway/pkg/gateway"
	"github.com/mindburn-labs/agentgateway/pkg/observability"
	"github.com/mindburn-labs/agentgateway/pkg/policy"
	"github.com/mindburn-labs/agentgateway/pkg/ratelimit"
)

// rateLimited checks the request-boundary rate limit (SPEC_FULL.md
// §4.9) before handing off to next, keyed by the caller's API key
// (X-API-Key) or, absent one, its remote address.
func rateLimited(limiter ratelimit.Limiter, limit ratelimit.Limit, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.RemoteAddr
		}
		allowed, err := limiter.Allow(r.Context(), key, limit, 1, time.Now())
		if err != nil {
			http.Error(w, fmt.Sprintf("rate limiter unavailable: %v", err), http.StatusInternalServerError)
			return
		}
		if !allowed {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	})
}

// runServer boots the gateway and serves its minimal HTTP surface until
// SIGINT/SIGTERM. The request/response bodies are policy.Request and
// gateway.ExecuteResult verbatim (both already carry json tags) — there
// is no separate wire-format translation layer, since the richer REST
// resource API this would sit behind is out of scope (SPEC_FULL.md §1).
func runServer(stdout, stderr io.Writer) {
	fmt.Fprintf(stdout, "%sagent gateway starting...%s\n", ColorBold+ColorBlue, ColorReset)
	logger := slog.Default().With("component", "gateway")

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w, err := buildService(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "wiring: %v\n", err)
		os.Exit(1)
	}
	defer w.Close()

	limit := ratelimit.Limit{RatePerSecond: cfg.RateLimitPerSecond, Burst: cfg.RateLimitBurst}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handleHealth)
	mux.Handle("/v1/evaluate", rateLimited(w.limiter, limit, handleEvaluate(w.service, w.observability)))
	mux.Handle("/v1/execute", rateLimited(w.limiter, limit, handleExecute(w.service, cfg, w.observability)))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(stdout, "%sready%s: http://localhost:%s (environment=%s)\n", ColorGreen, ColorReset, cfg.Port, cfg.Environment)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// requestAttrs builds the observability attributes common to every
// operation on req, grounded on the fields a caller actually sets.
func requestAttrs(req policy.Request) []attribute.KeyValue {
	return []attribute.KeyValue{
		observability.AttrActionType.String(string(req.Action.Type)),
		observability.AttrToolName.String(req.Action.ToolName),
		observability.AttrOrgID.String(req.Action.OrgID),
		observability.AttrUAPKID.String(req.Action.UAPKID),
	}
}

// handleEvaluate runs a request through the policy engine only, per
// pkg/gateway.Service.Evaluate's dry-run contract.
func handleEvaluate(svc *gateway.Service, obs *observability.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req policy.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		ctx, finish := obs.TrackOperation(r.Context(), "gateway.evaluate", requestAttrs(req)...)
		decision, err := svc.Evaluate(ctx, req, time.Now())
		finish(err)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, decision)
	}
}

// handleExecute runs the full decide-dispatch-audit pipeline. Shadow
// mode (cfg.ShadowMode) downgrades this to an Evaluate call so a new
// manifest or policy change can be validated against live traffic
// without ever reaching a connector.
func handleExecute(svc *gateway.Service, cfg *config.Config, obs *observability.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req policy.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		now := time.Now()
		attrs := requestAttrs(req)
		if cfg.ShadowMode {
			ctx, finish := obs.TrackOperation(r.Context(), "gateway.evaluate", attrs...)
			decision, err := svc.Evaluate(ctx, req, now)
			finish(err)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, gateway.ExecuteResult{Decision: decision})
			return
		}
		ctx, finish := obs.TrackOperation(r.Context(), "gateway.execute", attrs...)
		result, err := svc.Execute(ctx, req, now)
		finish(err)
		if err != nil {
			if err == gateway.ErrIdempotencyInFlight {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func runHealthCmd(stdout, stderr io.Writer) int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	resp, err := http.Get("http://localhost:" + port + "/health")
	if err != nil {
		fmt.Fprintf(stderr, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}
