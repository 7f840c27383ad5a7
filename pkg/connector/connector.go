// Package connector implements the gateway's outbound Connector
// Framework (SPEC_FULL.md §4.4): the polymorphic validate/execute
// surface every outbound tool call goes through, guarded against SSRF,
// rate limited per connector, and provenance-tagged on response.
package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/time/rate"

	"github.com/mindburn-labs/agentgateway/pkg/contracts"
)

// ErrToolNotSupported is returned by a connector whose Execute is asked
// to handle a tool name it does not recognize.
var ErrToolNotSupported = errors.New("connector: tool not supported")

// Result is what a connector returns on successful execution. Output is
// JCS-canonicalized and hashed by the caller before it's written into
// the audit event.
type Result struct {
	Output   map[string]interface{}
	Status   string
	Latency  time.Duration
}

// Connector is the capability every outbound integration implements.
// Validate is called by the gateway service at dispatch, after an ALLOW
// decision and before Execute (the HTTP and webhook connectors' Validate
// resolves DNS); Execute performs the actual call.
type Connector interface {
	Name() string
	Validate(ctx context.Context, action contracts.Action) error
	Execute(ctx context.Context, action contracts.Action) (Result, error)
}

// RateLimited wraps a Connector with a per-connector token bucket,
// adapted from pkg/kernel's limiter pattern but using
// golang.org/x/time/rate for the in-process case (no cross-instance
// coordination needed at the single-connector granularity).
type RateLimited struct {
	inner   Connector
	limiter *rate.Limiter
}

// NewRateLimited wraps inner with a limiter allowing ratePerSecond
// sustained calls and burst concurrent calls.
func NewRateLimited(inner Connector, ratePerSecond float64, burst int) *RateLimited {
	return &RateLimited{inner: inner, limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

func (r *RateLimited) Name() string { return r.inner.Name() }

func (r *RateLimited) Validate(ctx context.Context, action contracts.Action) error {
	return r.inner.Validate(ctx, action)
}

func (r *RateLimited) Execute(ctx context.Context, action contracts.Action) (Result, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("connector %s: rate limit wait failed: %w", r.inner.Name(), err)
	}
	return r.inner.Execute(ctx, action)
}

// Registry resolves a connector by the tool name an action targets.
type Registry struct {
	byTool map[string]Connector
}

// NewRegistry builds a registry from a set of connectors, each keyed by
// the single tool name its Name method reports.
func NewRegistry(connectors ...Connector) *Registry {
	r := &Registry{byTool: make(map[string]Connector)}
	for _, c := range connectors {
		r.byTool[c.Name()] = c
	}
	return r
}

func (r *Registry) Lookup(tool string) (Connector, bool) {
	c, ok := r.byTool[tool]
	return c, ok
}

// limitReader caps response bodies at maxBytes, per spec.md §4.4's
// "response body size are capped by configuration".
func limitReader(body io.Reader, maxBytes int64) io.Reader {
	return io.LimitReader(body, maxBytes)
}
