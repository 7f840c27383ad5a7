// Package ratelimit implements the gateway's request-boundary rate
// limiter (SPEC_FULL.md §4.9): a sliding token bucket keyed by API key
// or caller IP, checked before an action ever reaches the policy
// engine. This is distinct from pkg/connector's per-connector
// RateLimited wrapper, which bounds outbound calls to one integration
// rather than inbound requests from one caller.
package ratelimit

import (
	"context"
	"time"
)

// Limit describes one caller's allowance: ratePerSecond tokens refill
// continuously up to burst capacity.
type Limit struct {
	RatePerSecond float64
	Burst         int
}

// Limiter checks whether the caller identified by key may spend cost
// tokens right now.
type Limiter interface {
	Allow(ctx context.Context, key string, limit Limit, cost int, now time.Time) (bool, error)
}
