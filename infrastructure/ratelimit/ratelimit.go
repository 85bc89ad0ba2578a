// Package ratelimit provides a single-limiter token bucket gate, used by the
// gateway to throttle how often one client connection may issue a
// create_flow request.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures the token bucket behind one RateLimiter.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig is a conservative per-connection create_flow budget: enough
// to cover a client reconnecting to several resources in a burst without
// allowing a misbehaving client to flood the Flow Handshake Coordinator.
func DefaultConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 5,
		Burst:             10,
	}
}

// RateLimiter wraps a single golang.org/x/time/rate.Limiter. One instance is
// constructed per client websocket connection in cmd/gateway/client.go, so
// there is no per-key (per-IP/per-user) map here.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New constructs a RateLimiter from cfg, falling back to DefaultConfig's
// rate when cfg.RequestsPerSecond is unset.
func New(cfg RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultConfig().RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}

	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
	}
}

// Allow reports whether a create_flow request may proceed right now. The
// caller (readPump) drops the request and logs a warning on false rather
// than blocking the websocket read loop.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// AllowN reports whether n requests at time now may proceed, for callers
// that need to account for a batch rather than one request at a time.
func (r *RateLimiter) AllowN(now time.Time, n int) bool {
	return r.limiter.AllowN(now, n)
}
