// Package ratelimit provides sliding-window admission control per
// (user, bucket) key.
//
// The OSS distribution ships an in-memory limiter (MemoryLimiter). A
// Redis-backed implementation (RedisLimiter) provides the same contract for
// multi-instance deployments — Limiter is the interface either way, so call
// sites never change when the backing store does.
package ratelimit

import (
	"context"
	"strconv"
	"time"
)

// Rule describes one admission-control bucket. Different buckets and
// different users are fully independent.
type Rule struct {
	Bucket string        // logical bucket name, e.g. "runs:start"
	Limit  int           // maximum admitted calls per window
	Window time.Duration // sliding window length
}

// Result is the outcome of an admission check. CheckAndConsume never fails:
// callers translate Allowed=false into a "too many requests" outcome.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAt is when the next slot frees. For denied results this is the
	// expiry of the earliest live ticket — the first real moment a retry can
	// succeed, not a coarse window boundary.
	ResetAt time.Time
}

// FormatHeaders returns the standard rate limit response headers.
func (r Result) FormatHeaders() map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(r.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(r.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(r.ResetAt.Unix(), 10),
	}
}

// Limiter decides whether a call identified by user should be admitted
// under rule. Implementations must be safe for concurrent use. A limiter
// malfunction fails open (permit the request) rather than blocking traffic —
// this is a usage-shaping control, not a security boundary.
type Limiter interface {
	CheckAndConsume(ctx context.Context, user string, rule Rule) Result

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// CheckAndConsume always allows.
func (NoopLimiter) CheckAndConsume(_ context.Context, _ string, rule Rule) Result {
	return Result{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit, ResetAt: time.Now().Add(rule.Window)}
}

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
