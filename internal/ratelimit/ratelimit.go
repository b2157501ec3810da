package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Policy is a fixed-window budget for one endpoint class.
type Policy struct {
	Limit  int           `json:"limit"`
	Window time.Duration `json:"window"`
}

// Decision is the outcome of a single rate-limit check. RetryAfter is
// only meaningful when Allowed is false.
type Decision struct {
	Allowed    bool
	Policy     string
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Store counts requests per (key, window). Implementations must perform
// the check-and-increment atomically: the count may never pass the limit
// within an active window.
type Store interface {
	Incr(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, count int64, remaining time.Duration, err error)
}

// Limiter caps request rate per caller identity. Counting lives in a
// pluggable store; when the shared store errors the limiter falls back
// to the in-process store transparently, logging the degraded mode once
// per transition. Fallback correctness is process-local only.
type Limiter struct {
	policies map[string]Policy
	store    Store
	fallback Store
	global   *rate.Limiter
	logger   *slog.Logger
	degraded atomic.Bool
}

// Options wires a Limiter. Store is required; Fallback may be nil when
// Store is already process-local. Global is an optional process-wide
// token-bucket ceiling applied before any per-identity window.
type Options struct {
	Policies map[string]Policy
	Store    Store
	Fallback Store
	Global   *rate.Limiter
	Logger   *slog.Logger
}

func NewLimiter(opts Options) *Limiter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Limiter{
		policies: opts.Policies,
		store:    opts.Store,
		fallback: opts.Fallback,
		global:   opts.Global,
		logger:   logger,
	}
}

// Allow charges one request against the identity's window for the named
// policy. An unknown policy name is a caller error.
func (l *Limiter) Allow(ctx context.Context, identity, policyName string) (Decision, error) {
	policy, ok := l.policies[policyName]
	if !ok {
		return Decision{}, fmt.Errorf("ratelimit: unknown policy %q", policyName)
	}

	if l.global != nil {
		res := l.global.Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			return Decision{
				Allowed:    false,
				Policy:     policyName,
				Limit:      policy.Limit,
				RetryAfter: delay,
			}, nil
		}
	}

	key := "gatekeeper:rl:" + policyName + ":" + identity

	allowed, count, remaining, err := l.store.Incr(ctx, key, policy.Limit, policy.Window)
	if err != nil {
		if l.fallback == nil {
			return Decision{}, err
		}
		l.markDegraded(err)
		allowed, count, remaining, err = l.fallback.Incr(ctx, key, policy.Limit, policy.Window)
		if err != nil {
			return Decision{}, err
		}
	} else {
		l.markHealthy()
	}

	left := policy.Limit - int(count)
	if left < 0 {
		left = 0
	}

	retryAfter := time.Duration(0)
	if !allowed {
		retryAfter = remaining
		if retryAfter <= 0 {
			retryAfter = policy.Window
		}
	}

	return Decision{
		Allowed:    allowed,
		Policy:     policyName,
		Limit:      policy.Limit,
		Remaining:  left,
		RetryAfter: retryAfter,
	}, nil
}

// Degraded reports whether the limiter is running on the local fallback.
func (l *Limiter) Degraded() bool {
	return l.degraded.Load()
}

// Policies returns the configured policy table.
func (l *Limiter) Policies() map[string]Policy {
	return l.policies
}

// Status is the limiter snapshot for the diagnostics endpoint.
type Status struct {
	Degraded bool              `json:"degraded"`
	Policies map[string]Policy `json:"policies"`
}

func (l *Limiter) Status() Status {
	return Status{
		Degraded: l.degraded.Load(),
		Policies: l.policies,
	}
}

func (l *Limiter) markDegraded(cause error) {
	if l.degraded.CompareAndSwap(false, true) {
		l.logger.Warn("Shared rate-limit store unavailable, falling back to in-process counters",
			slog.Any("err", cause))
	}
}

func (l *Limiter) markHealthy() {
	if l.degraded.CompareAndSwap(true, false) {
		l.logger.Info("Shared rate-limit store recovered")
	}
}
