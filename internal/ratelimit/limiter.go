// Package ratelimit implements the sliding-window rate limiter of spec.md
// §4.2, operating against any internal/store.Store (Redis or in-memory).
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/controlplane/fleet/internal/clockid"
	"github.com/controlplane/fleet/internal/store"
	"github.com/controlplane/fleet/internal/telemetry"
)

// Dimension is one of the three scopes a rate limit can be evaluated at.
type Dimension string

const (
	DimensionGlobal Dimension = "global"
	DimensionUser   Dimension = "user"
	DimensionTool   Dimension = "tool"
)

// Limit configures the requests-per-window budget for a dimension.
type Limit struct {
	Requests int
	Window   time.Duration
}

// Info is the decision detail returned alongside the allow/deny verdict.
type Info struct {
	Limit     int
	Window    time.Duration
	Remaining int
	ResetAt   time.Time
}

// Limiter evaluates the sliding-window algorithm against a Shared Store.
type Limiter struct {
	store  store.Store
	clock  clockid.Clock
	logger telemetry.Logger
}

// New creates a Limiter backed by s.
func New(s store.Store, clock clockid.Clock, logger telemetry.Logger) *Limiter {
	if clock == nil {
		clock = clockid.SystemClock{}
	}
	if logger == nil {
		logger = telemetry.NoOp()
	}
	return &Limiter{store: s, clock: clock, logger: logger}
}

// Check runs the five-step sliding-window algorithm from spec.md §4.2 for
// scope (dimension, id) under limit. It fails open on any Shared Store
// error: the request is allowed and a backend-failure metric is emitted,
// because registry/store outages must never block user traffic.
func (l *Limiter) Check(ctx context.Context, dimension Dimension, id string, limit Limit) (bool, Info) {
	key := fmt.Sprintf("rate_limit:%s:%s", dimension, id)
	now := l.clock.Now()
	windowStart := now.Add(-limit.Window)

	if err := l.store.ZSetRemoveByScore(ctx, key, math.Inf(-1), float64(windowStart.UnixNano())); err != nil {
		return l.failOpen(dimension, id, limit, err)
	}

	count, err := l.store.ZSetCard(ctx, key)
	if err != nil {
		return l.failOpen(dimension, id, limit, err)
	}

	nonce := fmt.Sprintf("%d-%s", now.UnixNano(), clockid.NewID())
	if err := l.store.ZSetAdd(ctx, key, float64(now.UnixNano()), nonce); err != nil {
		return l.failOpen(dimension, id, limit, err)
	}
	if err := l.store.Expire(ctx, key, limit.Window); err != nil {
		l.logger.Warn("rate limiter: failed to refresh window TTL", map[string]interface{}{
			"dimension": dimension,
			"id":        id,
			"error":     err,
		})
	}

	allowed := int(count) < limit.Requests
	remaining := limit.Requests - int(count) - 1
	if remaining < 0 {
		remaining = 0
	}

	return allowed, Info{
		Limit:     limit.Requests,
		Window:    limit.Window,
		Remaining: remaining,
		ResetAt:   now.Add(limit.Window),
	}
}

func (l *Limiter) failOpen(dimension Dimension, id string, limit Limit, err error) (bool, Info) {
	l.logger.Error("rate limiter: shared store error, failing open", map[string]interface{}{
		"dimension": dimension,
		"id":        id,
		"error":     err,
	})
	telemetry.Counter("ratelimit.store_errors", "dimension", string(dimension))
	return true, Info{Limit: limit.Requests, Window: limit.Window, Remaining: limit.Requests}
}
