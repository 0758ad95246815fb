package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/controlplane/fleet/internal/clockid"
	"github.com/controlplane/fleet/internal/store"
	"github.com/controlplane/fleet/internal/telemetry"
)

func TestLimiterAllowsUnderLimit(t *testing.T) {
	clock := clockid.NewVirtualClock(time.Unix(0, 0))
	s := store.NewMemoryStoreWithClock(clock)
	l := New(s, clock, telemetry.NoOp())
	ctx := context.Background()
	limit := Limit{Requests: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		allowed, info := l.Check(ctx, DimensionTool, "t1", limit)
		require.True(t, allowed, "request %d should be allowed", i)
		assert.GreaterOrEqual(t, info.Remaining, 0)
	}

	allowed, _ := l.Check(ctx, DimensionTool, "t1", limit)
	assert.False(t, allowed, "fourth request should be rate limited")
}

func TestLimiterSlidesWindowForward(t *testing.T) {
	clock := clockid.NewVirtualClock(time.Unix(0, 0))
	s := store.NewMemoryStoreWithClock(clock)
	l := New(s, clock, telemetry.NoOp())
	ctx := context.Background()
	limit := Limit{Requests: 1, Window: time.Second}

	allowed, _ := l.Check(ctx, DimensionUser, "u1", limit)
	require.True(t, allowed)

	allowed, _ = l.Check(ctx, DimensionUser, "u1", limit)
	require.False(t, allowed)

	clock.Advance(2 * time.Second)
	allowed, _ = l.Check(ctx, DimensionUser, "u1", limit)
	assert.True(t, allowed, "old entries should have fallen out of the window")
}

func TestLimiterDimensionsAreIndependent(t *testing.T) {
	clock := clockid.NewVirtualClock(time.Unix(0, 0))
	s := store.NewMemoryStoreWithClock(clock)
	l := New(s, clock, telemetry.NoOp())
	ctx := context.Background()
	limit := Limit{Requests: 1, Window: time.Minute}

	allowed, _ := l.Check(ctx, DimensionGlobal, "shared", limit)
	require.True(t, allowed)
	allowed, _ = l.Check(ctx, DimensionTool, "shared", limit)
	assert.True(t, allowed, "tool dimension must not share a counter with global")
}

type erroringStore struct {
	store.Store
}

func (erroringStore) ZSetRemoveByScore(ctx context.Context, key string, min, max float64) error {
	return assertError{}
}

type assertError struct{}

func (assertError) Error() string { return "boom" }

func TestLimiterFailsOpenOnStoreError(t *testing.T) {
	clock := clockid.NewVirtualClock(time.Unix(0, 0))
	l := New(erroringStore{}, clock, telemetry.NoOp())
	ctx := context.Background()

	allowed, _ := l.Check(ctx, DimensionGlobal, "g", Limit{Requests: 1, Window: time.Minute})
	assert.True(t, allowed, "store errors must fail open per spec")
}
