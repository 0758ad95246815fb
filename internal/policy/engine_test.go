package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/controlplane/fleet/internal/clockid"
	"github.com/controlplane/fleet/internal/ratelimit"
	"github.com/controlplane/fleet/internal/store"
	"github.com/controlplane/fleet/internal/telemetry"
)

func newTestEngine(t *testing.T, doc *Document) (*Engine, *clockid.VirtualClock) {
	t.Helper()
	clock := clockid.NewVirtualClock(time.Unix(0, 0))
	s := store.NewMemoryStoreWithClock(clock)
	limiter := ratelimit.New(s, clock, telemetry.NoOp())
	loader := &Loader{logger: telemetry.NoOp()}
	if doc == nil {
		doc = Default()
		doc.DefaultDecision = DefaultAllow
	}
	e := &Engine{
		loader:     loader,
		limiter:    limiter,
		clock:      clock,
		logger:     telemetry.NoOp(),
		violations: NewViolationBuffer(16),
	}
	e.doc.Store(doc)
	return e, clock
}

func rolesOf(names ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[n] = struct{}{}
	}
	return out
}

func TestEvaluateDisabledAlwaysAllows(t *testing.T) {
	doc := Default()
	doc.Enabled = false
	e, _ := newTestEngine(t, doc)

	d := e.Evaluate(context.Background(), "u1", rolesOf(), "tool", "t1", "invoke", nil)
	assert.True(t, d.Allowed)
}

func TestEvaluateDeniesWithoutRoleGrant(t *testing.T) {
	doc := Default()
	doc.Roles = map[string]RoleGrant{"agent_user": {Tools: []string{"t2"}}}
	e, _ := newTestEngine(t, doc)

	d := e.Evaluate(context.Background(), "u1", rolesOf("agent_user"), "tool", "t1", "invoke", nil)
	assert.False(t, d.Allowed)
	assert.Equal(t, "access denied", d.Reason)
}

func TestEvaluateAllowsWithWildcardGrant(t *testing.T) {
	doc := Default()
	doc.Roles = map[string]RoleGrant{"agent_user": {Tools: []string{"*"}}}
	e, _ := newTestEngine(t, doc)

	d := e.Evaluate(context.Background(), "u1", rolesOf("agent_user"), "tool", "t1", "invoke", nil)
	assert.True(t, d.Allowed)
}

func TestEvaluateDenyListOverridesAllow(t *testing.T) {
	doc := Default()
	doc.Roles = map[string]RoleGrant{"agent_user": {Tools: []string{"t1"}}}
	doc.Resources = map[string]ResourcePolicy{"tool": {DenyList: []string{"t1"}}}
	e, _ := newTestEngine(t, doc)

	d := e.Evaluate(context.Background(), "u1", rolesOf("agent_user"), "tool", "t1", "invoke", nil)
	assert.False(t, d.Allowed)
}

func TestEvaluateRateLimitsFourthCall(t *testing.T) {
	doc := Default()
	doc.Roles = map[string]RoleGrant{"agent_user": {Tools: []string{"*"}}}
	doc.RateLimits = RateLimitConfig{
		Global: RateLimit{Requests: 1000, WindowS: 60},
		PerUser: RateLimit{Requests: 1000, WindowS: 60},
		PerTool: RateLimit{Requests: 3, WindowS: 60},
	}
	e, _ := newTestEngine(t, doc)
	ctx := context.Background()

	var results []bool
	for i := 0; i < 4; i++ {
		d := e.Evaluate(ctx, "u1", rolesOf("agent_user"), "tool", "t1", "invoke", nil)
		results = append(results, d.Allowed)
	}
	assert.Equal(t, []bool{true, true, true, false}, results)

	trail := e.AuditTrail(0)
	require.Len(t, trail, 1)
	assert.Equal(t, ViolationRateLimitExceeded, trail[0].Type)
	assert.Equal(t, "u1", trail[0].SubjectID)
}

func TestEvaluateParameterViolationForbidden(t *testing.T) {
	doc := Default()
	doc.Roles = map[string]RoleGrant{"agent_user": {Tools: []string{"*"}}}
	doc.Resources = map[string]ResourcePolicy{
		"tool": {
			Restrictions: map[string]Restrictions{
				"t1": {ForbiddenParameters: []string{"admin_access"}},
			},
		},
	}
	e, _ := newTestEngine(t, doc)

	d := e.Evaluate(context.Background(), "u1", rolesOf("agent_user"), "tool", "t1", "invoke", map[string]any{"admin_access": true})
	assert.False(t, d.Allowed)
	assert.Equal(t, "parameter violation", d.Reason)
}

func TestEvaluateParameterViolationNotAllowed(t *testing.T) {
	doc := Default()
	doc.Roles = map[string]RoleGrant{"agent_user": {Tools: []string{"*"}}}
	doc.Resources = map[string]ResourcePolicy{
		"tool": {
			Restrictions: map[string]Restrictions{
				"t1": {AllowedParameters: []string{"query"}},
			},
		},
	}
	e, _ := newTestEngine(t, doc)

	d := e.Evaluate(context.Background(), "u1", rolesOf("agent_user"), "tool", "t1", "invoke", map[string]any{"query": "x", "extra": 1})
	assert.False(t, d.Allowed)
}

func TestComplianceMetricsTracksAllowedAndDenied(t *testing.T) {
	doc := Default()
	doc.Roles = map[string]RoleGrant{"agent_user": {Tools: []string{"t1"}}}
	e, _ := newTestEngine(t, doc)
	ctx := context.Background()

	e.Evaluate(ctx, "u1", rolesOf("agent_user"), "tool", "t1", "invoke", nil)
	e.Evaluate(ctx, "u1", rolesOf("agent_user"), "tool", "t2", "invoke", nil)

	m := e.ComplianceMetrics()
	assert.EqualValues(t, 2, m.Total)
	assert.EqualValues(t, 1, m.Allowed)
	assert.EqualValues(t, 1, m.Denied)
}

func TestViolationBufferBoundedAndOrdered(t *testing.T) {
	b := NewViolationBuffer(2)
	b.Append(Violation{SubjectID: "1"})
	b.Append(Violation{SubjectID: "2"})
	b.Append(Violation{SubjectID: "3"})

	assert.Equal(t, 2, b.Len())
	trail := b.AuditTrail(0)
	require.Len(t, trail, 2)
	assert.Equal(t, "3", trail[0].SubjectID, "newest first")
	assert.Equal(t, "2", trail[1].SubjectID)
}

func TestReloadIsAtomic(t *testing.T) {
	clock := clockid.NewVirtualClock(time.Unix(0, 0))
	s := store.NewMemoryStoreWithClock(clock)
	loader := NewLoader(s, "", telemetry.NoOp())
	limiter := ratelimit.New(s, clock, telemetry.NoOp())
	e := New(loader, limiter, clock, telemetry.NoOp(), 16)

	require.NotNil(t, e.currentDocument())
	assert.True(t, e.currentDocument().Enabled, "sanity: no document in the store yet, defaults loaded")

	doc2 := Default()
	doc2.Enabled = false
	blob := `enabled: false
default_decision: deny
`
	require.NoError(t, s.Set(context.Background(), documentStoreKey, blob, 0))
	e.Reload(context.Background())
	assert.False(t, e.currentDocument().Enabled)
}
