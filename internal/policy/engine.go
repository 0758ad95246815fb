package policy

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/controlplane/fleet/internal/clockid"
	"github.com/controlplane/fleet/internal/ratelimit"
	"github.com/controlplane/fleet/internal/telemetry"
)

// Decision is the per-call verdict of spec.md §3, never persisted.
type Decision struct {
	Allowed      bool
	Reason       string
	Restrictions Restrictions
	ExpiresAt    time.Time
}

// Metrics is the snapshot returned by ComplianceMetrics.
type Metrics struct {
	Total            int64
	Allowed          int64
	Denied           int64
	ComplianceRate   float64
	ViolationsByType map[ViolationType]int64
}

// Engine evaluates access requests per spec.md §4.6's five-step algorithm.
type Engine struct {
	doc    atomic.Pointer[Document]
	loader *Loader
	limiter *ratelimit.Limiter
	clock  clockid.Clock
	logger telemetry.Logger

	violations *ViolationBuffer

	total, allowed, denied atomic.Int64
}

// New creates an Engine, loading its initial document via loader.
func New(loader *Loader, limiter *ratelimit.Limiter, clock clockid.Clock, logger telemetry.Logger, violationCapacity int) *Engine {
	if clock == nil {
		clock = clockid.SystemClock{}
	}
	if logger == nil {
		logger = telemetry.NoOp()
	}
	e := &Engine{
		loader:     loader,
		limiter:    limiter,
		clock:      clock,
		logger:     logger.WithComponent("framework/policy"),
		violations: NewViolationBuffer(violationCapacity),
	}
	e.doc.Store(loader.Load(context.Background()))
	return e
}

// Reload atomically swaps in a freshly resolved Document. In-flight
// decisions already holding the previous pointer are unaffected.
func (e *Engine) Reload(ctx context.Context) {
	doc := e.loader.Load(ctx)
	e.doc.Store(doc)
	e.logger.Info("policy document reloaded", nil)
}

// currentDocument returns the engine's current immutable document, failing
// closed to Default if somehow nothing has been loaded yet.
func (e *Engine) currentDocument() *Document {
	doc := e.doc.Load()
	if doc == nil {
		return Default()
	}
	return doc
}

// Evaluate implements spec.md §4.6's five-step algorithm exactly.
func (e *Engine) Evaluate(ctx context.Context, subjectID string, roles map[string]struct{}, resourceType, resourceID, action string, params map[string]any) Decision {
	doc := e.currentDocument()
	e.total.Add(1)

	// Step 1: global kill switch.
	if !doc.Enabled {
		e.allowed.Add(1)
		return Decision{Allowed: true, Reason: "policies disabled"}
	}

	// Step 2: role access.
	if !e.roleAllows(doc, roles, resourceType, resourceID) {
		e.recordDenial(subjectID, resourceType, resourceID, action, ViolationAccessDenied, "role does not grant access to this resource")
		return Decision{Allowed: false, Reason: "access denied"}
	}

	// Step 3: rate, in order global -> user -> resource.
	if reason, ok := e.checkRates(ctx, doc, subjectID, resourceType, resourceID); !ok {
		e.recordDenial(subjectID, resourceType, resourceID, action, ViolationRateLimitExceeded, reason)
		return Decision{Allowed: false, Reason: "rate limit exceeded"}
	}

	// Step 4: restrictions / parameter validation.
	restrictions := e.resolveRestrictions(doc, resourceType, resourceID)
	if violation := validateParams(restrictions, params); violation != "" {
		e.recordDenial(subjectID, resourceType, resourceID, action, ViolationParameter, violation)
		return Decision{Allowed: false, Reason: "parameter violation"}
	}

	// Step 5: grant.
	e.allowed.Add(1)
	return Decision{Allowed: true, Reason: "granted", Restrictions: restrictions}
}

func (e *Engine) roleAllows(doc *Document, roles map[string]struct{}, resourceType, resourceID string) bool {
	rp, hasResourcePolicy := doc.Resources[resourceType]
	if hasResourcePolicy && contains(rp.DenyList, resourceID) {
		return false
	}

	allowed := false
	for role := range roles {
		grant, ok := doc.Roles[role]
		if !ok {
			continue
		}
		ids := grant.ResourceIDs(resourceType)
		if contains(ids, resourceID) || contains(ids, "*") {
			allowed = true
			break
		}
	}
	if allowed {
		return true
	}
	if hasResourcePolicy && (contains(rp.AllowList, resourceID) || contains(rp.AllowList, "*")) {
		return true
	}
	return false
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func (e *Engine) checkRates(ctx context.Context, doc *Document, subjectID, resourceType, resourceID string) (string, bool) {
	if e.limiter == nil {
		return "", true
	}
	checks := []struct {
		dim   ratelimit.Dimension
		id    string
		limit RateLimit
	}{
		{ratelimit.DimensionGlobal, "global", doc.RateLimits.Global},
		{ratelimit.DimensionUser, subjectID, doc.RateLimits.PerUser},
		{ratelimit.DimensionTool, resourceType + ":" + resourceID, perResourceLimit(doc, resourceType)},
	}
	for _, c := range checks {
		if c.limit.Requests <= 0 {
			continue
		}
		allowed, _ := e.limiter.Check(ctx, c.dim, c.id, ratelimit.Limit{
			Requests: c.limit.Requests,
			Window:   time.Duration(c.limit.WindowS * float64(time.Second)),
		})
		if !allowed {
			return fmt.Sprintf("rate limit exceeded for %s:%s", c.dim, c.id), false
		}
	}
	return "", true
}

func perResourceLimit(doc *Document, resourceType string) RateLimit {
	switch resourceType {
	case "tool":
		return doc.RateLimits.PerTool
	case "agent":
		return doc.RateLimits.PerAgent
	default:
		return RateLimit{}
	}
}

func (e *Engine) resolveRestrictions(doc *Document, resourceType, resourceID string) Restrictions {
	r := doc.ExecutionLimits
	if rp, ok := doc.Resources[resourceType]; ok {
		if specific, ok := rp.Restrictions[resourceID]; ok {
			if specific.MaxExecutionTimeS > 0 {
				r.MaxExecutionTimeS = specific.MaxExecutionTimeS
			}
			if len(specific.AllowedParameters) > 0 {
				r.AllowedParameters = specific.AllowedParameters
			}
			if len(specific.ForbiddenParameters) > 0 {
				r.ForbiddenParameters = specific.ForbiddenParameters
			}
			if specific.RateLimit != nil {
				r.RateLimit = specific.RateLimit
			}
		}
	}
	return r
}

func validateParams(r Restrictions, params map[string]any) string {
	if len(r.AllowedParameters) > 0 && !contains(r.AllowedParameters, "*") {
		for key := range params {
			if !contains(r.AllowedParameters, key) {
				return fmt.Sprintf("parameter %q is not in the allowed list", key)
			}
		}
	}
	for key := range params {
		if contains(r.ForbiddenParameters, key) {
			return fmt.Sprintf("parameter %q is forbidden", key)
		}
	}
	return ""
}

// RecordExecutionTimeViolation lets the Governance Pipeline report a
// post-hoc execution-time overrun (spec.md §4.7 step 6), which Evaluate
// itself cannot observe since it runs before the call.
func (e *Engine) RecordExecutionTimeViolation(subjectID, resourceType, resourceID, action string, elapsed time.Duration) {
	e.recordViolation(subjectID, resourceType, resourceID, action, ViolationExecutionTime,
		fmt.Sprintf("execution took %s", elapsed))
}

func (e *Engine) recordDenial(subjectID, resourceType, resourceID, action string, vType ViolationType, details string) {
	e.denied.Add(1)
	e.recordViolation(subjectID, resourceType, resourceID, action, vType, details)
}

func (e *Engine) recordViolation(subjectID, resourceType, resourceID, action string, vType ViolationType, details string) {
	e.violations.Append(Violation{
		Timestamp:    e.clock.Now(),
		SubjectID:    subjectID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Action:       action,
		Type:         vType,
		Details:      details,
	})
	telemetry.Counter("policy.violations", "type", string(vType))
}

// AuditTrail returns the most recent limit violations, newest first.
func (e *Engine) AuditTrail(limit int) []Violation {
	return e.violations.AuditTrail(limit)
}

// ComplianceMetrics returns aggregate counters per spec.md §4.6.
func (e *Engine) ComplianceMetrics() Metrics {
	total := e.total.Load()
	allowed := e.allowed.Load()
	denied := e.denied.Load()

	byType := make(map[ViolationType]int64)
	for _, v := range e.violations.AuditTrail(0) {
		byType[v.Type]++
	}

	rate := 1.0
	if total > 0 {
		rate = float64(allowed) / float64(total)
	}
	return Metrics{Total: total, Allowed: allowed, Denied: denied, ComplianceRate: rate, ViolationsByType: byType}
}
