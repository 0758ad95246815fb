// Package governance implements the Governance Pipeline of spec.md §4.7:
// the single choke-point every externally triggered tool invocation passes
// through. It is the only place violations, counters, and spans for a
// tool call are emitted — individual tools must not replicate this logic
// (spec.md §9 Open Question on duplicate rate-limit counting).
package governance

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/controlplane/fleet/internal/authn"
	"github.com/controlplane/fleet/internal/catalog"
	"github.com/controlplane/fleet/internal/policy"
	"github.com/controlplane/fleet/internal/telemetry"
)

// OutcomeKind enumerates the terminal states a Gate call can reach.
type OutcomeKind string

const (
	OutcomeOK               OutcomeKind = "ok"
	OutcomeUnauthenticated  OutcomeKind = "unauthenticated"
	OutcomeDenied           OutcomeKind = "denied"
	OutcomeInternal         OutcomeKind = "internal"
)

// Outcome is the result of one Gate call.
type Outcome struct {
	Kind    OutcomeKind
	Result  any
	Reason  string
	Subject *authn.Subject
	Err     error
}

// Pipeline wires the Auth Validator, Policy Engine, and Tool Catalog
// together behind a single Gate method.
type Pipeline struct {
	validator *authn.Validator
	policy    *policy.Engine
	catalog   *catalog.Catalog
	logger    telemetry.Logger
}

// New creates a Pipeline.
func New(validator *authn.Validator, policyEngine *policy.Engine, cat *catalog.Catalog, logger telemetry.Logger) *Pipeline {
	if logger == nil {
		logger = telemetry.NoOp()
	}
	return &Pipeline{validator: validator, policy: policyEngine, catalog: cat, logger: logger.WithComponent("framework/governance")}
}

// Gate implements the seven-step flow of spec.md §4.7 verbatim: auth,
// policy, span, invoke, execution-time check, return. Every exit path
// closes the span exactly once.
func (p *Pipeline) Gate(ctx context.Context, token, resourceType, resourceID, action string, params map[string]any) Outcome {
	subject, err := p.validator.Validate(ctx, token)
	if err != nil || subject == nil {
		return Outcome{Kind: OutcomeUnauthenticated, Err: authn.ErrUnauthenticated}
	}

	decision := p.policy.Evaluate(ctx, subject.ID, subject.Roles, resourceType, resourceID, action, params)
	if !decision.Allowed {
		return Outcome{Kind: OutcomeDenied, Reason: decision.Reason, Subject: subject}
	}

	ctx, span := telemetry.StartSpan(ctx, fmt.Sprintf("governance.gate.%s.%s", resourceType, action))
	defer span.End()
	span.SetAttribute("subject_id", subject.ID)
	span.SetAttribute("resource_type", resourceType)
	span.SetAttribute("resource_id", resourceID)

	start := time.Now()
	result, err := p.catalog.Invoke(ctx, resourceID, params, subject)
	elapsed := time.Since(start)

	if decision.Restrictions.MaxExecutionTimeS > 0 {
		limit := time.Duration(decision.Restrictions.MaxExecutionTimeS * float64(time.Second))
		if elapsed > limit {
			p.policy.RecordExecutionTimeViolation(subject.ID, resourceType, resourceID, action, elapsed)
		}
	}

	if err != nil {
		span.RecordError(err)
		p.logger.ErrorWithContext(ctx, "tool invocation failed", map[string]interface{}{
			"resource_type": resourceType,
			"resource_id":   resourceID,
			"error":         sanitize(token, err),
		})
		if errors.Is(err, catalog.ErrNotFound) {
			return Outcome{Kind: OutcomeInternal, Reason: "resource not found", Subject: subject, Err: err}
		}
		return Outcome{Kind: OutcomeInternal, Reason: "internal error", Subject: subject, Err: err}
	}

	telemetry.Histogram("governance.invoke_duration_seconds", elapsed.Seconds(), "resource_type", resourceType)
	return Outcome{Kind: OutcomeOK, Result: result, Subject: subject, Reason: decision.Reason}
}

var (
	bearerPattern = regexp.MustCompile(`(?i)(bearer\s+)\S+`)
	jwtPattern    = regexp.MustCompile(`\b[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+\b`)
)

// sanitize strips an error message down to something safe to log: the raw
// bearer token for this call, any "Bearer <...>" substring a wrapped
// upstream error might echo back, and any JWT-shaped three-segment token
// are all replaced with a fixed placeholder — secrets and raw tokens must
// never appear in error output (spec.md §7).
func sanitize(token string, err error) string {
	msg := err.Error()
	if token != "" {
		msg = strings.ReplaceAll(msg, token, "[REDACTED]")
	}
	msg = bearerPattern.ReplaceAllString(msg, "${1}[REDACTED]")
	msg = jwtPattern.ReplaceAllString(msg, "[REDACTED]")
	return msg
}
