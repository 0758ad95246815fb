package httpapi

import (
	"net/http"

	"github.com/controlplane/fleet/internal/governance"
)

// errorKind enumerates spec.md §7's terminal error kinds. Each maps to the
// stable HTTP code spec.md §6 assigns it.
type errorKind string

const (
	kindUnauthenticated  errorKind = "unauthenticated"
	kindAccessDenied     errorKind = "access_denied"
	kindRateLimited      errorKind = "rate_limited"
	kindParameterViolation errorKind = "parameter_violation"
	kindResourceNotFound errorKind = "resource_not_found"
	kindUpstreamTimeout  errorKind = "upstream_timeout"
	kindUpstreamError    errorKind = "upstream_error"
	kindInternal         errorKind = "internal"
)

var kindStatus = map[errorKind]int{
	kindUnauthenticated:    http.StatusUnauthorized,
	kindAccessDenied:       http.StatusForbidden,
	kindRateLimited:        http.StatusTooManyRequests,
	kindParameterViolation: http.StatusBadRequest,
	kindResourceNotFound:   http.StatusNotFound,
	kindUpstreamTimeout:    http.StatusGatewayTimeout,
	kindUpstreamError:      http.StatusBadGateway,
	kindInternal:           http.StatusInternalServerError,
}

// apiError is the wire shape of spec.md §6's common error body:
// {error, message, retry_after?}.
type apiError struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// classifyDenied maps a Decision.Reason string (policy/engine.go's literal
// "access denied" / "rate limit exceeded" / "parameter violation") to the
// specific error kind the governance.OutcomeDenied bucket collapses.
func classifyDenied(reason string) errorKind {
	switch reason {
	case "rate limit exceeded":
		return kindRateLimited
	case "parameter violation":
		return kindParameterViolation
	default:
		return kindAccessDenied
	}
}

// kindForOutcome derives the error kind for a non-OK governance.Outcome.
func kindForOutcome(outcome governance.Outcome) errorKind {
	switch outcome.Kind {
	case governance.OutcomeUnauthenticated:
		return kindUnauthenticated
	case governance.OutcomeDenied:
		return classifyDenied(outcome.Reason)
	case governance.OutcomeInternal:
		if outcome.Reason == "resource not found" {
			return kindResourceNotFound
		}
		return kindInternal
	default:
		return kindInternal
	}
}

// writeError writes the common error shape with the status code the kind
// maps to. A rate-limited response carries Retry-After per spec.md §6.
func writeError(w http.ResponseWriter, kind errorKind, message string) {
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	body := apiError{Error: string(kind), Message: message}
	if kind == kindRateLimited {
		body.RetryAfter = 60
		w.Header().Set("Retry-After", "60")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, body)
}
