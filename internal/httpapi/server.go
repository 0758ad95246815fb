// Package httpapi exposes the ingress HTTP surface of spec.md §6: the
// orchestrator endpoints (/health, /process, /agents, /patterns) and the
// governance-gated tool server (POST /tool/{name}). Grounded on the
// teacher's core/agent.go ServeMux + middleware chain; handler bodies are
// new to this domain.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/controlplane/fleet/internal/authn"
	"github.com/controlplane/fleet/internal/governance"
	"github.com/controlplane/fleet/internal/orchestrator"
	"github.com/controlplane/fleet/internal/registry"
	"github.com/controlplane/fleet/internal/telemetry"
)

// Server is the orchestrator's HTTP surface plus the governance-gated
// tool server, both served off one mux per the teacher's single-process
// agent model (core/agent.go).
type Server struct {
	orchestrator *orchestrator.Orchestrator
	registry     *registry.Registry
	governance   *governance.Pipeline
	validator    *authn.Validator
	logger       telemetry.Logger
	serviceName  string
	cors         *CORSConfig
	mux          *http.ServeMux
}

// NewServer builds the mux and wires every handler spec.md §6 lists.
// validator is the same Auth Validator instance the Governance Pipeline
// uses for tool calls — /process authenticates independently of the
// Governance Pipeline's Gate because the orchestrator's dispatch edge is
// policy-gated separately inside Orchestrator.Process (spec.md §4.8 step 2).
func NewServer(orch *orchestrator.Orchestrator, reg *registry.Registry, pipeline *governance.Pipeline, validator *authn.Validator, logger telemetry.Logger, serviceName string) *Server {
	if logger == nil {
		logger = telemetry.NoOp()
	}
	s := &Server{
		orchestrator: orch,
		registry:     reg,
		governance:   pipeline,
		validator:    validator,
		logger:       logger.WithComponent("framework/httpapi"),
		serviceName:  serviceName,
		cors:         DefaultCORSConfig(),
	}
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/process", s.handleProcess)
	s.mux.HandleFunc("/agents", s.handleAgents)
	s.mux.HandleFunc("/patterns", s.handlePatterns)
	s.mux.HandleFunc("/tool/", s.handleTool)
	return s
}

// Handler returns the fully wrapped handler: CORS -> Logging -> Recovery
// -> mux, matching the teacher's documented middleware ordering.
func (s *Server) Handler() http.Handler {
	return chain(s.mux, corsMiddleware(s.cors), loggingMiddleware(s.logger), recoveryMiddleware(s.logger))
}

// handleHealth implements GET /health: {status, service, agents_available}.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, kindResourceNotFound, "method not allowed")
		return
	}
	count := 0
	if agents, err := s.registry.List(r.Context(), registry.Filter{Status: registry.StatusHealthy}); err == nil {
		count = len(agents)
	}
	writeJSON(w, map[string]any{
		"status":           "ok",
		"service":          s.serviceName,
		"agents_available": count,
	})
}

// processRequestBody is the wire shape of POST /process's body.
type processRequestBody struct {
	Query   string         `json:"query"`
	Context map[string]any `json:"context,omitempty"`
}

// handleProcess implements POST /process: authenticates via the
// Governance Pipeline's Auth Validator (the orchestrator sits in front of
// the same validator the tool server gates through), then runs the
// Orchestrator's four-step dispatch.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, kindResourceNotFound, "method not allowed")
		return
	}

	var body processRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, kindParameterViolation, "malformed request body")
		return
	}
	if strings.TrimSpace(body.Query) == "" {
		writeError(w, kindParameterViolation, "query is required")
		return
	}

	subject, err := s.authenticate(r)
	if err != nil {
		writeError(w, kindUnauthenticated, "missing or invalid token")
		return
	}

	envelope := orchestrator.RequestEnvelope{Query: body.Query, Context: body.Context}
	resp, err := s.orchestrator.Process(r.Context(), envelope, subject, nil)
	if err != nil {
		writeError(w, kindInternal, err.Error())
		return
	}

	writeJSON(w, map[string]any{
		"success": resp.Success,
		"result": map[string]any{
			"transaction_id": resp.TransactionID,
			"selected_agent": resp.SelectedAgent,
			"reasoning":      resp.Reasoning,
			"response":       resp.Response,
			"timestamp":      resp.Timestamp,
		},
		"transaction_id": resp.TransactionID,
	})
}

// handleAgents implements GET /agents: {agents: [id], count}.
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, kindResourceNotFound, "method not allowed")
		return
	}
	agents, err := s.registry.List(r.Context(), registry.Filter{})
	if err != nil {
		writeError(w, kindInternal, "failed to list agents")
		return
	}
	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.AgentID
	}
	writeJSON(w, map[string]any{"agents": ids, "count": len(ids)})
}

// handlePatterns implements GET /patterns: the fixed set of dispatch
// patterns spec.md §4.8 defines, with a one-line description each.
func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, kindResourceNotFound, "method not allowed")
		return
	}
	descriptions := map[string]string{
		string(orchestrator.PatternSimple):     "dispatch to one selected agent",
		string(orchestrator.PatternSequential): "feed each agent's result into the next agent's context",
		string(orchestrator.PatternParallel):   "fan out to all requested agents concurrently",
		string(orchestrator.PatternLoop):       "iterate until a terminator succeeds or a hop limit is reached",
	}
	patterns := []string{
		string(orchestrator.PatternSimple),
		string(orchestrator.PatternSequential),
		string(orchestrator.PatternParallel),
		string(orchestrator.PatternLoop),
	}
	writeJSON(w, map[string]any{"patterns": patterns, "descriptions": descriptions})
}

// handleTool implements POST /tool/{name}, the only externally triggered
// entry point for a tool body: it always passes through the Governance
// Pipeline's Gate (spec.md §4.7) — never the Catalog directly.
func (s *Server) handleTool(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, kindResourceNotFound, "method not allowed")
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/tool/")
	if name == "" || strings.Contains(name, "/") {
		writeError(w, kindResourceNotFound, "unknown tool")
		return
	}

	var params map[string]any
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			writeError(w, kindParameterViolation, "malformed request body")
			return
		}
	}

	token := bearerToken(r)
	outcome := s.governance.Gate(r.Context(), token, "tool", name, "invoke", params)
	switch outcome.Kind {
	case governance.OutcomeOK:
		writeJSON(w, map[string]any{"result": outcome.Result})
	case governance.OutcomeUnauthenticated:
		writeError(w, kindUnauthenticated, "missing or invalid token")
	case governance.OutcomeDenied:
		writeError(w, kindForOutcome(outcome), outcome.Reason)
	default:
		writeError(w, kindForOutcome(outcome), outcome.Reason)
	}
}

// authenticate extracts the bearer token and validates it against the
// shared Auth Validator before the Orchestrator ever sees the request.
func (s *Server) authenticate(r *http.Request) (*authn.Subject, error) {
	return s.validator.Validate(r.Context(), bearerToken(r))
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}

// writeJSON encodes v as the response body with a 200 status unless the
// caller already wrote a status (writeError sets its own).
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
