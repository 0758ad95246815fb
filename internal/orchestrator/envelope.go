// Package orchestrator implements the Orchestrator of spec.md §4.8: LLM-
// assisted agent classification with keyword fallback, a policy-gated
// dispatch edge, and the simple/sequential/parallel/loop dispatch patterns.
// Grounded on the teacher's orchestration.AIOrchestrator.ProcessRequest
// (orchestration/orchestrator.go), adapted from its multi-step RoutingPlan
// to this domain's single-capability agent selection, and its
// extractJSON/cleanLLMResponse markdown-stripping helper.
package orchestrator

import "time"

// Pattern is a dispatch strategy requested via RequestEnvelope.Overrides.
type Pattern string

const (
	PatternSimple     Pattern = "simple"
	PatternSequential Pattern = "sequential"
	PatternParallel   Pattern = "parallel"
	PatternLoop       Pattern = "loop"
)

// Overrides lets a caller bypass classification or pick a dispatch pattern.
type Overrides struct {
	Pattern       Pattern
	Agents        []string
	AgentSequence []string
}

// RequestEnvelope is the Orchestrator's input (spec.md §3).
type RequestEnvelope struct {
	Query     string
	Context   map[string]any
	Overrides *Overrides
}

// AgentResult is one agent's outcome within a multi-agent dispatch.
type AgentResult struct {
	AgentID string
	Success bool
	Response any
	Error    string
}

// Response is the Orchestrator's output (spec.md §4.8 step 4).
type Response struct {
	TransactionID  string
	SelectedAgent  string
	SelectedAgents []string
	Reasoning      string
	Response       any
	AgentResults   []AgentResult
	Success        bool
	Timestamp      time.Time
}
