package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/controlplane/fleet/internal/authn"
	"github.com/controlplane/fleet/internal/clockid"
	"github.com/controlplane/fleet/internal/llm"
	"github.com/controlplane/fleet/internal/policy"
	"github.com/controlplane/fleet/internal/registry"
	"github.com/controlplane/fleet/internal/telemetry"
)

// DefaultLoopHopLimit bounds the loop dispatch pattern, whether or not the
// caller supplies a termination predicate (spec.md §4.8: "a hop limit is
// reached").
const DefaultLoopHopLimit = 10

// Terminator decides whether a loop dispatch should stop after result.
type Terminator func(result AgentResult) bool

// Orchestrator implements spec.md §4.8's four-step state machine.
type Orchestrator struct {
	registry     *registry.Registry
	policyEngine *policy.Engine
	llmClient    llm.Client
	agentClient  AgentClient
	clock        clockid.Clock
	logger       telemetry.Logger
}

// New creates an Orchestrator. llmClient may be nil to force keyword-only
// classification.
func New(reg *registry.Registry, policyEngine *policy.Engine, llmClient llm.Client, agentClient AgentClient, clock clockid.Clock, logger telemetry.Logger) *Orchestrator {
	if clock == nil {
		clock = clockid.SystemClock{}
	}
	if logger == nil {
		logger = telemetry.NoOp()
	}
	if agentClient == nil {
		agentClient = NewHTTPAgentClient(0, 0, logger)
	}
	return &Orchestrator{
		registry:     reg,
		policyEngine: policyEngine,
		llmClient:    llmClient,
		agentClient:  agentClient,
		clock:        clock,
		logger:       logger.WithComponent("framework/orchestrator"),
	}
}

// Process implements the four-step flow of spec.md §4.8.
func (o *Orchestrator) Process(ctx context.Context, envelope RequestEnvelope, subject *authn.Subject, terminator Terminator) (*Response, error) {
	txnID := clockid.NewID()
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.process")
	defer span.End()

	agents, err := o.registry.List(ctx, registry.Filter{})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: list agents: %w", err)
	}
	available := excludeOffline(agents)

	selectedID, reasoning, err := o.classify(ctx, envelope, available)
	if err != nil {
		return nil, err
	}

	if err := o.policyGateDispatch(ctx, subject, selectedID); err != nil {
		return &Response{
			TransactionID: txnID,
			SelectedAgent: selectedID,
			Reasoning:     reasoning,
			Success:       false,
			Timestamp:     o.clock.Now(),
		}, err
	}

	pattern := PatternSimple
	var agentIDs, sequence []string
	if envelope.Overrides != nil {
		if envelope.Overrides.Pattern != "" {
			pattern = envelope.Overrides.Pattern
		}
		agentIDs = envelope.Overrides.Agents
		sequence = envelope.Overrides.AgentSequence
	}

	resp := &Response{
		TransactionID: txnID,
		SelectedAgent: selectedID,
		Reasoning:     reasoning,
		Timestamp:     o.clock.Now(),
	}

	switch pattern {
	case PatternSequential:
		resp.AgentResults = o.dispatchSequential(ctx, subject, sequence, envelope)
	case PatternParallel:
		if len(agentIDs) == 0 {
			agentIDs = []string{selectedID}
		}
		resp.SelectedAgents = agentIDs
		resp.AgentResults = o.dispatchParallel(ctx, subject, agentIDs, envelope)
	case PatternLoop:
		if len(sequence) == 0 {
			sequence = []string{selectedID}
		}
		resp.AgentResults = o.dispatchLoop(ctx, subject, sequence, envelope, terminator)
	default:
		result := o.dispatchOne(ctx, subject, selectedID, envelope.Query, envelope.Context)
		resp.AgentResults = []AgentResult{result}
		resp.Response = result.Response
	}

	resp.Success = anySucceeded(resp.AgentResults)
	if pattern == PatternSimple && len(resp.AgentResults) == 1 {
		resp.Success = resp.AgentResults[0].Success
	}
	return resp, nil
}

func excludeOffline(agents []*registry.AgentRecord) []*registry.AgentRecord {
	out := make([]*registry.AgentRecord, 0, len(agents))
	for _, a := range agents {
		if a.Status != registry.StatusOffline {
			out = append(out, a)
		}
	}
	return out
}

// classify implements step 1: explicit override, then LLM, then keyword
// fallback on malformed JSON (spec.md §4.8, §8 scenario 4).
func (o *Orchestrator) classify(ctx context.Context, envelope RequestEnvelope, agents []*registry.AgentRecord) (string, string, error) {
	if envelope.Overrides != nil && len(envelope.Overrides.Agents) > 0 {
		return envelope.Overrides.Agents[0], "explicit override", nil
	}

	c, err := classifyByLLM(ctx, o.llmClient, envelope.Query, agents)
	if err == nil {
		return c.Agent, c.Reasoning, nil
	}
	o.logger.WarnWithContext(ctx, "llm classification failed, falling back to keyword match", map[string]interface{}{"error": err.Error()})
	telemetry.Counter("orchestrator.llm_fallback")

	fallback, ok := classifyByKeyword(envelope.Query, agents)
	if !ok {
		return "", "", fmt.Errorf("orchestrator: no agent matched query by llm or keyword")
	}
	return fallback.Agent, fallback.Reasoning, nil
}

// policyGateDispatch implements step 2: policy-gate the
// (orchestrator -> selected_agent) edge with action="invoke".
func (o *Orchestrator) policyGateDispatch(ctx context.Context, subject *authn.Subject, selectedAgent string) error {
	if subject == nil {
		return fmt.Errorf("orchestrator: dispatch requires an authenticated subject")
	}
	decision := o.policyEngine.Evaluate(ctx, subject.ID, subject.Roles, "agent", selectedAgent, "invoke", nil)
	if !decision.Allowed {
		return fmt.Errorf("orchestrator: dispatch denied: %s", decision.Reason)
	}
	return nil
}

// dispatchOne bumps the agent's current_load for the duration of the call
// and releases it on every exit path — including upstream cancellation —
// per spec.md §3's `current_load ≤ max_concurrent` invariant and §5's
// "free associated registry load counters" cancellation rule. The release
// runs on a detached context so a caller-cancelled ctx still frees the
// counter instead of leaking it.
func (o *Orchestrator) dispatchOne(ctx context.Context, subject *authn.Subject, agentID, query string, agentContext map[string]any) AgentResult {
	rec, err := o.registry.Get(ctx, agentID)
	if err != nil {
		return AgentResult{AgentID: agentID, Success: false, Error: err.Error()}
	}

	if err := o.registry.AdjustLoad(ctx, agentID, 1); err != nil {
		o.logger.WarnWithContext(ctx, "failed to bump agent load before dispatch", map[string]interface{}{"agent_id": agentID, "error": err.Error()})
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.registry.AdjustLoad(releaseCtx, agentID, -1); err != nil {
			o.logger.WarnWithContext(ctx, "failed to release agent load after dispatch", map[string]interface{}{"agent_id": agentID, "error": err.Error()})
		}
	}()

	resp, err := o.agentClient.Dispatch(ctx, rec.EndpointURL, subjectIDOf(subject), query, agentContext)
	if err != nil {
		return AgentResult{AgentID: agentID, Success: false, Error: err.Error()}
	}
	return AgentResult{AgentID: agentID, Success: resp.Success, Response: resp.Result, Error: resp.Error}
}

func subjectIDOf(s *authn.Subject) string {
	if s == nil {
		return ""
	}
	return s.ID
}

// dispatchSequential implements the sequential pattern: each agent's
// result feeds into the next agent's context.
func (o *Orchestrator) dispatchSequential(ctx context.Context, subject *authn.Subject, sequence []string, envelope RequestEnvelope) []AgentResult {
	results := make([]AgentResult, 0, len(sequence))
	agentContext := cloneContext(envelope.Context)
	for _, agentID := range sequence {
		result := o.dispatchOne(ctx, subject, agentID, envelope.Query, agentContext)
		results = append(results, result)
		if !result.Success {
			break
		}
		agentContext["previous_result"] = result.Response
	}
	return results
}

// dispatchParallel fans out to all requested agents concurrently;
// partial failures are reported per agent, never fatal to the batch
// (spec.md §4.8, §8 scenario 6).
func (o *Orchestrator) dispatchParallel(ctx context.Context, subject *authn.Subject, agentIDs []string, envelope RequestEnvelope) []AgentResult {
	results := make([]AgentResult, len(agentIDs))
	var wg sync.WaitGroup
	for i, agentID := range agentIDs {
		wg.Add(1)
		go func(i int, agentID string) {
			defer wg.Done()
			results[i] = o.dispatchOne(ctx, subject, agentID, envelope.Query, envelope.Context)
		}(i, agentID)
	}
	wg.Wait()
	return results
}

// dispatchLoop iterates sequence, repeating from the start if needed,
// until terminator (or the default "stop on first success") succeeds or
// the hop limit is reached.
func (o *Orchestrator) dispatchLoop(ctx context.Context, subject *authn.Subject, sequence []string, envelope RequestEnvelope, terminator Terminator) []AgentResult {
	if terminator == nil {
		terminator = func(r AgentResult) bool { return r.Success }
	}
	var results []AgentResult
	agentContext := cloneContext(envelope.Context)
	for hop := 0; hop < DefaultLoopHopLimit; hop++ {
		agentID := sequence[hop%len(sequence)]
		result := o.dispatchOne(ctx, subject, agentID, envelope.Query, agentContext)
		results = append(results, result)
		agentContext["previous_result"] = result.Response
		if terminator(result) {
			break
		}
	}
	return results
}

func cloneContext(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx)+1)
	for k, v := range ctx {
		out[k] = v
	}
	return out
}

func anySucceeded(results []AgentResult) bool {
	for _, r := range results {
		if r.Success {
			return true
		}
	}
	return len(results) == 0
}
