package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/controlplane/fleet/internal/authn"
	"github.com/controlplane/fleet/internal/clockid"
	"github.com/controlplane/fleet/internal/llm"
	"github.com/controlplane/fleet/internal/policy"
	"github.com/controlplane/fleet/internal/ratelimit"
	"github.com/controlplane/fleet/internal/registry"
	"github.com/controlplane/fleet/internal/store"
	"github.com/controlplane/fleet/internal/telemetry"
)

type stubLLMClient struct {
	resp *llm.Response
	err  error
}

func (s stubLLMClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return s.resp, s.err
}

type stubAgentClient struct {
	responses map[string]*AgentResponse
	errors    map[string]error
}

func (s stubAgentClient) Dispatch(ctx context.Context, endpointURL, subjectID, query string, agentContext map[string]any) (*AgentResponse, error) {
	for id, err := range s.errors {
		if agentEndpoint(id) == endpointURL {
			return nil, err
		}
	}
	for id, resp := range s.responses {
		if agentEndpoint(id) == endpointURL {
			return resp, nil
		}
	}
	return &AgentResponse{Success: true, Result: "default"}, nil
}

func agentEndpoint(id string) string { return "http://" + id }

func newTestOrchestrator(t *testing.T, llmClient llm.Client, agentClient AgentClient) (*Orchestrator, *registry.Registry) {
	t.Helper()
	clock := clockid.NewVirtualClock(time.Unix(0, 0))
	s := store.NewMemoryStoreWithClock(clock)
	reg := registry.New(s, clock, telemetry.NoOp(), 0)

	doc := policy.Default()
	doc.Roles = map[string]policy.RoleGrant{"agent_user": {Agents: []string{"*"}}}
	blob, err := yaml.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, s.Set(context.Background(), "policy:document", string(blob), 0))
	loader := policy.NewLoader(s, "", telemetry.NoOp())
	limiter := ratelimit.New(s, clock, telemetry.NoOp())
	engine := policy.New(loader, limiter, clock, telemetry.NoOp(), 16)

	o := New(reg, engine, llmClient, agentClient, clock, telemetry.NoOp())
	return o, reg
}

func registerAgent(t *testing.T, reg *registry.Registry, id, capability string) {
	t.Helper()
	require.NoError(t, reg.Register(context.Background(), &registry.AgentRecord{
		AgentID:       id,
		EndpointURL:   agentEndpoint(id),
		MaxConcurrent: 10,
		Capabilities:  []registry.Capability{{Name: capability}},
	}))
}

func TestProcessHappyPathSimpleDispatch(t *testing.T) {
	agentClient := stubAgentClient{responses: map[string]*AgentResponse{
		"A": {Success: true, Result: "search results"},
	}}
	o, reg := newTestOrchestrator(t, nil, agentClient)
	registerAgent(t, reg, "A", "data_search")

	envelope := RequestEnvelope{Query: "search customer 42", Overrides: &Overrides{Agents: []string{"A"}}}
	resp, err := o.Process(context.Background(), envelope, &authn.Subject{ID: "u1", Roles: map[string]struct{}{"agent_user": {}}}, nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "A", resp.SelectedAgent)
}

func TestProcessFallsBackToKeywordOnMalformedLLMJSON(t *testing.T) {
	badLLM := stubLLMClient{resp: &llm.Response{Content: "not json at all"}}
	agentClient := stubAgentClient{responses: map[string]*AgentResponse{"A": {Success: true, Result: "ok"}}}
	o, reg := newTestOrchestrator(t, badLLM, agentClient)
	registerAgent(t, reg, "A", "data_search")

	envelope := RequestEnvelope{Query: "please do a data_search for me"}
	resp, err := o.Process(context.Background(), envelope, &authn.Subject{ID: "u1", Roles: map[string]struct{}{"agent_user": {}}}, nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "A", resp.SelectedAgent)
	assert.Contains(t, resp.Reasoning, "fallback")
}

func TestProcessParallelPartialFailure(t *testing.T) {
	agentClient := stubAgentClient{
		responses: map[string]*AgentResponse{"A": {Success: true, Result: "ok"}},
		errors:    map[string]error{"B": fmt.Errorf("connection refused")},
	}
	o, reg := newTestOrchestrator(t, nil, agentClient)
	registerAgent(t, reg, "A", "data_search")
	registerAgent(t, reg, "B", "data_search")

	envelope := RequestEnvelope{
		Query:     "search",
		Overrides: &Overrides{Pattern: PatternParallel, Agents: []string{"A", "B"}},
	}
	resp, err := o.Process(context.Background(), envelope, &authn.Subject{ID: "u1", Roles: map[string]struct{}{"agent_user": {}}}, nil)
	require.NoError(t, err)
	assert.True(t, resp.Success, "best-effort success if any agent succeeded")
	require.Len(t, resp.AgentResults, 2)

	var aResult, bResult AgentResult
	for _, r := range resp.AgentResults {
		if r.AgentID == "A" {
			aResult = r
		}
		if r.AgentID == "B" {
			bResult = r
		}
	}
	assert.True(t, aResult.Success)
	assert.False(t, bResult.Success)
}

func TestProcessDeniesWhenPolicyRejects(t *testing.T) {
	agentClient := stubAgentClient{}
	o, reg := newTestOrchestrator(t, nil, agentClient)
	registerAgent(t, reg, "A", "data_search")

	envelope := RequestEnvelope{Query: "search", Overrides: &Overrides{Agents: []string{"A"}}}
	_, err := o.Process(context.Background(), envelope, &authn.Subject{ID: "u1", Roles: map[string]struct{}{"no_access": {}}}, nil)
	assert.Error(t, err)
}

func TestProcessSequentialChainsContext(t *testing.T) {
	agentClient := stubAgentClient{responses: map[string]*AgentResponse{
		"A": {Success: true, Result: "first"},
		"B": {Success: true, Result: "second"},
	}}
	o, reg := newTestOrchestrator(t, nil, agentClient)
	registerAgent(t, reg, "A", "x")
	registerAgent(t, reg, "B", "y")

	envelope := RequestEnvelope{
		Query:     "do the thing",
		Overrides: &Overrides{Pattern: PatternSequential, AgentSequence: []string{"A", "B"}},
	}
	resp, err := o.Process(context.Background(), envelope, &authn.Subject{ID: "u1", Roles: map[string]struct{}{"agent_user": {}}}, nil)
	require.NoError(t, err)
	require.Len(t, resp.AgentResults, 2)
	assert.Equal(t, "A", resp.AgentResults[0].AgentID)
	assert.Equal(t, "B", resp.AgentResults[1].AgentID)
}

func TestProcessLoopStopsOnTerminator(t *testing.T) {
	agentClient := stubAgentClient{responses: map[string]*AgentResponse{"A": {Success: true, Result: "done"}}}
	o, reg := newTestOrchestrator(t, nil, agentClient)
	registerAgent(t, reg, "A", "x")

	envelope := RequestEnvelope{
		Query:     "loop until done",
		Overrides: &Overrides{Pattern: PatternLoop, AgentSequence: []string{"A"}},
	}
	calls := 0
	terminator := func(r AgentResult) bool {
		calls++
		return calls >= 1
	}
	resp, err := o.Process(context.Background(), envelope, &authn.Subject{ID: "u1", Roles: map[string]struct{}{"agent_user": {}}}, terminator)
	require.NoError(t, err)
	assert.Len(t, resp.AgentResults, 1, "terminator should stop after first hop")
}

// loadObservingAgentClient snapshots the dispatched agent's current_load
// from the registry while the dispatch is in flight, so the test can
// confirm it was bumped *during* the call (spec.md §8 scenario 1),
// without needing a second goroutine racing the dispatch.
type loadObservingAgentClient struct {
	registry     *registry.Registry
	agentID      string
	observedLoad int
}

func (c *loadObservingAgentClient) Dispatch(ctx context.Context, endpointURL, subjectID, query string, agentContext map[string]any) (*AgentResponse, error) {
	rec, err := c.registry.Get(ctx, c.agentID)
	if err == nil {
		c.observedLoad = rec.CurrentLoad
	}
	return &AgentResponse{Success: true, Result: "ok"}, nil
}

func TestDispatchOneBumpsLoadDuringCallAndReleasesAfter(t *testing.T) {
	client := &loadObservingAgentClient{agentID: "A"}
	o, reg := newTestOrchestrator(t, nil, client)
	client.registry = reg
	registerAgent(t, reg, "A", "data_search")

	envelope := RequestEnvelope{Query: "search", Overrides: &Overrides{Agents: []string{"A"}}}
	resp, err := o.Process(context.Background(), envelope, &authn.Subject{ID: "u1", Roles: map[string]struct{}{"agent_user": {}}}, nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 1, client.observedLoad, "current_load must be bumped while the dispatch is in flight")

	rec, err := reg.Get(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.CurrentLoad, "current_load must be released once the dispatch completes")
}
