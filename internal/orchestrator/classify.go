package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/controlplane/fleet/internal/llm"
	"github.com/controlplane/fleet/internal/registry"
)

// classification is the strict-JSON shape the LLM is asked to emit.
type classification struct {
	Agent     string `json:"agent"`
	Reasoning string `json:"reasoning"`
}

// classifyPrompt builds the chat messages asking the LLM to pick an agent.
func classifyPrompt(query string, agents []*registry.AgentRecord) []llm.Message {
	var sb strings.Builder
	sb.WriteString("Given the user query and the list of available agents and their capabilities, ")
	sb.WriteString("choose the single best agent to handle the request. ")
	sb.WriteString("Respond with strict JSON only: {\"agent\": \"<agent_id>\", \"reasoning\": \"<why>\"}.\n\n")
	sb.WriteString("Available agents:\n")
	for _, a := range agents {
		sb.WriteString(fmt.Sprintf("- %s: %s\n", a.AgentID, strings.Join(a.CapabilityNames(), ", ")))
	}
	sb.WriteString("\nQuery: ")
	sb.WriteString(query)

	return []llm.Message{{Role: "user", Content: sb.String()}}
}

// extractJSON strips markdown code-fencing the way the teacher's
// orchestration.extractJSON does, so a model that wraps its answer in
// ```json fences still parses.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	switch {
	case strings.HasPrefix(text, "```json"):
		text = strings.TrimPrefix(text, "```json")
	case strings.HasPrefix(text, "```"):
		text = strings.TrimPrefix(text, "```")
	default:
		return text
	}
	if idx := strings.Index(text, "```"); idx != -1 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}

// classifyByLLM asks the LLM client to choose an agent; returns an error
// if the LLM call fails or the response is not valid classification JSON,
// letting the caller fall back to keyword matching.
func classifyByLLM(ctx context.Context, client llm.Client, query string, agents []*registry.AgentRecord) (*classification, error) {
	if client == nil {
		return nil, fmt.Errorf("orchestrator: no llm client configured")
	}
	resp, err := client.Complete(ctx, llm.Request{
		Messages:    classifyPrompt(query, agents),
		Temperature: 0,
		MaxTokens:   300,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: llm classification request failed: %w", err)
	}

	content := extractJSON(resp.Content)
	var c classification
	if err := json.Unmarshal([]byte(content), &c); err != nil {
		return nil, fmt.Errorf("orchestrator: malformed llm classification json: %w", err)
	}
	if c.Agent == "" {
		return nil, fmt.Errorf("orchestrator: llm classification missing agent field")
	}
	return &c, nil
}

// classifyByKeyword falls back to the first healthy agent whose capability
// name textually appears in the query (spec.md §4.8 step 1, §8 scenario 4).
func classifyByKeyword(query string, agents []*registry.AgentRecord) (*classification, bool) {
	lowered := strings.ToLower(query)
	for _, a := range agents {
		if a.Status == registry.StatusOffline {
			continue
		}
		for _, cap := range a.CapabilityNames() {
			if strings.Contains(lowered, strings.ToLower(cap)) {
				return &classification{
					Agent:     a.AgentID,
					Reasoning: fmt.Sprintf("fallback: query matched capability keyword %q", cap),
				}, true
			}
		}
	}
	return nil, false
}
