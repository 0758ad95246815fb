package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/controlplane/fleet/internal/telemetry"
)

// AgentClient dispatches one request to a worker agent over the wire
// protocol of spec.md §6: POST {endpoint}/process_request with header
// X-User-ID, expecting {success, result, error?, transaction_id}.
type AgentClient interface {
	Dispatch(ctx context.Context, endpointURL, subjectID string, query string, agentContext map[string]any) (*AgentResponse, error)
}

// AgentResponse is the worker agent wire-protocol response body.
type AgentResponse struct {
	Success       bool   `json:"success"`
	Result        any    `json:"result"`
	Error         string `json:"error,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}

type agentRequestBody struct {
	Query   string         `json:"query"`
	Context map[string]any `json:"context,omitempty"`
}

// HTTPAgentClient is the production AgentClient, grounded on the retry/
// backoff shape of internal/llm.HTTPClient.Complete.
type HTTPAgentClient struct {
	httpClient *http.Client
	maxRetries int
	logger     telemetry.Logger
}

// NewHTTPAgentClient creates an HTTPAgentClient. timeout defaults to 30s,
// maxRetries defaults to 3, per spec.md §4.8/§5.
func NewHTTPAgentClient(timeout time.Duration, maxRetries int, logger telemetry.Logger) *HTTPAgentClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if logger == nil {
		logger = telemetry.NoOp()
	}
	return &HTTPAgentClient{
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		logger:     logger.WithComponent("framework/orchestrator"),
	}
}

// Dispatch posts to endpointURL/process_request, retrying only on
// connection errors and 5xx responses with exponential backoff; 4xx
// responses are never retried (spec.md §4.8).
func (c *HTTPAgentClient) Dispatch(ctx context.Context, endpointURL, subjectID, query string, agentContext map[string]any) (*AgentResponse, error) {
	body, err := json.Marshal(agentRequestBody{Query: query, Context: agentContext})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: marshal dispatch body: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, retryable, err := c.doOnce(ctx, endpointURL, subjectID, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		c.logger.WarnWithContext(ctx, "agent dispatch failed, retrying", map[string]interface{}{
			"endpoint": endpointURL,
			"attempt":  attempt,
			"error":    err.Error(),
		})
	}
	return nil, fmt.Errorf("orchestrator: exhausted dispatch retries to %s: %w", endpointURL, lastErr)
}

func (c *HTTPAgentClient) doOnce(ctx context.Context, endpointURL, subjectID string, body []byte) (*AgentResponse, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL+"/process_request", bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("orchestrator: build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", subjectID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("orchestrator: dispatch transport error: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("orchestrator: read dispatch response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("orchestrator: agent returned %d: %s", resp.StatusCode, raw)
	}
	if resp.StatusCode >= 400 {
		return nil, false, fmt.Errorf("orchestrator: agent returned %d: %s", resp.StatusCode, raw)
	}

	var parsed AgentResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, false, fmt.Errorf("orchestrator: parse dispatch response: %w", err)
	}
	return &parsed, false, nil
}
