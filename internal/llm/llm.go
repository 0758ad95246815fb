// Package llm implements the LLM invocation contract of spec.md §4.8: a
// chat-completion-over-HTTP client with retry/backoff and an optional
// secondary provider as fallback. Grounded on the teacher's
// ai.OpenAIClient.GenerateResponse (ai/client.go), generalized from a
// single-prompt call to the {messages, model, temperature, max_tokens}
// contract the Orchestrator needs.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/controlplane/fleet/internal/telemetry"
)

// Message is one entry in a chat-completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the LLM invocation contract of spec.md §4.8.
type Request struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

// Response is the parsed completion result.
type Response struct {
	Content string
	Model   string
	Usage   TokenUsage
}

// TokenUsage mirrors the teacher's core.TokenUsage.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Client is implemented by any chat-completion backend.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ErrNoAPIKey is returned when a provider requires a key that was never configured.
var ErrNoAPIKey = errors.New("llm: api key not configured")

// HTTPClient is a generic OpenAI-style chat-completions provider.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries int
	logger     telemetry.Logger
}

// NewHTTPClient creates an HTTPClient. maxRetries <= 0 uses 3, per
// spec.md §4.8's "N attempts (default 3)".
func NewHTTPClient(baseURL, apiKey string, maxRetries int, logger telemetry.Logger) *HTTPClient {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if logger == nil {
		logger = telemetry.NoOp()
	}
	return &HTTPClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxRetries: maxRetries,
		logger:     logger.WithComponent("framework/llm"),
	}
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Model string `json:"model"`
}

// Complete sends req to the provider's chat-completions endpoint, retrying
// up to maxRetries times with exponential backoff (2^attempt seconds) on
// connection errors and 5xx responses only; 4xx responses are never
// retried (spec.md §4.8).
func (c *HTTPClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if c.apiKey == "" {
		return nil, ErrNoAPIKey
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
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

		resp, err := c.doOnce(ctx, jsonData)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
		c.logger.WarnWithContext(ctx, "llm request failed, retrying", map[string]interface{}{
			"attempt": attempt,
			"error":   err.Error(),
		})
		telemetry.Counter("llm.retries")
	}
	return nil, fmt.Errorf("llm: exhausted retries: %w", lastErr)
}

// retryableError marks an error that Complete's retry loop should act on.
type retryableError struct{ err error }

func (r retryableError) Error() string { return r.err.Error() }
func (r retryableError) Unwrap() error { return r.err }

func isRetryable(err error) bool {
	var r retryableError
	return errors.As(err, &r)
}

func (c *HTTPClient) doOnce(ctx context.Context, jsonData []byte) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, retryableError{fmt.Errorf("llm: transport error: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("llm: read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return nil, retryableError{fmt.Errorf("llm: provider returned %d: %s", resp.StatusCode, truncate(body, 200))}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llm: provider returned %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("llm: parse response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("llm: no choices in response")
	}

	return &Response{
		Content: parsed.Choices[0].Message.Content,
		Model:   parsed.Model,
		Usage: TokenUsage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// FallbackClient tries a primary provider and, on any error, falls back to
// a secondary provider if one is configured.
type FallbackClient struct {
	primary  Client
	fallback Client
	logger   telemetry.Logger
}

// NewFallbackClient wraps primary with an optional fallback. fallback may
// be nil, in which case FallbackClient behaves exactly like primary.
func NewFallbackClient(primary, fallback Client, logger telemetry.Logger) *FallbackClient {
	if logger == nil {
		logger = telemetry.NoOp()
	}
	return &FallbackClient{primary: primary, fallback: fallback, logger: logger.WithComponent("framework/llm")}
}

// Complete tries the primary client, then the fallback client if configured.
func (f *FallbackClient) Complete(ctx context.Context, req Request) (*Response, error) {
	resp, err := f.primary.Complete(ctx, req)
	if err == nil {
		return resp, nil
	}
	if f.fallback == nil {
		return nil, err
	}
	f.logger.WarnWithContext(ctx, "primary llm provider failed, trying fallback", map[string]interface{}{"error": err.Error()})
	telemetry.Counter("llm.fallback_used")
	return f.fallback.Complete(ctx, req)
}
