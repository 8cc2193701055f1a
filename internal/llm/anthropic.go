package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"carapace/internal/logging"
)

const (
	anthropicVersion = "2023-06-01"
	maxAttempts      = 5
	maxBackoff       = 60 * time.Second
	defaultMaxTokens = 4096
)

// AnthropicClient talks to the Anthropic Messages API over plain HTTP.
// Transient failures (429, 502, 503, 504) are retried with exponential
// backoff, honouring Retry-After when the server sends one.
type AnthropicClient struct {
	model      string
	apiKey     string
	baseURL    string
	maxTokens  int
	httpClient *http.Client
	log        logging.Logger
}

// AnthropicOptions configures an AnthropicClient.
type AnthropicOptions struct {
	Model     string
	APIKey    string
	BaseURL   string
	MaxTokens int
	Logger    logging.Logger
}

// NewAnthropicClient builds a client for the given model.
func NewAnthropicClient(opts AnthropicOptions) *AnthropicClient {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &AnthropicClient{
		model:      opts.Model,
		apiKey:     opts.APIKey,
		baseURL:    baseURL,
		maxTokens:  maxTokens,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		log:        logging.OrNop(opts.Logger),
	}
}

func (c *AnthropicClient) Model() string { return c.model }

func (c *AnthropicClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	payload, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, retryable, err := c.doOnce(ctx, payload)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable || attempt == maxAttempts {
			break
		}
		wait := backoff(attempt, retryAfter(err))
		c.log.Warn("LLM request failed (attempt %d/%d), retrying in %s: %v", attempt, maxAttempts, wait, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, lastErr
}

// statusError marks an HTTP failure and carries the server's Retry-After hint.
type statusError struct {
	status     int
	body       string
	retryAfter time.Duration
}

func (e *statusError) Error() string {
	return fmt.Sprintf("anthropic: HTTP %d: %s", e.status, e.body)
}

func retryAfter(err error) time.Duration {
	if se, ok := err.(*statusError); ok {
		return se.retryAfter
	}
	return 0
}

func backoff(attempt int, hint time.Duration) time.Duration {
	if hint > 0 && hint <= 5*time.Minute {
		return hint
	}
	wait := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
	if wait > maxBackoff {
		wait = maxBackoff
	}
	return wait
}

func (c *AnthropicClient) doOnce(ctx context.Context, payload []byte) (*CompletionResponse, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, true, fmt.Errorf("anthropic: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("anthropic: read response: %w", err)
	}

	switch httpResp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		se := &statusError{status: httpResp.StatusCode, body: truncate(string(body), 300)}
		if ra := httpResp.Header.Get("Retry-After"); ra != "" {
			if secs, parseErr := strconv.Atoi(ra); parseErr == nil {
				se.retryAfter = time.Duration(secs) * time.Second
			}
		}
		return nil, true, se
	default:
		return nil, false, &statusError{status: httpResp.StatusCode, body: truncate(string(body), 300)}
	}

	var wire anthropicResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, false, fmt.Errorf("anthropic: parse response: %w", err)
	}
	return wire.toCompletion(), false, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// --- Wire format ---

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema ParameterSchema `json:"input_schema"`
}

type anthropicResponse struct {
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      struct {
		InputTokens              int `json:"input_tokens"`
		OutputTokens             int `json:"output_tokens"`
		CacheReadInputTokens     int `json:"cache_read_input_tokens"`
		CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	} `json:"usage"`
}

func (c *AnthropicClient) buildRequest(req CompletionRequest) anthropicRequest {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	out := anthropicRequest{
		Model:     c.model,
		MaxTokens: maxTokens,
		System:    req.System,
	}
	for _, m := range req.Messages {
		var content []anthropicContent
		if m.Content != "" {
			content = append(content, anthropicContent{Type: "text", Text: m.Content})
		}
		for _, tc := range m.ToolCalls {
			content = append(content, anthropicContent{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Name,
				Input: tc.Arguments,
			})
		}
		for _, tr := range m.ToolResults {
			content = append(content, anthropicContent{
				Type:      "tool_result",
				ToolUseID: tr.CallID,
				Content:   tr.Content,
				IsError:   tr.IsError,
			})
		}
		if len(content) == 0 {
			continue
		}
		out.Messages = append(out.Messages, anthropicMessage{Role: m.Role, Content: content})
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	return out
}

func (r *anthropicResponse) toCompletion() *CompletionResponse {
	resp := &CompletionResponse{
		StopReason: r.StopReason,
		Usage: TokenUsage{
			InputTokens:      r.Usage.InputTokens,
			OutputTokens:     r.Usage.OutputTokens,
			CacheReadTokens:  r.Usage.CacheReadInputTokens,
			CacheWriteTokens: r.Usage.CacheCreationInputTokens,
		},
	}
	for _, block := range r.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: block.Input,
			})
		}
	}
	return resp
}
