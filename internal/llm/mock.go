package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockClient replays scripted responses in order. Used in tests.
type MockClient struct {
	mu        sync.Mutex
	model     string
	responses []*CompletionResponse
	requests  []CompletionRequest
	next      int

	// Respond, when set, takes precedence over the scripted responses.
	Respond func(req CompletionRequest) (*CompletionResponse, error)
}

// NewMockClient builds a mock that returns the given responses in sequence.
func NewMockClient(model string, responses ...*CompletionResponse) *MockClient {
	return &MockClient{model: model, responses: responses}
}

func (m *MockClient) Model() string { return m.model }

func (m *MockClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)
	if m.Respond != nil {
		return m.Respond(req)
	}
	if m.next >= len(m.responses) {
		return nil, fmt.Errorf("mock: no response scripted for request %d", m.next+1)
	}
	resp := m.responses[m.next]
	m.next++
	return resp, nil
}

// Requests returns a copy of every request seen so far.
func (m *MockClient) Requests() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CompletionRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// Calls returns how many completions were requested.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Text is a convenience constructor for a plain text response.
func Text(content string) *CompletionResponse {
	return &CompletionResponse{Content: content, StopReason: "end_turn"}
}

// ToolUse is a convenience constructor for a tool-call response.
func ToolUse(calls ...ToolCall) *CompletionResponse {
	return &CompletionResponse{ToolCalls: calls, StopReason: "tool_use"}
}
