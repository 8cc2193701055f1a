package server

import (
	"encoding/json"
	"fmt"

	"carapace/internal/security"
)

// Client-to-server message types.
const (
	ClientMessage               = "message"
	ClientApprovalResponse      = "approval_response"
	ClientProxyApprovalResponse = "proxy_approval_response"
)

// Server-to-client message types. done and command_result are the only
// turn-terminating frames.
const (
	ServerToolCall             = "tool_call"
	ServerApprovalRequest      = "approval_request"
	ServerProxyApprovalRequest = "proxy_approval_request"
	ServerDone                 = "done"
	ServerCommandResult        = "command_result"
	ServerError                = "error"
	// ServerToken is reserved for streaming output.
	ServerToken = "token"
)

// ClientEnvelope is every message a client can send over the channel.
type ClientEnvelope struct {
	Type string `json:"type"`

	// message
	Content string `json:"content,omitempty"`

	// approval_response
	ToolCallID string `json:"tool_call_id,omitempty"`
	Approved   bool   `json:"approved,omitempty"`

	// proxy_approval_response
	RequestID string `json:"request_id,omitempty"`
	Decision  string `json:"decision,omitempty"`
}

// ParseClientMessage decodes and validates one inbound frame.
func ParseClientMessage(data []byte) (*ClientEnvelope, error) {
	var envelope ClientEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	switch envelope.Type {
	case ClientMessage:
		if envelope.Content == "" {
			return nil, fmt.Errorf("message content is empty")
		}
	case ClientApprovalResponse:
		if envelope.ToolCallID == "" {
			return nil, fmt.Errorf("approval_response missing tool_call_id")
		}
	case ClientProxyApprovalResponse:
		if envelope.RequestID == "" {
			return nil, fmt.Errorf("proxy_approval_response missing request_id")
		}
	default:
		return nil, fmt.Errorf("unknown message type: %q", envelope.Type)
	}
	return &envelope, nil
}

// ServerEnvelope is every frame the server can push to a client.
type ServerEnvelope struct {
	Type string `json:"type"`

	// done, token
	Content string `json:"content,omitempty"`

	// tool_call, approval_request
	Tool string         `json:"tool,omitempty"`
	Args map[string]any `json:"args,omitempty"`

	// tool_call, error
	Detail string `json:"detail,omitempty"`

	// approval_request
	ToolCallID     string                            `json:"tool_call_id,omitempty"`
	Classification *security.OperationClassification `json:"classification,omitempty"`
	TriggeredRules []string                          `json:"triggered_rules,omitempty"`
	Descriptions   []string                          `json:"descriptions,omitempty"`

	// proxy_approval_request
	RequestID string `json:"request_id,omitempty"`
	Domain    string `json:"domain,omitempty"`

	// proxy_approval_request, command_result
	Command string `json:"command,omitempty"`

	// command_result
	Data any `json:"data,omitempty"`
}
