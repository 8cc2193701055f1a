package agent

import (
	"context"
	"fmt"
	"strings"

	"carapace/internal/llm"
	"carapace/internal/logging"
	"carapace/internal/security"
	"carapace/internal/session"
	"carapace/internal/tools"
)

// maxIterations bounds one turn's model round trips.
const maxIterations = 40

// DeferredCall is a tool call waiting on user approval.
type DeferredCall struct {
	Call           llm.ToolCall
	Classification security.OperationClassification
	TriggeredRules []string
	Descriptions   []string
}

// ToolCallInfo is the notification emitted before a tool runs or defers.
type ToolCallInfo struct {
	ID     string
	Name   string
	Args   map[string]any
	Detail string
}

// Outcome is how a Run or Resume step ended: either a final reply or a
// batch of calls awaiting approval.
type Outcome struct {
	Reply   string
	Pending []DeferredCall
}

// RunState is one in-flight turn. The orchestrator holds it across the
// approval round trip.
type RunState struct {
	Env        *tools.Env
	SystemProm string
	Messages   []llm.Message
	// StartIndex marks where this turn's new messages begin.
	StartIndex int
	Verbose    bool
	Usage      *session.UsageTracker
	OnToolCall func(info ToolCallInfo)

	pending        []DeferredCall
	partialResults []llm.ToolResult
	pendingOrder   []string
}

// Agent drives the model loop and pushes every tool call through the
// security gate.
type Agent struct {
	client   llm.Client
	gate     *security.Gate
	registry *tools.Registry
	log      logging.Logger
}

func New(client llm.Client, gate *security.Gate, registry *tools.Registry, log logging.Logger) *Agent {
	return &Agent{client: client, gate: gate, registry: registry, log: logging.OrNop(log)}
}

// Run starts a turn with the user's message and loops until the model
// stops calling tools or a call needs approval.
func (a *Agent) Run(ctx context.Context, state *RunState, userMessage string) (*Outcome, error) {
	state.StartIndex = len(state.Messages)
	state.Messages = append(state.Messages, llm.Message{Role: "user", Content: userMessage})
	return a.loop(ctx, state)
}

// Resume continues a turn paused on approvals. The map keys are tool
// call ids; missing ids count as denied.
func (a *Agent) Resume(ctx context.Context, state *RunState, approvals map[string]bool) (*Outcome, error) {
	if len(state.pending) == 0 {
		return nil, fmt.Errorf("no pending approvals to resume")
	}

	resolved := make(map[string]llm.ToolResult, len(state.pending))
	for _, deferred := range state.pending {
		call := deferred.Call
		if approvals[call.ID] {
			// Approved by the user; the gate is not consulted again.
			resolved[call.ID] = a.execute(ctx, state, call)
		} else {
			resolved[call.ID] = llm.ToolResult{CallID: call.ID, Content: "User denied this operation.", IsError: true}
		}
	}

	results := make([]llm.ToolResult, 0, len(state.pendingOrder))
	partial := make(map[string]llm.ToolResult, len(state.partialResults))
	for _, result := range state.partialResults {
		partial[result.CallID] = result
	}
	for _, callID := range state.pendingOrder {
		if result, ok := partial[callID]; ok {
			results = append(results, result)
		} else if result, ok := resolved[callID]; ok {
			results = append(results, result)
		}
	}

	state.pending = nil
	state.partialResults = nil
	state.pendingOrder = nil
	state.Messages = append(state.Messages, llm.Message{Role: "user", ToolResults: results})
	return a.loop(ctx, state)
}

// Pending lists the calls currently awaiting approval.
func (a *Agent) Pending(state *RunState) []DeferredCall {
	return state.pending
}

func (a *Agent) loop(ctx context.Context, state *RunState) (*Outcome, error) {
	for iteration := 0; iteration < maxIterations; iteration++ {
		response, err := a.client.Complete(ctx, llm.CompletionRequest{
			System:   state.SystemProm,
			Messages: state.Messages,
			Tools:    a.registry.Definitions(),
		})
		if err != nil {
			return nil, fmt.Errorf("model call failed: %w", err)
		}
		if state.Usage != nil {
			state.Usage.Record(a.client.Model(), "agent", response.Usage)
		}

		state.Messages = append(state.Messages, llm.Message{
			Role:      "assistant",
			Content:   response.Content,
			ToolCalls: response.ToolCalls,
		})
		if len(response.ToolCalls) == 0 {
			return &Outcome{Reply: response.Content}, nil
		}

		var results []llm.ToolResult
		var deferred []DeferredCall
		order := make([]string, 0, len(response.ToolCalls))
		for _, call := range response.ToolCalls {
			order = append(order, call.ID)
			result, wait := a.dispatch(ctx, state, call)
			if wait != nil {
				deferred = append(deferred, *wait)
				continue
			}
			results = append(results, result)
		}

		if len(deferred) > 0 {
			state.pending = deferred
			state.partialResults = results
			state.pendingOrder = order
			return &Outcome{Pending: deferred}, nil
		}
		state.Messages = append(state.Messages, llm.Message{Role: "user", ToolResults: results})
	}
	return nil, fmt.Errorf("turn exceeded %d model iterations", maxIterations)
}

// dispatch gates one tool call. A nil DeferredCall means the result is
// final; otherwise the call waits for the user.
func (a *Agent) dispatch(ctx context.Context, state *RunState, call llm.ToolCall) (llm.ToolResult, *DeferredCall) {
	tool, ok := a.registry.Get(call.Name)
	if !ok {
		return llm.ToolResult{CallID: call.ID, Content: "Error: unknown tool: " + call.Name, IsError: true}, nil
	}

	if tool.Ungated {
		a.notify(state, call, "")
		return a.execute(ctx, state, call), nil
	}

	var usage security.UsageRecorder
	if state.Usage != nil {
		usage = state.Usage
	}
	decision, err := a.gate.Evaluate(ctx, state.Env.State, call.Name, call.Arguments, tool.Context, usage)
	if err != nil {
		a.log.Error("gate evaluation for %s: %v", call.Name, err)
		return llm.ToolResult{
			CallID:  call.ID,
			Content: "Error: security evaluation failed, operation not performed",
			IsError: true,
		}, nil
	}

	switch decision.Verdict {
	case security.VerdictBlocked:
		a.notify(state, call, verboseDetail(decision, "blocked"))
		content := "Operation blocked by security rules:\n" + strings.Join(decision.Descriptions, "\n")
		return llm.ToolResult{CallID: call.ID, Content: content, IsError: true}, nil
	case security.VerdictApprovalRequired:
		a.notify(state, call, verboseDetail(decision, "approval required"))
		return llm.ToolResult{}, &DeferredCall{
			Call:           call,
			Classification: decision.Classification,
			TriggeredRules: decision.TriggeredRules,
			Descriptions:   decision.Descriptions,
		}
	default:
		a.notify(state, call, verboseDetail(decision, "pass"))
		return a.execute(ctx, state, call), nil
	}
}

func (a *Agent) execute(ctx context.Context, state *RunState, call llm.ToolCall) llm.ToolResult {
	tool, ok := a.registry.Get(call.Name)
	if !ok {
		return llm.ToolResult{CallID: call.ID, Content: "Error: unknown tool: " + call.Name, IsError: true}
	}
	output := tool.Run(ctx, state.Env, call.Arguments)
	return llm.ToolResult{
		CallID:  call.ID,
		Content: output,
		IsError: strings.HasPrefix(output, "Error:"),
	}
}

func (a *Agent) notify(state *RunState, call llm.ToolCall, detail string) {
	if state.OnToolCall == nil {
		return
	}
	if !state.Verbose {
		detail = ""
	}
	state.OnToolCall(ToolCallInfo{ID: call.ID, Name: call.Name, Args: call.Arguments, Detail: detail})
}

// verboseDetail renders the gate decision for /verbose mode.
func verboseDetail(decision *security.Decision, outcome string) string {
	categories := strings.Join(decision.Classification.Categories, ", ")
	rules := "none"
	if len(decision.TriggeredRules) > 0 {
		rules = strings.Join(decision.TriggeredRules, ", ")
	}
	description := truncate(decision.Classification.Description, 60)
	return fmt.Sprintf("[%s] (%s) %s rules: %s -> %s",
		decision.Classification.OperationType, categories, description, rules, outcome)
}

func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	return text[:limit] + "..."
}
