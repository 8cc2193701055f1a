package server

import (
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carapace/internal/llm"
	"carapace/internal/security"
)

func dialChannel(t *testing.T, f *testFixture, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") +
		"/chat/" + sessionID + "?token=" + testToken
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) ServerEnvelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var envelope ServerEnvelope
	require.NoError(t, conn.ReadJSON(&envelope))
	return envelope
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, envelope ClientEnvelope) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(envelope))
}

func TestChannelUnknownSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil, "false")

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/chat/ghost?token=" + testToken
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, closeSessionNotFound, closeErr.Code)
	assert.Equal(t, "Session not found", closeErr.Text)
}

func TestChannelRejectsBadToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil, "false")

	// A bad token upgrades fine and then gets a policy-violation close.
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/chat/x?token=wrong"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, "Invalid token", closeErr.Text)
}

func TestChannelSimpleTurn(t *testing.T) {
	t.Parallel()
	model := llm.NewMockClient("main", llm.Text("the answer is 4"))
	f := newFixture(t, model, nil, "false")

	state, err := f.store.Create("web", "")
	require.NoError(t, err)
	conn := dialChannel(t, f, state.SessionID)

	sendEnvelope(t, conn, ClientEnvelope{Type: ClientMessage, Content: "what is 2+2"})

	// done is the terminal frame and carries the answer.
	done := readEnvelope(t, conn)
	assert.Equal(t, ServerDone, done.Type)
	assert.Equal(t, "the answer is 4", done.Content)

	// The turn was persisted.
	history, err := f.store.LoadHistory(state.SessionID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	events, err := f.store.LoadEvents(state.SessionID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "what is 2+2", events[0].Content)
}

func TestChannelToolCallEvents(t *testing.T) {
	t.Parallel()
	model := llm.NewMockClient("main",
		llm.ToolUse(llm.ToolCall{ID: "c1", Name: "write", Arguments: map[string]any{"path": "a.txt", "content": "x"}}),
		llm.Text("written"),
	)
	f := newFixture(t, model, nil, "false")

	state, err := f.store.Create("web", "")
	require.NoError(t, err)
	conn := dialChannel(t, f, state.SessionID)

	sendEnvelope(t, conn, ClientEnvelope{Type: ClientMessage, Content: "write a file"})

	toolCall := readEnvelope(t, conn)
	assert.Equal(t, ServerToolCall, toolCall.Type)
	assert.Equal(t, "write", toolCall.Tool)
	assert.Equal(t, "a.txt", toolCall.Args["path"])

	done := readEnvelope(t, conn)
	assert.Equal(t, ServerDone, done.Type)
	assert.Equal(t, "written", done.Content)
}

func approveAllRules() []security.Rule {
	return []security.Rule{{
		ID:          "ask-writes",
		Trigger:     "always",
		Effect:      "approve all writes",
		Mode:        security.ModeApprove,
		Description: "writes need approval",
	}}
}

func TestChannelApprovalFlow(t *testing.T) {
	t.Parallel()
	model := llm.NewMockClient("main",
		llm.ToolUse(llm.ToolCall{ID: "c1", Name: "write", Arguments: map[string]any{"path": "a.txt", "content": "x"}}),
		llm.Text("file written"),
	)
	f := newFixture(t, model, approveAllRules(), "true")

	state, err := f.store.Create("web", "")
	require.NoError(t, err)
	conn := dialChannel(t, f, state.SessionID)

	sendEnvelope(t, conn, ClientEnvelope{Type: ClientMessage, Content: "write it"})

	// tool_call notification precedes the approval request.
	assert.Equal(t, ServerToolCall, readEnvelope(t, conn).Type)
	request := readEnvelope(t, conn)
	require.Equal(t, ServerApprovalRequest, request.Type)
	assert.Equal(t, "c1", request.ToolCallID)
	assert.Equal(t, "write", request.Tool)
	assert.Equal(t, "a.txt", request.Args["path"])
	assert.Equal(t, []string{"ask-writes"}, request.TriggeredRules)
	require.NotNil(t, request.Classification)
	assert.Equal(t, security.OpWriteLocal, request.Classification.OperationType)

	sendEnvelope(t, conn, ClientEnvelope{Type: ClientApprovalResponse, ToolCallID: "c1", Approved: true})

	done := readEnvelope(t, conn)
	assert.Equal(t, ServerDone, done.Type)
	assert.Equal(t, "file written", done.Content)
}

func TestChannelApprovalDenied(t *testing.T) {
	t.Parallel()
	model := llm.NewMockClient("main",
		llm.ToolUse(llm.ToolCall{ID: "c1", Name: "write", Arguments: map[string]any{"path": "a.txt", "content": "x"}}),
		llm.Text("skipped it"),
	)
	f := newFixture(t, model, approveAllRules(), "true")

	state, err := f.store.Create("web", "")
	require.NoError(t, err)
	conn := dialChannel(t, f, state.SessionID)

	sendEnvelope(t, conn, ClientEnvelope{Type: ClientMessage, Content: "write it"})
	assert.Equal(t, ServerToolCall, readEnvelope(t, conn).Type)
	require.Equal(t, ServerApprovalRequest, readEnvelope(t, conn).Type)

	sendEnvelope(t, conn, ClientEnvelope{Type: ClientApprovalResponse, ToolCallID: "c1", Approved: false})

	done := readEnvelope(t, conn)
	assert.Equal(t, ServerDone, done.Type)
	assert.Equal(t, "skipped it", done.Content)

	// The denial reached the model as a tool result.
	history, err := f.store.LoadHistory(state.SessionID)
	require.NoError(t, err)
	var sawDenial bool
	for _, message := range history {
		for _, result := range message.ToolResults {
			if result.Content == "User denied this operation." {
				sawDenial = true
			}
		}
	}
	assert.True(t, sawDenial)
}

func TestChannelHelpCommand(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil, "false")

	state, err := f.store.Create("web", "")
	require.NoError(t, err)
	conn := dialChannel(t, f, state.SessionID)

	sendEnvelope(t, conn, ClientEnvelope{Type: ClientMessage, Content: "/help"})
	result := readEnvelope(t, conn)
	assert.Equal(t, ServerCommandResult, result.Type)
	// The command tag has no slash.
	assert.Equal(t, "help", result.Command)
}

func TestChannelRulesAndDisable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, approveAllRules(), "true")

	state, err := f.store.Create("web", "")
	require.NoError(t, err)
	conn := dialChannel(t, f, state.SessionID)

	sendEnvelope(t, conn, ClientEnvelope{Type: ClientMessage, Content: "/rules"})
	result := readEnvelope(t, conn)
	require.Equal(t, ServerCommandResult, result.Type)
	views, ok := result.Data.([]any)
	require.True(t, ok)
	require.Len(t, views, 1)
	view := views[0].(map[string]any)
	assert.Equal(t, "ask-writes", view["id"])
	assert.Equal(t, true, view["active"])
	assert.Equal(t, false, view["disabled"])

	sendEnvelope(t, conn, ClientEnvelope{Type: ClientMessage, Content: "/disable ask-writes"})
	result = readEnvelope(t, conn)
	require.Equal(t, ServerCommandResult, result.Type)

	reloaded, err := f.store.LoadState(state.SessionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"ask-writes"}, reloaded.DisabledRules)

	sendEnvelope(t, conn, ClientEnvelope{Type: ClientMessage, Content: "/enable ask-writes"})
	result = readEnvelope(t, conn)
	require.Equal(t, ServerCommandResult, result.Type)
	reloaded, err = f.store.LoadState(state.SessionID)
	require.NoError(t, err)
	assert.Empty(t, reloaded.DisabledRules)

	sendEnvelope(t, conn, ClientEnvelope{Type: ClientMessage, Content: "/disable nonsense"})
	errEnvelope := readEnvelope(t, conn)
	assert.Equal(t, ServerError, errEnvelope.Type)
	assert.Contains(t, errEnvelope.Detail, "Unknown rule")
}

func TestChannelVerboseToggle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil, "false")

	state, err := f.store.Create("web", "")
	require.NoError(t, err)
	conn := dialChannel(t, f, state.SessionID)

	sendEnvelope(t, conn, ClientEnvelope{Type: ClientMessage, Content: "/verbose"})
	result := readEnvelope(t, conn)
	require.Equal(t, ServerCommandResult, result.Type)
	data := result.Data.(map[string]any)
	assert.Equal(t, true, data["verbose"])

	sendEnvelope(t, conn, ClientEnvelope{Type: ClientMessage, Content: "/verbose"})
	result = readEnvelope(t, conn)
	data = result.Data.(map[string]any)
	assert.Equal(t, false, data["verbose"])
}

func TestChannelQuitCloses(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil, "false")

	state, err := f.store.Create("web", "")
	require.NoError(t, err)
	conn := dialChannel(t, f, state.SessionID)

	sendEnvelope(t, conn, ClientEnvelope{Type: ClientMessage, Content: "/quit"})
	result := readEnvelope(t, conn)
	assert.Equal(t, ServerCommandResult, result.Type)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestChannelUsageCommand(t *testing.T) {
	t.Parallel()
	model := llm.NewMockClient("main")
	model.Respond = func(llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return &llm.CompletionResponse{
			Content: "hi",
			Usage:   llm.TokenUsage{InputTokens: 10, OutputTokens: 5},
		}, nil
	}
	f := newFixture(t, model, nil, "false")

	state, err := f.store.Create("web", "")
	require.NoError(t, err)
	conn := dialChannel(t, f, state.SessionID)

	sendEnvelope(t, conn, ClientEnvelope{Type: ClientMessage, Content: "hello"})
	require.Equal(t, ServerDone, readEnvelope(t, conn).Type)

	sendEnvelope(t, conn, ClientEnvelope{Type: ClientMessage, Content: "/usage"})
	result := readEnvelope(t, conn)
	require.Equal(t, ServerCommandResult, result.Type)
	data := result.Data.(map[string]any)
	assert.Equal(t, float64(10), data["total_input"])
	assert.Equal(t, float64(5), data["total_output"])
}

func TestChannelSessionCommand(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil, "false")

	state, err := f.store.Create("web", "ref-1")
	require.NoError(t, err)
	conn := dialChannel(t, f, state.SessionID)

	sendEnvelope(t, conn, ClientEnvelope{Type: ClientMessage, Content: "/session"})
	result := readEnvelope(t, conn)
	require.Equal(t, ServerCommandResult, result.Type)
	data := result.Data.(map[string]any)
	info := data["session"].(map[string]any)
	assert.Equal(t, state.SessionID, info["session_id"])
}
