package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carapace/internal/llm"
	"carapace/internal/logging"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), logging.Nop())
	require.NoError(t, err)
	return store
}

func TestCreateAndLoadState(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	state, err := store.Create("cli", "")
	require.NoError(t, err)
	assert.Len(t, state.SessionID, 12)

	loaded, err := store.LoadState(state.SessionID)
	require.NoError(t, err)
	assert.Equal(t, state.SessionID, loaded.SessionID)
	assert.Equal(t, "cli", loaded.ChannelType)
	assert.Empty(t, loaded.ActivatedRules)
}

func TestStateRoundTrip(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	state, err := store.Create("ws", "room-7")
	require.NoError(t, err)

	state.ActivatedRules = []string{"r1", "r2"}
	state.DisabledRules = []string{"r3"}
	state.ApprovedCredentials = []string{"github"}
	require.NoError(t, store.SaveState(state))

	loaded, err := store.LoadState(state.SessionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, loaded.ActivatedRules)
	assert.Equal(t, []string{"r3"}, loaded.DisabledRules)
	assert.Equal(t, []string{"github"}, loaded.ApprovedCredentials)
	assert.Equal(t, "room-7", loaded.ChannelRef)
}

func TestLoadStateNotFound(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	_, err := store.LoadState("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResumeBumpsLastActive(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	state, err := store.Create("cli", "")
	require.NoError(t, err)
	before := state.LastActive

	time.Sleep(10 * time.Millisecond)
	resumed, err := store.Resume(state.SessionID)
	require.NoError(t, err)
	assert.True(t, resumed.LastActive.After(before))
}

func TestListOrdersByRecency(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	first, err := store.Create("cli", "")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	second, err := store.Create("cli", "")
	require.NoError(t, err)

	ids, err := store.List()
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, second.SessionID, ids[0])
	assert.Equal(t, first.SessionID, ids[1])

	// Touching the first session moves it to the front.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, store.SaveState(first))
	ids, err = store.List()
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, ids[0])
}

func TestDelete(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	state, err := store.Create("cli", "")
	require.NoError(t, err)

	ok, err := store.Delete(state.SessionID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = store.LoadState(state.SessionID)
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err = store.Delete(state.SessionID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHistoryRoundTrip(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	state, err := store.Create("cli", "")
	require.NoError(t, err)

	messages := []llm.Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "tc_1", Name: "read", Arguments: map[string]any{"path": "x"}}}},
		{Role: "user", ToolResults: []llm.ToolResult{{CallID: "tc_1", Content: "data"}}},
		{Role: "assistant", Content: "done"},
	}
	require.NoError(t, store.SaveHistory(state.SessionID, messages))

	loaded, err := store.LoadHistory(state.SessionID)
	require.NoError(t, err)
	require.Len(t, loaded, 4)
	assert.Equal(t, "hello", loaded[0].Content)
	assert.Equal(t, "tc_1", loaded[1].ToolCalls[0].ID)
	assert.Equal(t, "read", loaded[1].ToolCalls[0].Name)
	assert.Equal(t, "data", loaded[2].ToolResults[0].Content)
}

func TestHistoryEmptyWhenMissing(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	messages, err := store.LoadHistory("unknown")
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestAppendEvents(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	state, err := store.Create("cli", "")
	require.NoError(t, err)

	require.NoError(t, store.AppendEvents(state.SessionID,
		Event{Role: "user", Content: "hi"},
		Event{Role: "assistant", Content: "hello"},
	))
	require.NoError(t, store.AppendEvents(state.SessionID,
		Event{Role: "command", Data: map[string]any{"command": "help"}},
	))

	events, err := store.LoadEvents(state.SessionID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "user", events[0].Role)
	assert.Equal(t, "command", events[2].Role)
}

func TestUsageRoundTrip(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	state, err := store.Create("cli", "")
	require.NoError(t, err)

	tracker := NewUsageTracker()
	tracker.Record("claude-sonnet-4-5", "agent", llm.TokenUsage{InputTokens: 100, OutputTokens: 20})
	tracker.Record("claude-haiku-4-5", "classifier", llm.TokenUsage{InputTokens: 10, OutputTokens: 2, CacheReadTokens: 5})
	require.NoError(t, store.SaveUsage(state.SessionID, tracker))

	loaded, err := store.LoadUsage(state.SessionID)
	require.NoError(t, err)
	snap := loaded.Snapshot()
	assert.Equal(t, 100, snap.Models["claude-sonnet-4-5"].InputTokens)
	assert.Equal(t, 1, snap.Models["claude-sonnet-4-5"].Requests)
	assert.Equal(t, 5, snap.Models["claude-haiku-4-5"].CacheReadTokens)
	assert.Equal(t, 110, loaded.TotalInput())
	assert.Equal(t, 22, loaded.TotalOutput())
}

func TestUsageTrackerAccumulates(t *testing.T) {
	t.Parallel()

	tracker := NewUsageTracker()
	tracker.Record("m", "rules", llm.TokenUsage{InputTokens: 1, OutputTokens: 1})
	tracker.Record("m", "rules", llm.TokenUsage{InputTokens: 2, OutputTokens: 3})

	snap := tracker.Snapshot()
	assert.Equal(t, 3, snap.Models["m"].InputTokens)
	assert.Equal(t, 4, snap.Models["m"].OutputTokens)
	assert.Equal(t, 2, snap.Models["m"].Requests)
	assert.Equal(t, 2, snap.Categories["rules"].Requests)
}
