package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"carapace/internal/llm"
	"carapace/internal/logging"
)

// ErrNotFound is returned when a session id has no directory on disk.
var ErrNotFound = errors.New("session not found")

const (
	stateFile   = "state.yaml"
	historyFile = "history.json"
	eventsFile  = "events.json"
	usageFile   = "usage.json"
)

// Store persists sessions under <data-dir>/sessions/<id>/.
//
// Layout per session: state.yaml, history.json, events.json, usage.json.
// The orchestrator is the single writer per session.
type Store struct {
	sessionsDir string
	log         logging.Logger
}

// NewStore creates the sessions directory if needed.
func NewStore(dataDir string, log logging.Logger) (*Store, error) {
	dir := filepath.Join(dataDir, "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &Store{sessionsDir: dir, log: logging.OrNop(log)}, nil
}

// Create mints a new session and persists its initial state.
func (s *Store) Create(channelType, channelRef string) (*State, error) {
	if channelType == "" {
		channelType = "cli"
	}
	now := time.Now()
	state := &State{
		SessionID:   NewID(),
		ChannelType: channelType,
		ChannelRef:  channelRef,
		CreatedAt:   now,
		LastActive:  now,
	}
	if err := s.SaveState(state); err != nil {
		return nil, err
	}
	s.log.Info("Created session %s (channel=%s)", state.SessionID, channelType)
	return state, nil
}

// LoadState reads a session's state without touching LastActive.
func (s *Store) LoadState(sessionID string) (*State, error) {
	data, err := os.ReadFile(filepath.Join(s.sessionsDir, sessionID, stateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read state: %w", err)
	}
	state := &State{}
	if err := yaml.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("parse state.yaml for %s: %w", sessionID, err)
	}
	return state, nil
}

// Resume loads a session and bumps LastActive (not yet persisted).
func (s *Store) Resume(sessionID string) (*State, error) {
	state, err := s.LoadState(sessionID)
	if err != nil {
		return nil, err
	}
	state.LastActive = time.Now()
	return state, nil
}

// SaveState writes state.yaml, creating the session directory if needed.
func (s *Store) SaveState(state *State) error {
	dir := filepath.Join(s.sessionsDir, state.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	data, err := yaml.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, stateFile), data, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

// List returns session ids ordered by state.yaml mtime, most recent first.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.sessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	type entry struct {
		id    string
		mtime time.Time
	}
	var sessions []entry
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var mtime time.Time
		if info, err := os.Stat(filepath.Join(s.sessionsDir, e.Name(), stateFile)); err == nil {
			mtime = info.ModTime()
		}
		sessions = append(sessions, entry{id: e.Name(), mtime: mtime})
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].mtime.After(sessions[j].mtime)
	})

	ids := make([]string, len(sessions))
	for i, e := range sessions {
		ids[i] = e.id
	}
	return ids, nil
}

// Delete removes a session directory. Returns false when it did not exist.
func (s *Store) Delete(sessionID string) (bool, error) {
	dir := filepath.Join(s.sessionsDir, sessionID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return false, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	s.log.Info("Deleted session %s", sessionID)
	return true, nil
}

// LoadHistory reads the conversation history. Missing file means empty.
func (s *Store) LoadHistory(sessionID string) ([]llm.Message, error) {
	data, err := os.ReadFile(filepath.Join(s.sessionsDir, sessionID, historyFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read history: %w", err)
	}
	var messages []llm.Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("parse history.json for %s: %w", sessionID, err)
	}
	return messages, nil
}

// SaveHistory overwrites the conversation history.
func (s *Store) SaveHistory(sessionID string, messages []llm.Message) error {
	dir := filepath.Join(s.sessionsDir, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	data, err := json.MarshalIndent(messages, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, historyFile), data, 0o644); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	return nil
}

// AppendEvents appends to the session's event log.
func (s *Store) AppendEvents(sessionID string, events ...Event) error {
	path := filepath.Join(s.sessionsDir, sessionID, eventsFile)

	var existing []Event
	if data, err := os.ReadFile(path); err == nil {
		// A corrupt log is dropped rather than blocking the turn.
		_ = json.Unmarshal(data, &existing)
	}
	existing = append(existing, events...)

	data, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write events: %w", err)
	}
	return nil
}

// LoadEvents reads the event log. Missing file means empty.
func (s *Store) LoadEvents(sessionID string) ([]Event, error) {
	data, err := os.ReadFile(filepath.Join(s.sessionsDir, sessionID, eventsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read events: %w", err)
	}
	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("parse events.json for %s: %w", sessionID, err)
	}
	return events, nil
}

// LoadUsage reads usage.json into a tracker. Missing file means empty.
func (s *Store) LoadUsage(sessionID string) (*UsageTracker, error) {
	data, err := os.ReadFile(filepath.Join(s.sessionsDir, sessionID, usageFile))
	if err != nil {
		if os.IsNotExist(err) {
			return NewUsageTracker(), nil
		}
		return nil, fmt.Errorf("read usage: %w", err)
	}
	var snapshot UsageSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("parse usage.json for %s: %w", sessionID, err)
	}
	return FromUsageSnapshot(snapshot), nil
}

// SaveUsage writes the tracker's snapshot to usage.json.
func (s *Store) SaveUsage(sessionID string, tracker *UsageTracker) error {
	dir := filepath.Join(s.sessionsDir, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	data, err := json.MarshalIndent(tracker.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal usage: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, usageFile), data, 0o644); err != nil {
		return fmt.Errorf("write usage: %w", err)
	}
	return nil
}
