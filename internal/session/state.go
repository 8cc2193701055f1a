package session

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// State is the durable per-session security state.
//
// ActivatedRules grows monotonically within a session; only a user-driven
// /disable moves a rule into DisabledRules, and the two sets never overlap.
type State struct {
	SessionID           string    `yaml:"session_id" json:"session_id"`
	ChannelType         string    `yaml:"channel_type" json:"channel_type"`
	ChannelRef          string    `yaml:"channel_ref" json:"channel_ref"`
	ActivatedRules      []string  `yaml:"activated_rules" json:"activated_rules"`
	DisabledRules       []string  `yaml:"disabled_rules" json:"disabled_rules"`
	ApprovedCredentials []string  `yaml:"approved_credentials" json:"approved_credentials"`
	ApprovedOperations  []string  `yaml:"approved_operations" json:"approved_operations"`
	CreatedAt           time.Time `yaml:"created_at" json:"created_at"`
	LastActive          time.Time `yaml:"last_active" json:"last_active"`
}

// NewID mints a 12-hex-char session id.
func NewID() string {
	raw := make([]byte, 6)
	if _, err := rand.Read(raw); err != nil {
		// crypto/rand failing is unrecoverable for id generation
		panic(err)
	}
	return hex.EncodeToString(raw)
}

// Event is one entry in the per-session append-only event log.
type Event struct {
	Role    string `json:"role"` // "user" | "assistant" | "command"
	Content string `json:"content,omitempty"`
	Data    any    `json:"data,omitempty"`
}
