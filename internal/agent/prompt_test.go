package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carapace/internal/session"
	"carapace/internal/skills"
)

func TestBuildSystemPrompt(t *testing.T) {
	t.Parallel()
	dataDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "SOUL.md"), []byte("# Soul\nBe helpful."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "USER.md"), []byte("# User\nPrefers brevity."), 0o644))

	catalog := []skills.SkillInfo{{Name: "weather", Description: "forecast lookups"}}
	state := &session.State{
		SessionID:   "abc123",
		ChannelType: "cli",
		CreatedAt:   time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
	}

	prompt := BuildSystemPrompt(dataDir, catalog, state)

	assert.Contains(t, prompt, "Be helpful.")
	assert.Contains(t, prompt, "Prefers brevity.")
	assert.Contains(t, prompt, "# Available Skills")
	assert.Contains(t, prompt, "- weather: forecast lookups")
	assert.Contains(t, prompt, "Use `activate_skill` to load full instructions")
	assert.Contains(t, prompt, "Session ID: abc123")
	assert.Contains(t, prompt, "Channel: cli")

	// Soul comes before user doc, skills before session info.
	soulAt := strings.Index(prompt, "Be helpful.")
	userAt := strings.Index(prompt, "Prefers brevity.")
	skillsAt := strings.Index(prompt, "# Available Skills")
	infoAt := strings.Index(prompt, "# Session Info")
	assert.Less(t, soulAt, userAt)
	assert.Less(t, userAt, skillsAt)
	assert.Less(t, skillsAt, infoAt)
}

func TestBuildSystemPromptEmptyDataDir(t *testing.T) {
	t.Parallel()

	state := &session.State{SessionID: "s1", ChannelType: "web"}
	prompt := BuildSystemPrompt(t.TempDir(), nil, state)

	assert.NotContains(t, prompt, "# Available Skills")
	assert.Contains(t, prompt, "# Session Info")
}
