package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"carapace/internal/session"
	"carapace/internal/skills"
)

// BuildSystemPrompt assembles the system prompt from the identity
// documents, the skill catalog, and session facts. Missing documents are
// skipped; the prompt degrades gracefully on a fresh data directory.
func BuildSystemPrompt(dataDir string, catalog []skills.SkillInfo, state *session.State) string {
	var sections []string

	for _, doc := range []string{"AGENTS.md", "SOUL.md", "USER.md"} {
		data, err := os.ReadFile(filepath.Join(dataDir, doc))
		if err != nil {
			continue
		}
		content := strings.TrimSpace(string(data))
		if content != "" {
			sections = append(sections, content)
		}
	}

	if len(catalog) > 0 {
		var b strings.Builder
		b.WriteString("# Available Skills\n\n")
		for _, skill := range catalog {
			fmt.Fprintf(&b, "- %s: %s\n", skill.Name, skill.Description)
		}
		b.WriteString("\nUse `activate_skill` to load full instructions before using a skill.")
		sections = append(sections, b.String())
	}

	info := fmt.Sprintf("# Session Info\n\nSession ID: %s\nChannel: %s\nStarted: %s",
		state.SessionID, state.ChannelType, state.CreatedAt.Format("2006-01-02 15:04 MST"))
	sections = append(sections, info)

	return strings.Join(sections, "\n\n---\n\n")
}
