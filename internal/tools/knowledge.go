package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"carapace/internal/llm"
	"carapace/internal/sandbox"
)

func readMemoryTool() *Tool {
	return &Tool{
		Definition: llm.ToolDefinition{
			Name:        "read_memory",
			Description: "Read a file from persistent memory.",
			Parameters: schema([]string{"path"}, map[string]llm.Property{
				"path": prop("Path relative to the memory root, e.g. CORE.md."),
			}),
		},
		Ungated: true,
		Run: func(_ context.Context, env *Env, args map[string]any) string {
			content, ok := env.Memory.Read(stringArg(args, "path"))
			if !ok {
				return fmt.Sprintf("Error: memory file not found: %s", stringArg(args, "path"))
			}
			return content
		},
	}
}

func writeMemoryTool() *Tool {
	return &Tool{
		Definition: llm.ToolDefinition{
			Name:        "write_memory",
			Description: "Write a file in persistent memory. Memory survives across sessions.",
			Parameters: schema([]string{"path", "content"}, map[string]llm.Property{
				"path":    prop("Path relative to the memory root."),
				"content": prop("Full file content to write."),
			}),
		},
		Context: "Writes to the agent's persistent cross-session memory on disk.",
		Run: func(_ context.Context, env *Env, args map[string]any) string {
			return env.Memory.Write(stringArg(args, "path"), stringArg(args, "content"))
		},
	}
}

func searchMemoryTool() *Tool {
	return &Tool{
		Definition: llm.ToolDefinition{
			Name:        "search_memory",
			Description: "Search persistent memory for a text fragment.",
			Parameters: schema([]string{"query"}, map[string]llm.Property{
				"query": prop("Case-insensitive text to look for."),
			}),
		},
		Ungated: true,
		Run: func(_ context.Context, env *Env, args map[string]any) string {
			results := env.Memory.Search(stringArg(args, "query"))
			if len(results) == 0 {
				return "No matches."
			}
			var b strings.Builder
			for _, result := range results {
				fmt.Fprintf(&b, "%s: %s\n", result.File, result.Matches)
			}
			return strings.TrimRight(b.String(), "\n")
		},
	}
}

func listSkillsTool() *Tool {
	return &Tool{
		Definition: llm.ToolDefinition{
			Name:        "list_skills",
			Description: "List available skills with their descriptions.",
			Parameters:  schema(nil, map[string]llm.Property{}),
		},
		Ungated: true,
		Run: func(_ context.Context, env *Env, args map[string]any) string {
			catalog, err := env.Skills.Scan()
			if err != nil {
				return fmt.Sprintf("Error: %v", err)
			}
			if len(catalog) == 0 {
				return "No skills installed."
			}
			var b strings.Builder
			for _, skill := range catalog {
				fmt.Fprintf(&b, "- %s: %s\n", skill.Name, skill.Description)
			}
			return strings.TrimRight(b.String(), "\n")
		},
	}
}

func activateSkillTool() *Tool {
	return &Tool{
		Definition: llm.ToolDefinition{
			Name: "activate_skill",
			Description: "Load a skill's full instructions and stage it in the sandbox. " +
				"Skills with Python dependencies get their environment built.",
			Parameters: schema([]string{"skill_name"}, map[string]llm.Property{
				"skill_name": prop("Name of the skill to activate."),
			}),
		},
		Context: "Loads full skill instructions into agent context and copies the skill into the sandbox.",
		Run: func(ctx context.Context, env *Env, args map[string]any) string {
			name := stringArg(args, "skill_name")
			instructions, err := env.Skills.FullInstructions(name)
			if err != nil {
				return fmt.Sprintf("Error: %v", err)
			}
			catalog, err := env.Skills.Scan()
			if err != nil {
				return fmt.Sprintf("Error: %v", err)
			}
			var sourceDir string
			for _, skill := range catalog {
				if skill.Name == name {
					sourceDir = skill.Path
				}
			}

			if err := env.Sandbox.ActivateSkill(ctx, env.SessionID, name, sourceDir); err != nil {
				var venvErr *sandbox.SkillVenvError
				if errors.As(err, &venvErr) {
					return fmt.Sprintf("%s\n\nWarning: environment build failed, scripts needing dependencies will not run:\n%s",
						instructions, venvErr.Output)
				}
				return fmt.Sprintf("Error: %v", err)
			}
			return instructions
		},
	}
}

func saveSkillTool() *Tool {
	return &Tool{
		Definition: llm.ToolDefinition{
			Name: "save_skill",
			Description: "Persist a skill from the sandbox skills directory so future " +
				"sessions can use it. The skill directory must contain a SKILL.md.",
			Parameters: schema([]string{"skill_name"}, map[string]llm.Property{
				"skill_name": prop("Name of the skill directory under /workspace/skills."),
			}),
		},
		Context: "Copies a skill authored in the sandbox into the persistent skill library.",
		Run: func(_ context.Context, env *Env, args map[string]any) string {
			name := stringArg(args, "skill_name")
			if err := env.Sandbox.SaveSkill(env.SessionID, name, env.Skills.Root()); err != nil {
				return fmt.Sprintf("Error: %v", err)
			}
			return "Skill saved: " + name
		},
	}
}

func getCredentialTool() *Tool {
	return &Tool{
		Definition: llm.ToolDefinition{
			Name: "get_credential",
			Description: "Retrieve a named credential from the user's secret store. " +
				"Each credential needs user approval once per session.",
			Parameters: schema([]string{"name"}, map[string]llm.Property{
				"name": prop("Credential name, e.g. github-token."),
			}),
		},
		Context: "Retrieves a secret value from the user's credential store.",
		Run: func(_ context.Context, env *Env, args map[string]any) string {
			name := stringArg(args, "name")
			value, err := env.Credentials.Get(name)
			if err != nil {
				return fmt.Sprintf("Error: %v", err)
			}
			return value
		},
	}
}
