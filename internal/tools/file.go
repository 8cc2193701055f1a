package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"carapace/internal/llm"
)

// resolveWorkspace confines a relative path to the session workspace.
func resolveWorkspace(env *Env, relative string) (string, bool) {
	path := filepath.Join(env.Workspace, relative)
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	root, err := filepath.Abs(env.Workspace)
	if err != nil {
		return "", false
	}
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", false
	}
	return abs, true
}

func readTool() *Tool {
	return &Tool{
		Definition: llm.ToolDefinition{
			Name:        "read",
			Description: "Read a file from the session workspace.",
			Parameters: schema([]string{"path"}, map[string]llm.Property{
				"path": prop("Path relative to the workspace root."),
			}),
		},
		Context: "Reads a file from the local session workspace on disk.",
		Run: func(_ context.Context, env *Env, args map[string]any) string {
			path, ok := resolveWorkspace(env, stringArg(args, "path"))
			if !ok {
				return "Error: path escapes data directory"
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Sprintf("Error: %v", err)
			}
			return string(data)
		},
	}
}

func writeTool() *Tool {
	return &Tool{
		Definition: llm.ToolDefinition{
			Name:        "write",
			Description: "Write a file in the session workspace, creating parent directories.",
			Parameters: schema([]string{"path", "content"}, map[string]llm.Property{
				"path":    prop("Path relative to the workspace root."),
				"content": prop("Full file content to write."),
			}),
		},
		Context: "Writes a file inside the local session workspace.",
		Run: func(_ context.Context, env *Env, args map[string]any) string {
			relative := stringArg(args, "path")
			path, ok := resolveWorkspace(env, relative)
			if !ok {
				return "Error: path escapes data directory"
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return fmt.Sprintf("Error: %v", err)
			}
			if err := os.WriteFile(path, []byte(stringArg(args, "content")), 0o644); err != nil {
				return fmt.Sprintf("Error: %v", err)
			}
			return "Written to " + relative
		},
	}
}

func editTool() *Tool {
	return &Tool{
		Definition: llm.ToolDefinition{
			Name:        "edit",
			Description: "Replace one unique occurrence of a string in a workspace file.",
			Parameters: schema([]string{"path", "old_string", "new_string"}, map[string]llm.Property{
				"path":       prop("Path relative to the workspace root."),
				"old_string": prop("Exact text to replace. Must occur exactly once."),
				"new_string": prop("Replacement text."),
			}),
		},
		Context: "Edits an existing file inside the local session workspace.",
		Run: func(_ context.Context, env *Env, args map[string]any) string {
			relative := stringArg(args, "path")
			path, ok := resolveWorkspace(env, relative)
			if !ok {
				return "Error: path escapes data directory"
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Sprintf("Error: %v", err)
			}
			text := string(data)
			oldString := stringArg(args, "old_string")
			switch count := strings.Count(text, oldString); {
			case oldString == "":
				return "Error: old_string is empty"
			case count == 0:
				return fmt.Sprintf("Error: old_string not found in %s", relative)
			case count > 1:
				return fmt.Sprintf("Error: old_string occurs %d times in %s, must be unique", count, relative)
			}
			updated := strings.Replace(text, oldString, stringArg(args, "new_string"), 1)
			if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
				return fmt.Sprintf("Error: %v", err)
			}
			return fmt.Sprintf("Edited %s:\n```diff\n%s```", relative, renderDiff(text, updated))
		},
	}
}

func applyPatchTool() *Tool {
	return &Tool{
		Definition: llm.ToolDefinition{
			Name:        "apply_patch",
			Description: "Apply a patch (diff-match-patch text format) to a workspace file.",
			Parameters: schema([]string{"path", "patch"}, map[string]llm.Property{
				"path":  prop("Path relative to the workspace root."),
				"patch": prop("Patch text produced by a diff of old against new content."),
			}),
		},
		Context: "Patches an existing file inside the local session workspace.",
		Run: func(_ context.Context, env *Env, args map[string]any) string {
			relative := stringArg(args, "path")
			path, ok := resolveWorkspace(env, relative)
			if !ok {
				return "Error: path escapes data directory"
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Sprintf("Error: %v", err)
			}
			dmp := diffmatchpatch.New()
			patches, err := dmp.PatchFromText(stringArg(args, "patch"))
			if err != nil {
				return fmt.Sprintf("Error: invalid patch: %v", err)
			}
			updated, applied := dmp.PatchApply(patches, string(data))
			for i, ok := range applied {
				if !ok {
					return fmt.Sprintf("Error: hunk %d did not apply to %s", i+1, relative)
				}
			}
			if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
				return fmt.Sprintf("Error: %v", err)
			}
			return fmt.Sprintf("Patched %s (%d hunks)", relative, len(applied))
		},
	}
}

// renderDiff produces a compact line diff for edit results.
func renderDiff(before, after string) string {
	dmp := diffmatchpatch.New()
	beforeChars, afterChars, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(beforeChars, afterChars, false), lines)

	var b strings.Builder
	for _, diff := range diffs {
		prefix := " "
		switch diff.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		case diffmatchpatch.DiffEqual:
			continue
		}
		for _, line := range strings.Split(strings.TrimRight(diff.Text, "\n"), "\n") {
			b.WriteString(prefix + line + "\n")
		}
	}
	return b.String()
}
