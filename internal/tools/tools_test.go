package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carapace/internal/credentials"
	"carapace/internal/logging"
	"carapace/internal/memory"
	"carapace/internal/session"
	"carapace/internal/skills"
)

func newEnv(t *testing.T) *Env {
	t.Helper()
	dataDir := t.TempDir()
	store, err := memory.NewStore(dataDir)
	require.NoError(t, err)

	workspace := filepath.Join(dataDir, "sessions", "s1", "workspace")
	require.NoError(t, os.MkdirAll(workspace, 0o755))

	return &Env{
		SessionID:   "s1",
		State:       &session.State{SessionID: "s1"},
		Workspace:   workspace,
		Memory:      store,
		Skills:      skills.NewRegistry(dataDir),
		Credentials: credentials.NewMockBroker(),
		Log:         logging.Nop(),
	}
}

func run(t *testing.T, env *Env, name string, args map[string]any) string {
	t.Helper()
	tool, ok := NewRegistry().Get(name)
	require.True(t, ok, name)
	return tool.Run(context.Background(), env, args)
}

func TestRegistryDefinitions(t *testing.T) {
	t.Parallel()
	registry := NewRegistry()

	defs := registry.Definitions()
	names := make([]string, 0, len(defs))
	for _, def := range defs {
		names = append(names, def.Name)
	}
	assert.Contains(t, names, "exec")
	assert.Contains(t, names, "activate_skill")
	assert.Contains(t, names, "get_credential")

	readMemory, ok := registry.Get("read_memory")
	require.True(t, ok)
	assert.True(t, readMemory.Ungated)
	execTool, ok := registry.Get("exec")
	require.True(t, ok)
	assert.False(t, execTool.Ungated)
}

func TestWriteAndReadFile(t *testing.T) {
	t.Parallel()
	env := newEnv(t)

	result := run(t, env, "write", map[string]any{"path": "notes/plan.md", "content": "step 1\n"})
	assert.Equal(t, "Written to notes/plan.md", result)

	result = run(t, env, "read", map[string]any{"path": "notes/plan.md"})
	assert.Equal(t, "step 1\n", result)
}

func TestFilePathEscape(t *testing.T) {
	t.Parallel()
	env := newEnv(t)

	for _, name := range []string{"read", "write", "edit", "apply_patch"} {
		result := run(t, env, name, map[string]any{
			"path": "../../../etc/passwd", "content": "x", "old_string": "a", "new_string": "b", "patch": "",
		})
		assert.Equal(t, "Error: path escapes data directory", result, name)
	}
}

func TestEdit(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	run(t, env, "write", map[string]any{"path": "a.txt", "content": "alpha\nbeta\ngamma\n"})

	result := run(t, env, "edit", map[string]any{"path": "a.txt", "old_string": "beta", "new_string": "delta"})
	assert.True(t, strings.HasPrefix(result, "Edited a.txt:\n```diff\n"), result)
	assert.Contains(t, result, "-beta")
	assert.Contains(t, result, "+delta")

	assert.Equal(t, "alpha\ndelta\ngamma\n", run(t, env, "read", map[string]any{"path": "a.txt"}))
}

func TestEditUniqueness(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	run(t, env, "write", map[string]any{"path": "a.txt", "content": "dup\ndup\n"})

	result := run(t, env, "edit", map[string]any{"path": "a.txt", "old_string": "dup", "new_string": "x"})
	assert.Equal(t, "Error: old_string occurs 2 times in a.txt, must be unique", result)

	result = run(t, env, "edit", map[string]any{"path": "a.txt", "old_string": "absent", "new_string": "x"})
	assert.Equal(t, "Error: old_string not found in a.txt", result)
}

func TestApplyPatch(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	before := "hello world\n"
	after := "hello there, world\n"
	run(t, env, "write", map[string]any{"path": "p.txt", "content": before})

	dmp := diffmatchpatch.New()
	patch := dmp.PatchToText(dmp.PatchMake(before, after))

	result := run(t, env, "apply_patch", map[string]any{"path": "p.txt", "patch": patch})
	assert.Equal(t, "Patched p.txt (1 hunks)", result)
	assert.Equal(t, after, run(t, env, "read", map[string]any{"path": "p.txt"}))
}

func TestMemoryTools(t *testing.T) {
	t.Parallel()
	env := newEnv(t)

	result := run(t, env, "write_memory", map[string]any{"path": "people.md", "content": "Ada prefers terse replies\n"})
	assert.Equal(t, "Written to memory/people.md", result)

	assert.Equal(t, "Ada prefers terse replies\n", run(t, env, "read_memory", map[string]any{"path": "people.md"}))
	assert.Contains(t, run(t, env, "search_memory", map[string]any{"query": "terse"}), "people.md")
	assert.Equal(t, "No matches.", run(t, env, "search_memory", map[string]any{"query": "zzz"}))
	assert.Contains(t, run(t, env, "read_memory", map[string]any{"path": "missing.md"}), "Error:")
}

func TestListSkills(t *testing.T) {
	t.Parallel()
	env := newEnv(t)

	assert.Equal(t, "No skills installed.", run(t, env, "list_skills", nil))

	skillDir := filepath.Join(env.Skills.Root(), "demo")
	require.NoError(t, os.MkdirAll(skillDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(skillDir, "SKILL.md"),
		[]byte("---\nname: demo\ndescription: does things\n---\nbody"), 0o644))

	assert.Equal(t, "- demo: does things", run(t, env, "list_skills", nil))
}

func TestGetCredential(t *testing.T) {
	t.Parallel()
	env := newEnv(t)

	assert.Equal(t, "<mock-value-for-api-key>", run(t, env, "get_credential", map[string]any{"name": "api-key"}))
	assert.Contains(t, run(t, env, "get_credential", map[string]any{"name": ""}), "Error:")
}
