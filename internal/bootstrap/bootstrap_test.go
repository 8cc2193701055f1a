package bootstrap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDataDirSeedsEverything(t *testing.T) {
	t.Parallel()
	dataDir := t.TempDir()

	created, err := EnsureDataDir(dataDir)
	require.NoError(t, err)
	assert.Contains(t, created, "config.yaml")
	assert.Contains(t, created, "rules.yaml")
	assert.Contains(t, created, filepath.Join("memory", "CORE.md"))
	assert.Contains(t, created, filepath.Join("skills", "create-skill", "SKILL.md"))

	for _, path := range []string{"config.yaml", "rules.yaml", "SOUL.md", "USER.md", "memory/CORE.md", "sessions"} {
		_, err := os.Stat(filepath.Join(dataDir, path))
		assert.NoError(t, err, path)
	}
}

func TestEnsureDataDirPreservesUserEdits(t *testing.T) {
	t.Parallel()
	dataDir := t.TempDir()

	_, err := EnsureDataDir(dataDir)
	require.NoError(t, err)

	soul := filepath.Join(dataDir, "SOUL.md")
	require.NoError(t, os.WriteFile(soul, []byte("customized"), 0o644))

	created, err := EnsureDataDir(dataDir)
	require.NoError(t, err)
	assert.Empty(t, created)

	data, err := os.ReadFile(soul)
	require.NoError(t, err)
	assert.Equal(t, "customized", string(data))
}

func TestSkillsSeededOnlyWhenAbsent(t *testing.T) {
	t.Parallel()
	dataDir := t.TempDir()

	// A user-managed skills directory, even empty, is left alone.
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "skills"), 0o755))

	_, err := EnsureDataDir(dataDir)
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dataDir, "skills"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}
