package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8321, cfg.Server.Port)
	assert.Equal(t, 3128, cfg.Proxy.Port)
	assert.Equal(t, "carapace-sandbox:latest", cfg.Sandbox.BaseImage)
	assert.Equal(t, 15, cfg.Sandbox.IdleTimeoutMinutes)
	assert.Equal(t, "mock", cfg.Credentials.Backend)
}

func TestLoadReadsYAML(t *testing.T) {
	dir := t.TempDir()
	content := `
server:
  port: 9999
sandbox:
  base_image: alpine:3.19
  idle_timeout_minutes: 5
agent:
  model: claude-opus-4-1
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host) // default kept
	assert.Equal(t, "alpine:3.19", cfg.Sandbox.BaseImage)
	assert.Equal(t, 5, cfg.Sandbox.IdleTimeoutMinutes)
	assert.Equal(t, "claude-opus-4-1", cfg.Agent.Model)
}

func TestLoadMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server: [not: a map"), 0o644))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestDataDirEnvOverride(t *testing.T) {
	t.Setenv("CARAPACE_DATA_DIR", "/tmp/carapace-test-data")
	assert.Equal(t, "/tmp/carapace-test-data", DataDir())
}

func TestHostDataDir(t *testing.T) {
	t.Setenv("CARAPACE_HOST_DATA_DIR", "/host/data")
	assert.Equal(t, "/host/data", HostDataDir())
}

func TestLoadWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SOUL.md"), []byte("# Soul\n"), 0o644))

	assert.Equal(t, "# Soul\n", LoadWorkspaceFile(dir, "SOUL.md"))
	assert.Equal(t, "", LoadWorkspaceFile(dir, "MISSING.md"))
}
