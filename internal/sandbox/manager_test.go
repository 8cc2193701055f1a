package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carapace/internal/logging"
	"carapace/internal/observability"
)

// fakeRuntime is an in-memory container engine.
type fakeRuntime struct {
	mu       sync.Mutex
	created  []ContainerConfig
	removed  []string
	running  map[string]bool
	execFn   func(containerID, command string) (ExecResult, error)
	createFn func(cfg ContainerConfig) error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{running: make(map[string]bool)}
}

func (f *fakeRuntime) Create(_ context.Context, cfg ContainerConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createFn != nil {
		if err := f.createFn(cfg); err != nil {
			return "", err
		}
	}
	f.created = append(f.created, cfg)
	f.running[cfg.Name] = true
	return cfg.Name, nil
}

func (f *fakeRuntime) Exec(_ context.Context, containerID, command string, _ time.Duration) (ExecResult, error) {
	f.mu.Lock()
	fn := f.execFn
	f.mu.Unlock()
	if fn != nil {
		return fn(containerID, command)
	}
	return ExecResult{ExitCode: 0, Output: "ok"}, nil
}

func (f *fakeRuntime) Remove(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, containerID)
	delete(f.running, containerID)
	return nil
}

func (f *fakeRuntime) IsRunning(_ context.Context, containerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[containerID], nil
}

func (f *fakeRuntime) ContainerIP(context.Context, string, string) (string, error) {
	return "172.30.0.2", nil
}

func (f *fakeRuntime) HostIP(context.Context, string) (string, error) {
	return "172.30.0.1", nil
}

func newTestManager(t *testing.T, runtime Runtime) *Manager {
	t.Helper()
	return NewManager(runtime, ManagerConfig{
		Image:       "carapace-sandbox:latest",
		Network:     "carapace-net",
		DataDir:     t.TempDir(),
		ProxyPort:   3128,
		IdleTimeout: 15 * time.Minute,
	}, logging.Nop())
}

func TestManagerTracksActiveSessions(t *testing.T) {
	t.Parallel()
	runtime := newFakeRuntime()
	manager := newTestManager(t, runtime)
	metrics := observability.New()
	manager.SetMetrics(metrics)

	_, err := manager.EnsureSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ActiveSessions))

	// Re-ensuring a live session does not double count.
	_, err = manager.EnsureSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ActiveSessions))

	require.NoError(t, manager.CleanupSession(context.Background(), "s1"))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.ActiveSessions))
}

func TestEnsureSessionCreatesContainer(t *testing.T) {
	t.Parallel()
	runtime := newFakeRuntime()
	manager := newTestManager(t, runtime)

	name, err := manager.EnsureSession(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, "carapace-session-abc123", name)

	require.Len(t, runtime.created, 1)
	cfg := runtime.created[0]
	assert.Equal(t, "abc123", cfg.Labels["carapace.session"])
	assert.Equal(t, []string{"sleep", "infinity"}, cfg.Command)
	assert.Equal(t, "carapace-net", cfg.Network)

	proxyURL := cfg.Env["HTTP_PROXY"]
	assert.True(t, strings.HasPrefix(proxyURL, "http://"), proxyURL)
	assert.Contains(t, proxyURL, "@172.30.0.1:3128")
	assert.Equal(t, proxyURL, cfg.Env["HTTPS_PROXY"])
	assert.Equal(t, "172.30.0.1", cfg.Env["NO_PROXY"])

	// The embedded token maps back to the session.
	token := strings.TrimPrefix(proxyURL, "http://")
	token = token[:strings.Index(token, "@")]
	sessionID, ok := manager.SessionByToken(token)
	require.True(t, ok)
	assert.Equal(t, "abc123", sessionID)

	// Second ensure reuses the live container.
	_, err = manager.EnsureSession(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Len(t, runtime.created, 1)
}

func TestExecCommandDecoratesOutput(t *testing.T) {
	t.Parallel()
	runtime := newFakeRuntime()
	manager := newTestManager(t, runtime)

	runtime.execFn = func(_, _ string) (ExecResult, error) {
		return ExecResult{ExitCode: 2, Output: "boom"}, nil
	}
	out, err := manager.ExecCommand(context.Background(), "s1", "false", 0)
	require.NoError(t, err)
	assert.Equal(t, "boom\n[exit code: 2]", out)

	runtime.execFn = func(_, _ string) (ExecResult, error) {
		return ExecResult{ExitCode: 0, Output: "  \n"}, nil
	}
	out, err = manager.ExecCommand(context.Background(), "s1", "true", 0)
	require.NoError(t, err)
	assert.Equal(t, "(no output)", out)
}

func TestExecCommandRecreatesGoneContainer(t *testing.T) {
	t.Parallel()
	runtime := newFakeRuntime()
	manager := newTestManager(t, runtime)

	var calls int
	runtime.execFn = func(_, _ string) (ExecResult, error) {
		calls++
		if calls == 1 {
			return ExecResult{}, ErrContainerGone
		}
		return ExecResult{ExitCode: 0, Output: "recovered"}, nil
	}

	out, err := manager.ExecCommand(context.Background(), "s1", "echo hi", 0)
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)
	assert.Equal(t, 2, calls)
	// Initial create plus the rebuild.
	assert.Len(t, runtime.created, 2)
}

func TestExecCommandTracksCurrentCommand(t *testing.T) {
	t.Parallel()
	runtime := newFakeRuntime()
	manager := newTestManager(t, runtime)

	var seen string
	runtime.execFn = func(_, _ string) (ExecResult, error) {
		seen = manager.CurrentCommand("s1")
		return ExecResult{Output: "x"}, nil
	}
	_, err := manager.ExecCommand(context.Background(), "s1", "curl example.com", 0)
	require.NoError(t, err)
	assert.Equal(t, "curl example.com", seen)
	assert.Empty(t, manager.CurrentCommand("s1"))
}

func TestDomainScopes(t *testing.T) {
	t.Parallel()
	manager := newTestManager(t, newFakeRuntime())

	manager.AllowDomains("s1", "api.github.com", "*.Example.com ")
	assert.True(t, manager.IsDomainAllowed("s1", "api.github.com"))
	assert.True(t, manager.IsDomainAllowed("s1", "cdn.example.com"))
	assert.False(t, manager.IsDomainAllowed("s1", "example.com"))
	assert.False(t, manager.IsDomainAllowed("s1", "evil.net"))

	assert.True(t, manager.applyDecision("s1", "evil.net", DecisionAllowOnce))
	assert.True(t, manager.IsDomainAllowed("s1", "evil.net"))

	infos := manager.DomainInfos("s1")
	scopes := map[string]string{}
	for _, info := range infos {
		scopes[info.Domain] = info.Scope
	}
	assert.Equal(t, "permanent", scopes["api.github.com"])
	assert.Equal(t, "this exec only", scopes["evil.net"])
}

func TestTimedGrantExpires(t *testing.T) {
	t.Parallel()
	manager := newTestManager(t, newFakeRuntime())

	manager.applyDecision("s1", "slow.example", DecisionAllow15Min)
	assert.True(t, manager.IsDomainAllowed("s1", "slow.example"))

	manager.mu.Lock()
	manager.timed["s1"]["slow.example"] = time.Now().Add(-time.Second)
	manager.mu.Unlock()
	assert.False(t, manager.IsDomainAllowed("s1", "slow.example"))
}

func TestExecResetsTemporaryGrants(t *testing.T) {
	t.Parallel()
	runtime := newFakeRuntime()
	manager := newTestManager(t, runtime)

	manager.applyDecision("s1", "once.example", DecisionAllowOnce)
	require.True(t, manager.IsDomainAllowed("s1", "once.example"))

	_, err := manager.ExecCommand(context.Background(), "s1", "true", 0)
	require.NoError(t, err)
	assert.False(t, manager.IsDomainAllowed("s1", "once.example"))
}

func TestRequestDomainApprovalRoundTrip(t *testing.T) {
	t.Parallel()
	manager := newTestManager(t, newFakeRuntime())

	done := make(chan bool, 1)
	go func() {
		done <- manager.RequestDomainApproval(context.Background(), "s1", "newsite.io")
	}()

	approval, err := manager.NextDomainApproval(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", approval.SessionID)
	assert.Equal(t, "newsite.io", approval.Domain)

	manager.ResolveDomainApproval(approval.RequestID, DecisionAllow15Min)
	assert.True(t, <-done)
	assert.True(t, manager.IsDomainAllowed("s1", "newsite.io"))
}

func TestRequestDomainApprovalDeny(t *testing.T) {
	t.Parallel()
	manager := newTestManager(t, newFakeRuntime())

	done := make(chan bool, 1)
	go func() {
		done <- manager.RequestDomainApproval(context.Background(), "s1", "blocked.io")
	}()

	approval, err := manager.NextDomainApproval(context.Background(), "s1")
	require.NoError(t, err)
	manager.ResolveDomainApproval(approval.RequestID, DecisionDeny)

	assert.False(t, <-done)
	assert.False(t, manager.IsDomainAllowed("s1", "blocked.io"))
}

func TestDenySessionApprovals(t *testing.T) {
	t.Parallel()
	manager := newTestManager(t, newFakeRuntime())

	done := make(chan bool, 1)
	go func() {
		done <- manager.RequestDomainApproval(context.Background(), "s1", "pending.io")
	}()
	_, err := manager.NextDomainApproval(context.Background(), "s1")
	require.NoError(t, err)

	manager.DenySessionApprovals("s1")
	assert.False(t, <-done)
}

func TestCleanupSession(t *testing.T) {
	t.Parallel()
	runtime := newFakeRuntime()
	manager := newTestManager(t, runtime)

	_, err := manager.EnsureSession(context.Background(), "s1")
	require.NoError(t, err)
	token := findToken(t, runtime.created[0])

	require.NoError(t, manager.CleanupSession(context.Background(), "s1"))
	assert.Equal(t, []string{"carapace-session-s1"}, runtime.removed)

	_, ok := manager.SessionByToken(token)
	assert.False(t, ok)

	// Cleaning an unknown session is a no-op.
	require.NoError(t, manager.CleanupSession(context.Background(), "missing"))
}

func TestCleanupIdle(t *testing.T) {
	t.Parallel()
	runtime := newFakeRuntime()
	manager := newTestManager(t, runtime)

	_, err := manager.EnsureSession(context.Background(), "old")
	require.NoError(t, err)
	_, err = manager.EnsureSession(context.Background(), "fresh")
	require.NoError(t, err)

	manager.mu.Lock()
	manager.lastUsed["old"] = time.Now().Add(-time.Hour)
	manager.mu.Unlock()

	idle := manager.CleanupIdle(context.Background())
	assert.Equal(t, []string{"old"}, idle)
	assert.Equal(t, []string{"carapace-session-old"}, runtime.removed)
}

func TestActivateSkillCopiesAndValidates(t *testing.T) {
	t.Parallel()
	runtime := newFakeRuntime()
	manager := newTestManager(t, runtime)

	source := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(source, "SKILL.md"), []byte("---\nname: demo\n---\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(source, "scripts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(source, "scripts", "run.py"), []byte("print('hi')\n"), 0o644))

	require.NoError(t, manager.ActivateSkill(context.Background(), "s1", "demo", source))

	copied := filepath.Join(manager.sessionDir("s1"), "skills", "demo", "scripts", "run.py")
	_, err := os.Stat(copied)
	assert.NoError(t, err)

	assert.ErrorContains(t, manager.ActivateSkill(context.Background(), "s1", "../escape", source), "invalid skill name")
}

func TestActivateSkillBuildsVenv(t *testing.T) {
	t.Parallel()
	runtime := newFakeRuntime()
	manager := newTestManager(t, runtime)

	source := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(source, "SKILL.md"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(source, "pyproject.toml"), []byte("[project]\n"), 0o644))

	var buildCommand string
	runtime.execFn = func(container, command string) (ExecResult, error) {
		buildCommand = command
		return ExecResult{ExitCode: 0, Output: "Resolved 3 packages"}, nil
	}

	require.NoError(t, manager.ActivateSkill(context.Background(), "sess5678abcd", "demo", source))
	assert.Equal(t, "uv sync --directory /build", buildCommand)

	// Build container uses a truncated session id and is removed after.
	names := []string{}
	for _, cfg := range runtime.created {
		names = append(names, cfg.Name)
	}
	assert.Contains(t, names, "carapace-build-sess5678-demo")
	assert.Contains(t, runtime.removed, "carapace-build-sess5678-demo")
}

func TestActivateSkillVenvFailure(t *testing.T) {
	t.Parallel()
	runtime := newFakeRuntime()
	manager := newTestManager(t, runtime)

	source := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(source, "SKILL.md"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(source, "pyproject.toml"), []byte("[project]\n"), 0o644))

	runtime.execFn = func(_, _ string) (ExecResult, error) {
		return ExecResult{ExitCode: 1, Output: "no matching distribution"}, nil
	}

	err := manager.ActivateSkill(context.Background(), "s1", "demo", source)
	var venvErr *SkillVenvError
	require.True(t, errors.As(err, &venvErr))
	assert.Equal(t, "demo", venvErr.Skill)
	assert.Contains(t, venvErr.Output, "no matching distribution")

	// The copy still happened; the skill is usable without its venv.
	_, statErr := os.Stat(filepath.Join(manager.sessionDir("s1"), "skills", "demo", "SKILL.md"))
	assert.NoError(t, statErr)
}

func TestSaveSkillFiltersArtifacts(t *testing.T) {
	t.Parallel()
	manager := newTestManager(t, newFakeRuntime())

	skillDir := filepath.Join(manager.sessionDir("s1"), "skills", "built")
	require.NoError(t, os.MkdirAll(filepath.Join(skillDir, ".venv", "bin"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(skillDir, "__pycache__"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(skillDir, "SKILL.md"), []byte("---\nname: built\n---\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(skillDir, ".venv", "bin", "python"), []byte("elf"), 0o755))

	dest := t.TempDir()
	require.NoError(t, manager.SaveSkill("s1", "built", dest))

	_, err := os.Stat(filepath.Join(dest, "built", "SKILL.md"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dest, "built", ".venv"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dest, "built", "__pycache__"))
	assert.True(t, os.IsNotExist(err))
}

func findToken(t *testing.T, cfg ContainerConfig) string {
	t.Helper()
	proxyURL := cfg.Env["HTTP_PROXY"]
	rest := strings.TrimPrefix(proxyURL, "http://")
	at := strings.Index(rest, "@")
	require.Positive(t, at)
	return rest[:at]
}
