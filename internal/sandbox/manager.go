package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"carapace/internal/logging"
	"carapace/internal/observability"
)

const (
	containerPrefix = "carapace-session-"
	sessionLabel    = "carapace.session"
	managedLabel    = "carapace.managed"

	execDefaultTimeout = 120 * time.Second
	venvBuildTimeout   = 120 * time.Second
	approvalTimeout    = 120 * time.Second
)

var skillNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ManagerConfig carries everything the manager needs to build session
// containers.
type ManagerConfig struct {
	Image   string
	Network string
	// DataDir is the data directory as seen by this process.
	DataDir string
	// HostDataDir is the same directory as the Docker daemon sees it.
	// Differs from DataDir when carapace itself runs in a container.
	HostDataDir string
	ProxyPort   int
	IdleTimeout time.Duration
}

// Manager owns one sandbox container per session, plus each session's
// egress allowlist and proxy credentials. All per-session maps are
// guarded by a single mutex; entries across maps for one session are
// created and destroyed together.
type Manager struct {
	runtime Runtime
	cfg     ManagerConfig
	log     logging.Logger
	metrics *observability.Metrics

	mu             sync.Mutex
	containers     map[string]string // session id -> container name
	tokenToSession map[string]string
	sessionTokens  map[string]string
	allowed        map[string]map[string]bool      // permanent patterns
	timed          map[string]map[string]time.Time // pattern -> expiry
	execTemp       map[string]map[string]bool      // cleared per exec
	currentCommand map[string]string
	lastUsed       map[string]time.Time
	pending        map[string]*DomainApproval // request id -> approval
	pendingBySess  map[string][]string
	approvalQueues map[string]chan *DomainApproval
}

func NewManager(runtime Runtime, cfg ManagerConfig, log logging.Logger) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 15 * time.Minute
	}
	return &Manager{
		runtime:        runtime,
		cfg:            cfg,
		log:            logging.OrNop(log),
		containers:     make(map[string]string),
		tokenToSession: make(map[string]string),
		sessionTokens:  make(map[string]string),
		allowed:        make(map[string]map[string]bool),
		timed:          make(map[string]map[string]time.Time),
		execTemp:       make(map[string]map[string]bool),
		currentCommand: make(map[string]string),
		lastUsed:       make(map[string]time.Time),
		pending:        make(map[string]*DomainApproval),
		pendingBySess:  make(map[string][]string),
		approvalQueues: make(map[string]chan *DomainApproval),
	}
}

// SetMetrics attaches the active-session gauge.
func (m *Manager) SetMetrics(metrics *observability.Metrics) {
	m.metrics = metrics
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

func (m *Manager) containerName(sessionID string) string {
	return containerPrefix + sessionID
}

func (m *Manager) sessionDir(sessionID string) string {
	return filepath.Join(m.cfg.DataDir, "sessions", sessionID)
}

func (m *Manager) hostSessionDir(sessionID string) string {
	base := m.cfg.HostDataDir
	if base == "" {
		base = m.cfg.DataDir
	}
	return filepath.Join(base, "sessions", sessionID)
}

func (m *Manager) hostPath(parts ...string) string {
	base := m.cfg.HostDataDir
	if base == "" {
		base = m.cfg.DataDir
	}
	return filepath.Join(append([]string{base}, parts...)...)
}

// EnsureSession makes sure a running sandbox exists for the session and
// returns its container name. Idempotent; a live container is reused.
func (m *Manager) EnsureSession(ctx context.Context, sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureSessionLocked(ctx, sessionID)
}

func (m *Manager) ensureSessionLocked(ctx context.Context, sessionID string) (string, error) {
	if name, ok := m.containers[sessionID]; ok {
		running, err := m.runtime.IsRunning(ctx, name)
		if err == nil && running {
			m.lastUsed[sessionID] = time.Now()
			return name, nil
		}
		m.forgetLocked(sessionID)
	}

	token := randomHex(16)
	// Replace a stale token if this session had one before.
	if old, ok := m.sessionTokens[sessionID]; ok {
		delete(m.tokenToSession, old)
	}

	for _, dir := range []string{"workspace", "skills", "tmp"} {
		if err := os.MkdirAll(filepath.Join(m.sessionDir(sessionID), dir), 0o755); err != nil {
			return "", fmt.Errorf("create session dirs: %w", err)
		}
	}

	hostIP, err := m.runtime.HostIP(ctx, m.cfg.Network)
	if err != nil {
		return "", fmt.Errorf("resolve sandbox host gateway: %w", err)
	}
	proxyURL := fmt.Sprintf("http://%s@%s:%d", token, hostIP, m.cfg.ProxyPort)

	mounts := []Mount{
		{Source: m.hostSessionDir(sessionID) + "/workspace", Target: "/workspace", ReadOnly: false},
		{Source: m.hostSessionDir(sessionID) + "/skills", Target: "/workspace/skills", ReadOnly: false},
		{Source: m.hostSessionDir(sessionID) + "/tmp", Target: "/workspace/tmp", ReadOnly: false},
		{Source: m.hostPath("memory"), Target: "/workspace/memory", ReadOnly: true},
	}
	for _, doc := range []string{"AGENTS.md", "SOUL.md", "USER.md"} {
		if _, err := os.Stat(filepath.Join(m.cfg.DataDir, doc)); err == nil {
			mounts = append(mounts, Mount{Source: m.hostPath(doc), Target: "/workspace/" + doc, ReadOnly: true})
		}
	}

	cfg := ContainerConfig{
		Image: m.cfg.Image,
		Name:  m.containerName(sessionID),
		Labels: map[string]string{
			sessionLabel: sessionID,
			managedLabel: "true",
		},
		Mounts:  mounts,
		Network: m.cfg.Network,
		Command: []string{"sleep", "infinity"},
		Env: map[string]string{
			"HTTP_PROXY":  proxyURL,
			"HTTPS_PROXY": proxyURL,
			"http_proxy":  proxyURL,
			"https_proxy": proxyURL,
			"NO_PROXY":    hostIP,
			"no_proxy":    hostIP,
		},
	}

	name, err := m.runtime.Create(ctx, cfg)
	if err != nil {
		return "", fmt.Errorf("create sandbox: %w", err)
	}

	m.containers[sessionID] = name
	m.tokenToSession[token] = sessionID
	m.sessionTokens[sessionID] = token
	if m.allowed[sessionID] == nil {
		m.allowed[sessionID] = make(map[string]bool)
	}
	if m.timed[sessionID] == nil {
		m.timed[sessionID] = make(map[string]time.Time)
	}
	m.execTemp[sessionID] = make(map[string]bool)
	m.lastUsed[sessionID] = time.Now()
	if m.metrics != nil {
		m.metrics.ActiveSessions.Inc()
	}
	m.log.Info("sandbox ready for session %s (%s)", sessionID, name)
	return name, nil
}

// forgetLocked drops every map entry for a session. Caller holds mu.
func (m *Manager) forgetLocked(sessionID string) {
	if _, ok := m.containers[sessionID]; ok && m.metrics != nil {
		m.metrics.ActiveSessions.Dec()
	}
	if token, ok := m.sessionTokens[sessionID]; ok {
		delete(m.tokenToSession, token)
	}
	delete(m.sessionTokens, sessionID)
	delete(m.containers, sessionID)
	delete(m.allowed, sessionID)
	delete(m.timed, sessionID)
	delete(m.execTemp, sessionID)
	delete(m.currentCommand, sessionID)
	delete(m.lastUsed, sessionID)

	for _, requestID := range m.pendingBySess[sessionID] {
		if approval, ok := m.pending[requestID]; ok {
			approval.Resolve(DecisionDeny)
			delete(m.pending, requestID)
		}
	}
	delete(m.pendingBySess, sessionID)
	delete(m.approvalQueues, sessionID)
}

// ExecCommand runs a shell command inside the session's sandbox. The
// command is recorded so proxy approval prompts can show what triggered
// the network access, and per-exec domain grants reset around each run.
func (m *Manager) ExecCommand(ctx context.Context, sessionID, command string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = execDefaultTimeout
	}

	m.mu.Lock()
	name, err := m.ensureSessionLocked(ctx, sessionID)
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	m.currentCommand[sessionID] = command
	m.execTemp[sessionID] = make(map[string]bool)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.currentCommand, sessionID)
		m.execTemp[sessionID] = make(map[string]bool)
		m.mu.Unlock()
	}()

	result, err := m.runtime.Exec(ctx, name, command, timeout)
	if errors.Is(err, ErrContainerGone) {
		// The container died under us. Rebuild once and retry.
		m.mu.Lock()
		m.forgetLocked(sessionID)
		name, err = m.ensureSessionLocked(ctx, sessionID)
		if err == nil {
			m.currentCommand[sessionID] = command
		}
		m.mu.Unlock()
		if err != nil {
			return "", err
		}
		result, err = m.runtime.Exec(ctx, name, command, timeout)
	}
	if err != nil {
		return "", err
	}

	output := result.Output
	if strings.TrimSpace(output) == "" {
		output = "(no output)"
	}
	if result.ExitCode != 0 && !strings.Contains(output, "[exit code:") {
		output += fmt.Sprintf("\n[exit code: %d]", result.ExitCode)
	}
	return output, nil
}

// ActivateSkill copies a skill into the session workspace and, when the
// skill declares Python dependencies, builds its environment in a
// throwaway container with unrestricted network access.
func (m *Manager) ActivateSkill(ctx context.Context, sessionID, skillName, sourceDir string) error {
	if !skillNamePattern.MatchString(skillName) {
		return fmt.Errorf("invalid skill name: %s", skillName)
	}

	target := filepath.Join(m.sessionDir(sessionID), "skills", skillName)
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("clear previous skill copy: %w", err)
	}
	if err := copyTree(sourceDir, target); err != nil {
		return fmt.Errorf("copy skill %s: %w", skillName, err)
	}

	if _, err := os.Stat(filepath.Join(target, "pyproject.toml")); err != nil {
		return nil
	}
	return m.buildSkillVenv(ctx, sessionID, skillName)
}

// buildSkillVenv runs uv sync in an ephemeral container. The build
// container joins the default network, not the session network, so the
// dependency download bypasses the proxy allowlist.
func (m *Manager) buildSkillVenv(ctx context.Context, sessionID, skillName string) error {
	shortSession := sessionID
	if len(shortSession) > 8 {
		shortSession = shortSession[:8]
	}
	buildName := fmt.Sprintf("carapace-build-%s-%s", shortSession, skillName)
	hostSkill := filepath.Join(m.hostSessionDir(sessionID), "skills", skillName)

	name, err := m.runtime.Create(ctx, ContainerConfig{
		Image:   m.cfg.Image,
		Name:    buildName,
		Labels:  map[string]string{managedLabel: "true"},
		Mounts:  []Mount{{Source: hostSkill, Target: "/build", ReadOnly: false}},
		Command: []string{"sleep", "infinity"},
	})
	if err != nil {
		return &SkillVenvError{Skill: skillName, Output: err.Error()}
	}
	defer func() { _ = m.runtime.Remove(context.Background(), name) }()

	result, err := m.runtime.Exec(ctx, name, "uv sync --directory /build", venvBuildTimeout)
	if err != nil {
		return &SkillVenvError{Skill: skillName, Output: err.Error()}
	}
	if result.ExitCode != 0 {
		return &SkillVenvError{Skill: skillName, Output: result.Output}
	}
	return nil
}

// SaveSkill copies a skill from the session workspace into the
// persistent skills directory, skipping build artifacts.
func (m *Manager) SaveSkill(sessionID, skillName, destDir string) error {
	if !skillNamePattern.MatchString(skillName) {
		return fmt.Errorf("invalid skill name: %s", skillName)
	}
	source := filepath.Join(m.sessionDir(sessionID), "skills", skillName)
	if _, err := os.Stat(filepath.Join(source, "SKILL.md")); err != nil {
		return fmt.Errorf("skill %s has no SKILL.md", skillName)
	}
	target := filepath.Join(destDir, skillName)
	if err := os.RemoveAll(target); err != nil {
		return err
	}
	return copyTreeFiltered(source, target, func(name string) bool {
		return name == ".venv" || name == "__pycache__"
	})
}

// SessionWorkspace is the host path of the session's mounted workspace.
func (m *Manager) SessionWorkspace(sessionID string) string {
	return filepath.Join(m.sessionDir(sessionID), "workspace")
}

// SessionByToken maps a proxy credential back to its session.
func (m *Manager) SessionByToken(token string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessionID, ok := m.tokenToSession[token]
	return sessionID, ok
}

// CurrentCommand is the shell command currently executing for a session,
// if any. Shown in proxy approval prompts.
func (m *Manager) CurrentCommand(sessionID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentCommand[sessionID]
}

// AllowDomains adds permanent allowlist patterns for a session.
func (m *Manager) AllowDomains(sessionID string, patterns ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.allowed[sessionID] == nil {
		m.allowed[sessionID] = make(map[string]bool)
	}
	for _, pattern := range patterns {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern != "" {
			m.allowed[sessionID][pattern] = true
		}
	}
}

// EffectiveDomains snapshots every pattern currently allowed for the
// session: permanent grants, unexpired timed grants, and grants scoped
// to the running exec.
func (m *Manager) EffectiveDomains(sessionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := make(map[string]bool)
	for pattern := range m.allowed[sessionID] {
		set[pattern] = true
	}
	now := time.Now()
	for pattern, expiry := range m.timed[sessionID] {
		if now.Before(expiry) {
			set[pattern] = true
		} else {
			delete(m.timed[sessionID], pattern)
		}
	}
	for pattern := range m.execTemp[sessionID] {
		set[pattern] = true
	}

	patterns := make([]string, 0, len(set))
	for pattern := range set {
		patterns = append(patterns, pattern)
	}
	return patterns
}

// DomainInfos lists the allowlist with human-readable scopes.
func (m *Manager) DomainInfos(sessionID string) []DomainInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	var infos []DomainInfo
	for pattern := range m.allowed[sessionID] {
		infos = append(infos, DomainInfo{Domain: pattern, Scope: "permanent"})
	}
	now := time.Now()
	for pattern, expiry := range m.timed[sessionID] {
		if now.Before(expiry) {
			infos = append(infos, DomainInfo{Domain: pattern, Scope: timedScope(expiry)})
		}
	}
	for pattern := range m.execTemp[sessionID] {
		infos = append(infos, DomainInfo{Domain: pattern, Scope: "this exec only"})
	}
	return infos
}

// IsDomainAllowed checks a request domain against the effective
// allowlist.
func (m *Manager) IsDomainAllowed(sessionID, domain string) bool {
	for _, pattern := range m.EffectiveDomains(sessionID) {
		if MatchesDomain(domain, pattern) {
			return true
		}
	}
	return false
}

// RequestDomainApproval asks the user whether a blocked domain should be
// allowed, blocking until a decision arrives or the request times out.
// Timeouts deny.
func (m *Manager) RequestDomainApproval(ctx context.Context, sessionID, domain string) bool {
	approval := &DomainApproval{
		RequestID: randomHex(8),
		SessionID: sessionID,
		Domain:    domain,
		Command:   m.CurrentCommand(sessionID),
		decision:  make(chan DomainDecision, 1),
	}

	m.mu.Lock()
	m.pending[approval.RequestID] = approval
	m.pendingBySess[sessionID] = append(m.pendingBySess[sessionID], approval.RequestID)
	queue := m.approvalQueueLocked(sessionID)
	m.mu.Unlock()

	select {
	case queue <- approval:
	default:
		// Nobody is draining approvals; fail closed rather than block
		// the proxy connection forever.
		m.dropPending(approval)
		return false
	}

	var decision DomainDecision
	select {
	case decision = <-approval.decision:
	case <-time.After(approvalTimeout):
		approval.Resolve(DecisionDeny)
		decision = <-approval.decision
	case <-ctx.Done():
		approval.Resolve(DecisionDeny)
		decision = <-approval.decision
	}
	m.dropPending(approval)

	return m.applyDecision(sessionID, domain, decision)
}

func (m *Manager) dropPending(approval *DomainApproval) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, approval.RequestID)
	ids := m.pendingBySess[approval.SessionID]
	for i, id := range ids {
		if id == approval.RequestID {
			m.pendingBySess[approval.SessionID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

func (m *Manager) applyDecision(sessionID, domain string, decision DomainDecision) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ensure := func() {
		if m.execTemp[sessionID] == nil {
			m.execTemp[sessionID] = make(map[string]bool)
		}
		if m.timed[sessionID] == nil {
			m.timed[sessionID] = make(map[string]time.Time)
		}
	}

	switch decision {
	case DecisionAllowOnce:
		ensure()
		m.execTemp[sessionID][strings.ToLower(domain)] = true
		return true
	case DecisionAllowAllOnce:
		ensure()
		m.execTemp[sessionID]["*"] = true
		return true
	case DecisionAllow15Min:
		ensure()
		m.timed[sessionID][strings.ToLower(domain)] = time.Now().Add(15 * time.Minute)
		return true
	case DecisionAllowAll15Min:
		ensure()
		m.timed[sessionID]["*"] = time.Now().Add(15 * time.Minute)
		return true
	default:
		return false
	}
}

func (m *Manager) approvalQueueLocked(sessionID string) chan *DomainApproval {
	queue, ok := m.approvalQueues[sessionID]
	if !ok {
		queue = make(chan *DomainApproval, 16)
		m.approvalQueues[sessionID] = queue
	}
	return queue
}

// NextDomainApproval blocks until a proxy approval for the session needs
// user attention.
func (m *Manager) NextDomainApproval(ctx context.Context, sessionID string) (*DomainApproval, error) {
	m.mu.Lock()
	queue := m.approvalQueueLocked(sessionID)
	m.mu.Unlock()

	select {
	case approval := <-queue:
		return approval, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ResolveDomainApproval delivers the user's decision for a pending
// request. Unknown request ids are ignored.
func (m *Manager) ResolveDomainApproval(requestID string, decision DomainDecision) {
	m.mu.Lock()
	approval, ok := m.pending[requestID]
	m.mu.Unlock()
	if ok {
		approval.Resolve(decision)
	}
}

// DenySessionApprovals denies everything pending for a session. Called
// when the user channel disconnects.
func (m *Manager) DenySessionApprovals(sessionID string) {
	m.mu.Lock()
	ids := append([]string(nil), m.pendingBySess[sessionID]...)
	approvals := make([]*DomainApproval, 0, len(ids))
	for _, id := range ids {
		if approval, ok := m.pending[id]; ok {
			approvals = append(approvals, approval)
		}
	}
	m.mu.Unlock()
	for _, approval := range approvals {
		approval.Resolve(DecisionDeny)
	}
}

// CleanupSession tears down a session's container and state.
func (m *Manager) CleanupSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	name, had := m.containers[sessionID]
	m.forgetLocked(sessionID)
	m.mu.Unlock()

	if !had {
		return nil
	}
	if err := m.runtime.Remove(ctx, name); err != nil {
		return fmt.Errorf("remove sandbox for %s: %w", sessionID, err)
	}
	m.log.Info("removed sandbox for session %s", sessionID)
	return nil
}

// CleanupIdle removes sandboxes unused for longer than the idle timeout
// and returns the affected session ids.
func (m *Manager) CleanupIdle(ctx context.Context) []string {
	m.mu.Lock()
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)
	var idle []string
	for sessionID, last := range m.lastUsed {
		if last.Before(cutoff) {
			idle = append(idle, sessionID)
		}
	}
	m.mu.Unlock()

	for _, sessionID := range idle {
		if err := m.CleanupSession(ctx, sessionID); err != nil {
			m.log.Warn("idle cleanup for %s: %v", sessionID, err)
		}
	}
	return idle
}

// RunIdleSweeper cleans up idle sandboxes every minute until ctx ends.
func (m *Manager) RunIdleSweeper(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CleanupIdle(ctx)
		}
	}
}

// CleanupAll removes every managed sandbox. Used at shutdown.
func (m *Manager) CleanupAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.containers))
	for sessionID := range m.containers {
		ids = append(ids, sessionID)
	}
	m.mu.Unlock()

	for _, sessionID := range ids {
		if err := m.CleanupSession(ctx, sessionID); err != nil {
			m.log.Warn("shutdown cleanup for %s: %v", sessionID, err)
		}
	}
}

// copyTree duplicates a directory recursively.
func copyTree(source, target string) error {
	return copyTreeFiltered(source, target, func(string) bool { return false })
}

func copyTreeFiltered(source, target string, skip func(name string) bool) error {
	return filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if skip(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		relative, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		dest := filepath.Join(target, relative)
		if d.IsDir() {
			return os.MkdirAll(dest, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return os.WriteFile(dest, data, info.Mode().Perm())
	})
}
