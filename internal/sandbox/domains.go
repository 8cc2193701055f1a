package sandbox

import (
	"strings"
	"sync"
	"time"
)

// MatchesDomain reports whether a request domain satisfies an allowlist
// pattern. "*" allows everything. "*.example.com" allows any subdomain
// but not the bare apex. Comparison is case-insensitive.
func MatchesDomain(domain, pattern string) bool {
	domain = strings.ToLower(strings.TrimSpace(domain))
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if pattern == "*" {
		return true
	}
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return domain != suffix && strings.HasSuffix(domain, "."+suffix)
	}
	return domain == pattern
}

// DomainDecision is the user's answer to a proxy approval request.
type DomainDecision string

const (
	DecisionAllowOnce     DomainDecision = "allow_once"
	DecisionAllowAllOnce  DomainDecision = "allow_all_once"
	DecisionAllow15Min    DomainDecision = "allow_15min"
	DecisionAllowAll15Min DomainDecision = "allow_all_15min"
	DecisionDeny          DomainDecision = "deny"
)

// DomainInfo is one allowlist entry with its scope, for display.
type DomainInfo struct {
	Domain string `json:"domain"`
	Scope  string `json:"scope"`
}

// DomainApproval is a pending request for the user to allow a domain.
type DomainApproval struct {
	RequestID string
	SessionID string
	Domain    string
	Command   string

	decision    chan DomainDecision
	resolveOnce sync.Once
}

// Resolve records the user's decision. Only the first call counts;
// later calls (timeout racing the user, duplicate messages) are no-ops.
func (a *DomainApproval) Resolve(decision DomainDecision) {
	a.resolveOnce.Do(func() { a.decision <- decision })
}

func timedScope(expiry time.Time) string {
	return "until " + expiry.Format("15:04:05")
}
