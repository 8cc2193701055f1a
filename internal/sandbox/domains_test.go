package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchesDomain(t *testing.T) {
	t.Parallel()

	cases := []struct {
		domain  string
		pattern string
		want    bool
	}{
		{"example.com", "example.com", true},
		{"Example.COM", "example.com", true},
		{"example.com", "example.org", false},
		{"api.example.com", "*.example.com", true},
		{"deep.api.example.com", "*.example.com", true},
		// The apex itself is not a subdomain.
		{"example.com", "*.example.com", false},
		{"evilexample.com", "*.example.com", false},
		{"anything.at.all", "*", true},
		{"  example.com ", "example.com", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MatchesDomain(tc.domain, tc.pattern),
			"domain=%q pattern=%q", tc.domain, tc.pattern)
	}
}

func TestDomainApprovalResolveOnce(t *testing.T) {
	t.Parallel()

	approval := &DomainApproval{
		RequestID: "r1",
		decision:  make(chan DomainDecision, 1),
	}
	approval.Resolve(DecisionAllowOnce)
	approval.Resolve(DecisionDeny)

	assert.Equal(t, DecisionAllowOnce, <-approval.decision)
	select {
	case extra := <-approval.decision:
		t.Fatalf("unexpected second decision %q", extra)
	default:
	}
}
