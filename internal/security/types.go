package security

import "strings"

// RuleMode controls what happens when a rule's effect applies.
type RuleMode string

const (
	ModeApprove RuleMode = "approve"
	ModeBlock   RuleMode = "block"
)

// Rule is one natural-language security rule. Trigger and effect are English
// predicates evaluated by an LLM; the literal trigger "always" is true without
// evaluation.
type Rule struct {
	ID          string   `yaml:"id" json:"id"`
	Trigger     string   `yaml:"trigger" json:"trigger"`
	Effect      string   `yaml:"effect" json:"effect"`
	Mode        RuleMode `yaml:"mode" json:"mode"`
	Description string   `yaml:"description" json:"description"`
}

// AlwaysOn reports whether the rule's trigger is the literal "always".
func (r Rule) AlwaysOn() bool {
	return strings.EqualFold(strings.TrimSpace(r.Trigger), "always")
}

// RulesConfig is the top-level shape of rules.yaml.
type RulesConfig struct {
	Rules []Rule `yaml:"rules"`
}

// OperationType is the classifier's coarse label for a tool call.
type OperationType string

const (
	OpReadLocal        OperationType = "read_local"
	OpWriteLocal       OperationType = "write_local"
	OpReadExternal     OperationType = "read_external"
	OpWriteExternal    OperationType = "write_external"
	OpReadSensitive    OperationType = "read_sensitive"
	OpWriteSensitive   OperationType = "write_sensitive"
	OpExecute          OperationType = "execute"
	OpCredentialAccess OperationType = "credential_access"
	OpMemoryRead       OperationType = "memory_read"
	OpMemoryWrite      OperationType = "memory_write"
	OpSkillModify      OperationType = "skill_modify"
)

// OperationTypes lists every valid classification label.
var OperationTypes = []OperationType{
	OpReadLocal, OpWriteLocal, OpReadExternal, OpWriteExternal,
	OpReadSensitive, OpWriteSensitive, OpExecute, OpCredentialAccess,
	OpMemoryRead, OpMemoryWrite, OpSkillModify,
}

// ValidOperationType reports whether s is a known classification label.
func ValidOperationType(s string) bool {
	for _, t := range OperationTypes {
		if string(t) == s {
			return true
		}
	}
	return false
}

// OperationClassification is the classifier's verdict for one tool call.
type OperationClassification struct {
	OperationType OperationType `json:"operation_type"`
	Categories    []string      `json:"categories"`
	Description   string        `json:"description"`
	Confidence    float64       `json:"confidence"`
}

// RuleCheckResult is the rule engine's aggregate verdict for one operation.
type RuleCheckResult struct {
	NeedsApproval      bool     `json:"needs_approval"`
	Blocked            bool     `json:"blocked"`
	TriggeredRules     []string `json:"triggered_rules"`
	NewlyActivatedRules []string `json:"newly_activated_rules"`
	Descriptions       []string `json:"descriptions"`
}

// Verdict is the gate's final decision for one tool call.
type Verdict int

const (
	VerdictPass Verdict = iota
	VerdictApprovalRequired
	VerdictBlocked
)

func (v Verdict) String() string {
	switch v {
	case VerdictPass:
		return "pass"
	case VerdictApprovalRequired:
		return "approval_required"
	case VerdictBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Decision carries the gate verdict plus the metadata surfaced to the user.
type Decision struct {
	Verdict        Verdict
	Classification OperationClassification
	TriggeredRules []string
	Descriptions   []string
}
