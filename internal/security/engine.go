package security

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"carapace/internal/llm"
	"carapace/internal/logging"
	"carapace/internal/session"
)

const evaluatorInstructions = "You are a security rule evaluator. You will be given:\n" +
	"1. A rule with a trigger condition and an effect description\n" +
	"2. The current session state (which rules are activated)\n" +
	"3. An operation classification\n\n" +
	"Answer true if the rule's effect applies to this operation " +
	"(i.e., this operation should be gated/restricted by this rule). " +
	"Answer false if the rule's effect does not apply.\n\n" +
	"Be precise. For example, if a rule says 'block all write operations' " +
	"and the operation is a read, answer false. If the rule says " +
	"'block outbound communication' and the operation is writing a local file, answer false.\n\n" +
	"Respond with exactly one word: true or false."

const evalCacheSize = 512

// UsageRecorder receives token usage from rule evaluations.
type UsageRecorder interface {
	Record(model, category string, usage llm.TokenUsage)
}

// Engine evaluates the rule set against classified operations, maintaining
// per-session rule activation state.
//
// Identical (rule, question, classification) evaluations within a session are
// served from an LRU cache so repeated tool calls in one turn do not re-ask
// the model.
type Engine struct {
	client llm.Client
	log    logging.Logger
	cache  *lru.Cache[string, bool]
}

// NewEngine builds a rule engine backed by the given evaluator client.
func NewEngine(client llm.Client, log logging.Logger) *Engine {
	cache, _ := lru.New[string, bool](evalCacheSize)
	return &Engine{client: client, log: logging.OrNop(log), cache: cache}
}

// CheckRules runs the trigger/effect pipeline over every rule in order.
// Newly met triggers are appended to state.ActivatedRules (monotonic for the
// session); disabled rules are skipped entirely.
func (e *Engine) CheckRules(
	ctx context.Context,
	rules []Rule,
	state *session.State,
	classification OperationClassification,
	usage UsageRecorder,
) (*RuleCheckResult, error) {
	result := &RuleCheckResult{}

	for _, rule := range rules {
		if contains(state.DisabledRules, rule.ID) {
			continue
		}

		triggerMet, err := e.checkTrigger(ctx, rule, state, classification, usage)
		if err != nil {
			// Ambiguity must not activate rules: treat as not met.
			e.log.Warn("Trigger evaluation failed for rule %s: %v", rule.ID, err)
			triggerMet = false
		}

		if triggerMet && !contains(state.ActivatedRules, rule.ID) && !rule.AlwaysOn() {
			result.NewlyActivatedRules = append(result.NewlyActivatedRules, rule.ID)
			state.ActivatedRules = append(state.ActivatedRules, rule.ID)
			e.log.Info("Rule %s activated for session %s", rule.ID, state.SessionID)
		}

		active := rule.AlwaysOn() || contains(state.ActivatedRules, rule.ID)
		if !active {
			continue
		}

		effectApplies, err := e.checkEffect(ctx, rule, classification, usage)
		if err != nil {
			e.log.Warn("Effect evaluation failed for rule %s: %v", rule.ID, err)
			effectApplies = false
		}
		if effectApplies {
			result.TriggeredRules = append(result.TriggeredRules, rule.ID)
			result.Descriptions = append(result.Descriptions, fmt.Sprintf("[%s] %s", rule.ID, strings.TrimSpace(rule.Description)))
			switch rule.Mode {
			case ModeBlock:
				result.Blocked = true
			default:
				result.NeedsApproval = true
			}
		}
	}

	return result, nil
}

func (e *Engine) checkTrigger(
	ctx context.Context,
	rule Rule,
	state *session.State,
	classification OperationClassification,
	usage UsageRecorder,
) (bool, error) {
	if rule.AlwaysOn() {
		return true, nil
	}
	if contains(state.ActivatedRules, rule.ID) {
		return true, nil
	}

	prompt := fmt.Sprintf(
		"Rule trigger: %q\n"+
			"Current operation: %s (categories: %v, description: %s)\n"+
			"Already activated rules: %v\n\n"+
			"Has this trigger condition become true based on the current operation? "+
			"Answer true if this operation causes the trigger to be met "+
			"(e.g., if the trigger is 'the agent has read content from the internet' "+
			"and the operation is read_external, then true). "+
			"Answer false otherwise.",
		rule.Trigger,
		classification.OperationType,
		classification.Categories,
		classification.Description,
		state.ActivatedRules,
	)
	return e.evaluate(ctx, "trigger|"+state.SessionID, rule.ID, prompt, classification, usage)
}

func (e *Engine) checkEffect(
	ctx context.Context,
	rule Rule,
	classification OperationClassification,
	usage UsageRecorder,
) (bool, error) {
	prompt := fmt.Sprintf(
		"Rule effect: %q\n"+
			"Operation type: %s\n"+
			"Operation categories: %v\n"+
			"Operation description: %s\n\n"+
			"Does this rule's effect restrict/gate this specific operation? "+
			"Answer true if the operation falls under what the rule restricts. "+
			"Answer false if the operation is not restricted by this rule.",
		rule.Effect,
		classification.OperationType,
		classification.Categories,
		classification.Description,
	)
	return e.evaluate(ctx, "effect", rule.ID, prompt, classification, usage)
}

func (e *Engine) evaluate(
	ctx context.Context,
	kind, ruleID, prompt string,
	classification OperationClassification,
	usage UsageRecorder,
) (bool, error) {
	key := evalKey(kind, ruleID, classification)
	if answer, ok := e.cache.Get(key); ok {
		return answer, nil
	}

	resp, err := e.client.Complete(ctx, llm.CompletionRequest{
		System:   evaluatorInstructions,
		Messages: []llm.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return false, err
	}
	if usage != nil {
		usage.Record(e.client.Model(), "rules", resp.Usage)
	}

	answer, err := parseBool(resp.Content)
	if err != nil {
		return false, err
	}
	e.cache.Add(key, answer)
	return answer, nil
}

// evalKey fingerprints the classification so identical contexts within a
// session hit the cache.
func evalKey(kind, ruleID string, c OperationClassification) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", kind, ruleID, c.OperationType, strings.Join(c.Categories, ","), c.Description)
}

func parseBool(raw string) (bool, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.Trim(s, ".!\"'`")
	switch {
	case s == "true" || s == "yes" || strings.HasPrefix(s, "true"):
		return true, nil
	case s == "false" || s == "no" || strings.HasPrefix(s, "false"):
		return false, nil
	default:
		return false, fmt.Errorf("evaluator returned %q, expected true/false", raw)
	}
}

func contains(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}
