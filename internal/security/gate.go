package security

import (
	"context"

	"carapace/internal/logging"
	"carapace/internal/session"
)

// DecisionMetrics counts gate verdicts.
type DecisionMetrics interface {
	GateDecision(verdict string)
}

// Gate composes the classifier and the rule engine into the single decision
// point every tool call passes through before side effects.
type Gate struct {
	classifier *Classifier
	engine     *Engine
	rules      []Rule
	metrics    DecisionMetrics
	log        logging.Logger
}

// NewGate wires the classify-then-evaluate pipeline over the given rule set.
func NewGate(classifier *Classifier, engine *Engine, rules []Rule, log logging.Logger) *Gate {
	return &Gate{classifier: classifier, engine: engine, rules: rules, log: logging.OrNop(log)}
}

// SetMetrics attaches a verdict counter.
func (g *Gate) SetMetrics(metrics DecisionMetrics) { g.metrics = metrics }

// Rules returns the configured rule set.
func (g *Gate) Rules() []Rule { return g.rules }

// Evaluate classifies the tool call, runs the rules, and returns the verdict.
// Rule activation is recorded on state as a side effect. A classifier failure
// fails the tool call; rule evaluator failures degrade to "not met".
func (g *Gate) Evaluate(
	ctx context.Context,
	state *session.State,
	toolName string,
	args map[string]any,
	callContext string,
	usage UsageRecorder,
) (*Decision, error) {
	classification, classifierUsage, err := g.classifier.Classify(ctx, toolName, args, callContext)
	if err != nil {
		return nil, err
	}
	if usage != nil {
		usage.Record(g.classifier.client.Model(), "classifier", classifierUsage)
	}

	result, err := g.engine.CheckRules(ctx, g.rules, state, classification, usage)
	if err != nil {
		return nil, err
	}

	decision := &Decision{
		Classification: classification,
		TriggeredRules: result.TriggeredRules,
		Descriptions:   result.Descriptions,
	}
	switch {
	case result.Blocked:
		decision.Verdict = VerdictBlocked
	case result.NeedsApproval:
		decision.Verdict = VerdictApprovalRequired
	default:
		decision.Verdict = VerdictPass
	}

	if g.metrics != nil {
		g.metrics.GateDecision(decision.Verdict.String())
	}
	g.log.Debug("Gate %s(%s): %s (triggered=%v)", toolName, classification.OperationType, decision.Verdict, result.TriggeredRules)
	return decision, nil
}
