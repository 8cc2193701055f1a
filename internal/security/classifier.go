package security

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"carapace/internal/llm"
	"carapace/internal/logging"
)

const classifierInstructions = "You are a security classifier for an AI agent system. " +
	"Given a tool name, its arguments, and optional context, classify the operation.\n\n" +
	"Operation types:\n" +
	"- read_local: reading files, listing directories, read-only shell commands\n" +
	"- write_local: writing/modifying local files\n" +
	"- read_external: reading from the internet, APIs, external services\n" +
	"- write_external: sending emails, posting to APIs, outbound communication\n" +
	"- read_sensitive: reading personal data (finances, health, documents)\n" +
	"- write_sensitive: modifying personal/sensitive data\n" +
	"- execute: running arbitrary code or commands that modify state\n" +
	"- credential_access: fetching or using credentials/secrets\n" +
	"- memory_read: reading agent memory files\n" +
	"- memory_write: writing/modifying agent memory files\n" +
	"- skill_modify: creating, editing, or deleting skill files\n\n" +
	"Categories are free-form tags like: finance, email, documents, web, skills, shell, memory, health, etc.\n\n" +
	"Be precise. A shell command like 'ls' or 'cat' is read_local. " +
	"A shell command like 'rm' or 'curl -X POST' is execute or write_external. " +
	"Reading a file in memory/ is memory_read. Writing to memory/ is memory_write.\n\n" +
	"Respond with a single JSON object: " +
	`{"operation_type": "...", "categories": ["..."], "description": "...", "confidence": 0.0}`

// Classifier labels tool calls with an OperationClassification via the LLM.
type Classifier struct {
	client llm.Client
	log    logging.Logger
}

// NewClassifier builds a classifier backed by the given client.
func NewClassifier(client llm.Client, log logging.Logger) *Classifier {
	return &Classifier{client: client, log: logging.OrNop(log)}
}

// Classify asks the model to label one tool call. Classification failures are
// fatal for the call; the caller surfaces the error to the agent.
func (c *Classifier) Classify(ctx context.Context, toolName string, args map[string]any, context_ string) (OperationClassification, llm.TokenUsage, error) {
	var zero OperationClassification

	prompt := fmt.Sprintf("Tool: %s\nArguments: %s", toolName, formatArgs(args))
	if context_ != "" {
		prompt += "\nContext: " + context_
	}

	resp, err := c.client.Complete(ctx, llm.CompletionRequest{
		System:   classifierInstructions,
		Messages: []llm.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return zero, llm.TokenUsage{}, fmt.Errorf("classify %s: %w", toolName, err)
	}

	classification, err := parseClassification(resp.Content)
	if err != nil {
		c.log.Warn("Classifier returned unparseable output for %s: %v", toolName, err)
		return zero, resp.Usage, fmt.Errorf("classify %s: %w", toolName, err)
	}
	return classification, resp.Usage, nil
}

func parseClassification(raw string) (OperationClassification, error) {
	var out OperationClassification

	repaired, err := jsonrepair.JSONRepair(extractJSON(raw))
	if err != nil {
		return out, fmt.Errorf("repair classification JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &out); err != nil {
		return out, fmt.Errorf("parse classification: %w", err)
	}
	if !ValidOperationType(string(out.OperationType)) {
		return out, fmt.Errorf("unknown operation_type %q", out.OperationType)
	}
	if out.Confidence == 0 {
		out.Confidence = 1.0
	}
	return out, nil
}

// extractJSON strips prose and code fences around the first JSON object.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "{"); i >= 0 {
		if j := strings.LastIndex(s, "}"); j > i {
			return s[i : j+1]
		}
	}
	return s
}

func formatArgs(args map[string]any) string {
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(data)
}
