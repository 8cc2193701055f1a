package tools

import (
	"context"

	"carapace/internal/credentials"
	"carapace/internal/llm"
	"carapace/internal/logging"
	"carapace/internal/memory"
	"carapace/internal/sandbox"
	"carapace/internal/session"
	"carapace/internal/skills"
)

// Env is everything a tool handler may touch for one session.
type Env struct {
	SessionID string
	State     *session.State
	// Workspace is the host path of the session's sandbox-mounted
	// workspace. File tools are confined to it.
	Workspace   string
	Sandbox     *sandbox.Manager
	Memory      *memory.Store
	Skills      *skills.Registry
	Credentials credentials.Broker
	Log         logging.Logger
}

// Tool is one callable exposed to the model. Handlers return the result
// string fed back as the tool result; failures are reported in-band as
// "Error: ..." strings so the model can react.
type Tool struct {
	Definition llm.ToolDefinition
	// Context gives the security classifier extra information about
	// what the tool actually does.
	Context string
	// Ungated tools never go through rule evaluation.
	Ungated bool
	Run     func(ctx context.Context, env *Env, args map[string]any) string
}

// Registry holds the built-in tool set in a stable order.
type Registry struct {
	order []string
	tools map[string]*Tool
}

func NewRegistry() *Registry {
	r := &Registry{tools: make(map[string]*Tool)}
	for _, tool := range []*Tool{
		readTool(),
		writeTool(),
		editTool(),
		applyPatchTool(),
		execTool(),
		readMemoryTool(),
		writeMemoryTool(),
		searchMemoryTool(),
		listSkillsTool(),
		activateSkillTool(),
		saveSkillTool(),
		getCredentialTool(),
	} {
		r.register(tool)
	}
	return r
}

func (r *Registry) register(tool *Tool) {
	r.order = append(r.order, tool.Definition.Name)
	r.tools[tool.Definition.Name] = tool
}

// Definitions lists the tool schemas in registration order.
func (r *Registry) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition)
	}
	return defs
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	tool, ok := r.tools[name]
	return tool, ok
}

func stringArg(args map[string]any, key string) string {
	if value, ok := args[key].(string); ok {
		return value
	}
	return ""
}

func prop(description string) llm.Property {
	return llm.Property{Type: "string", Description: description}
}

func schema(required []string, props map[string]llm.Property) llm.ParameterSchema {
	return llm.ParameterSchema{Type: "object", Properties: props, Required: required}
}
