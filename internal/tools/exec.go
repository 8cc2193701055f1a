package tools

import (
	"context"
	"fmt"
	"time"

	"carapace/internal/llm"
)

func execTool() *Tool {
	return &Tool{
		Definition: llm.ToolDefinition{
			Name: "exec",
			Description: "Run a shell command inside the session sandbox. Network access " +
				"goes through the egress proxy and is limited to allowed domains.",
			Parameters: schema([]string{"command"}, map[string]llm.Property{
				"command": prop("Shell command to run."),
				"timeout": prop("Timeout in seconds. Defaults to 120."),
			}),
		},
		Context: "Executes a shell command in an isolated container. Network egress is proxied and allowlisted.",
		Run: func(ctx context.Context, env *Env, args map[string]any) string {
			command := stringArg(args, "command")
			if command == "" {
				return "Error: command is empty"
			}
			timeout := time.Duration(0)
			switch v := args["timeout"].(type) {
			case float64:
				timeout = time.Duration(v) * time.Second
			case string:
				var seconds int
				if _, err := fmt.Sscanf(v, "%d", &seconds); err == nil {
					timeout = time.Duration(seconds) * time.Second
				}
			}
			output, err := env.Sandbox.ExecCommand(ctx, env.SessionID, command, timeout)
			if err != nil {
				return fmt.Sprintf("Error: %v", err)
			}
			return output
		},
	}
}
