package server

import (
	"fmt"
	"strings"
)

// ruleView is the /rules rendering of one rule.
type ruleView struct {
	ID          string `json:"id"`
	Mode        string `json:"mode"`
	Trigger     string `json:"trigger"`
	Effect      string `json:"effect"`
	Description string `json:"description,omitempty"`
	Active      bool   `json:"active"`
	Disabled    bool   `json:"disabled"`
}

var helpText = map[string]string{
	"/help":          "List available commands.",
	"/rules":         "Show security rules and their activation state.",
	"/disable <id>":  "Disable a security rule for this session.",
	"/enable <id>":   "Re-enable a disabled rule.",
	"/session":       "Show session details.",
	"/skills":        "List installed skills.",
	"/memory":        "List persistent memory files.",
	"/usage":         "Show token usage for this session.",
	"/verbose":       "Toggle per-tool-call gate details.",
	"/quit or /exit": "Close this channel.",
}

// handleCommand runs a slash command. Returns true when the channel
// should close.
func (cc *channelConn) handleCommand(line string) bool {
	s := cc.server
	fields := strings.Fields(line)
	command := fields[0]
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	// The command tag carries the bare name, without the slash.
	result := func(data any) {
		cc.send(ServerEnvelope{Type: ServerCommandResult, Command: strings.TrimPrefix(command, "/"), Data: data})
	}

	switch command {
	case "/help":
		result(helpText)

	case "/rules":
		state, err := s.store.LoadState(cc.sessionID)
		if err != nil {
			cc.sendError("Session no longer exists.")
			return false
		}
		views := make([]ruleView, 0)
		for _, rule := range s.gate.Rules() {
			views = append(views, ruleView{
				ID:          rule.ID,
				Mode:        string(rule.Mode),
				Trigger:     rule.Trigger,
				Effect:      rule.Effect,
				Description: rule.Description,
				Active:      rule.AlwaysOn() || containsString(state.ActivatedRules, rule.ID),
				Disabled:    containsString(state.DisabledRules, rule.ID),
			})
		}
		result(views)

	case "/disable", "/enable":
		if arg == "" {
			cc.sendError(fmt.Sprintf("Usage: %s <rule-id>", command))
			return false
		}
		if !cc.knownRule(arg) {
			cc.sendError("Unknown rule: " + arg)
			return false
		}
		release := s.locks.Acquire(cc.sessionID)
		defer release()
		state, err := s.store.LoadState(cc.sessionID)
		if err != nil {
			cc.sendError("Session no longer exists.")
			return false
		}
		if command == "/disable" {
			if !containsString(state.DisabledRules, arg) {
				state.DisabledRules = append(state.DisabledRules, arg)
			}
		} else {
			state.DisabledRules = removeString(state.DisabledRules, arg)
		}
		if err := s.store.SaveState(state); err != nil {
			cc.sendError("Failed to persist rule change.")
			return false
		}
		result(map[string]any{"disabled_rules": orEmpty(state.DisabledRules)})

	case "/session":
		state, err := s.store.LoadState(cc.sessionID)
		if err != nil {
			cc.sendError("Session no longer exists.")
			return false
		}
		data := map[string]any{"session": infoFromState(state)}
		if s.sandbox != nil {
			data["allowed_domains"] = s.sandbox.DomainInfos(cc.sessionID)
		}
		result(data)

	case "/skills":
		catalog, err := s.skills.Scan()
		if err != nil {
			cc.sendError("Failed to scan skills: " + err.Error())
			return false
		}
		result(map[string]any{"skills": catalog})

	case "/memory":
		result(map[string]any{"files": s.memory.List()})

	case "/usage":
		tracker, err := s.store.LoadUsage(cc.sessionID)
		if err != nil {
			cc.sendError("Failed to load usage.")
			return false
		}
		result(map[string]any{
			"usage":        tracker.Snapshot(),
			"total_input":  tracker.TotalInput(),
			"total_output": tracker.TotalOutput(),
		})

	case "/verbose":
		cc.verbose = !cc.verbose
		result(map[string]any{"verbose": cc.verbose})

	case "/quit", "/exit":
		result("bye")
		return true

	default:
		cc.sendError("Unknown command: " + command + ". Try /help.")
	}
	return false
}

func (cc *channelConn) knownRule(id string) bool {
	for _, rule := range cc.server.gate.Rules() {
		if rule.ID == id {
			return true
		}
	}
	return false
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}

func removeString(values []string, target string) []string {
	out := values[:0]
	for _, value := range values {
		if value != target {
			out = append(out, value)
		}
	}
	return out
}
