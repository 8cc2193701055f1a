package main

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "carapace",
		Short: "Security-first host for an autonomous personal agent",
		Long: "carapace runs a personal LLM agent behind a mediation layer: every tool\n" +
			"call is classified and checked against English security rules, shell\n" +
			"commands run in a per-session container, and network egress goes through\n" +
			"an allowlisting proxy.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newChatCmd())
	root.AddCommand(newSessionsCmd())
	root.AddCommand(newVersionCmd())
	return root
}
