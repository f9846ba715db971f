package main

import (
	"github.com/spf13/cobra"
)

var configPath string

// NewRootCommand builds the warpgated CLI, following the same
// NewRootCommand+AddCommand idiom faros-kedge uses for its multi-subcommand
// CLI.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "warpgated",
		Short: "warpgated is a protocol-aware bastion for SSH, PostgreSQL, Kubernetes, and HTTP",
		Long: `warpgated terminates client connections for SSH, PostgreSQL, Kubernetes API,
and HTTP targets, authenticates and authorizes them against a durable
identity store, and relays traffic to the authorized upstream while
recording sessions.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "/etc/warpgate/warpgate.yaml", "Path to the warpgate YAML configuration file")

	cmd.AddCommand(
		newServeCommand(),
		newMigrateCommand(),
		newUserCommand(),
		newTicketCommand(),
		newTargetCommand(),
	)

	return cmd
}
