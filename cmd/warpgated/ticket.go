package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newTicketCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ticket",
		Short: "Manage one-shot (or N-shot) authorization tickets",
	}
	cmd.AddCommand(newTicketCreateCommand())
	return cmd
}

func newTicketCreateCommand() *cobra.Command {
	var ttl time.Duration
	var uses int

	cmd := &cobra.Command{
		Use:   "create <target-name>",
		Short: "Mint a ticket authorizing access to a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, db, provider, err := openStore(ctx, configPath)
			if err != nil {
				return err
			}
			defer db.Close()

			var remaining *int
			if uses > 0 {
				remaining = &uses
			}

			t, err := provider.CreateTicket(ctx, args[0], ttl, remaining)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ticket %s secret=%s target=%s\n", t.ID, t.Secret, t.TargetName)
			if cfg.ExternalURL != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "link: %s/?ticket=%s\n", cfg.ExternalURL, t.Secret)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Ticket lifetime; 0 means it never expires on its own")
	cmd.Flags().IntVar(&uses, "uses", 0, "Number of uses allowed; 0 means unlimited")
	return cmd
}
