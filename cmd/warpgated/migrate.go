package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newMigrateCommand applies the identity store's schema. Schema management
// beyond this idempotent CREATE TABLE IF NOT EXISTS pass is out of scope
// (spec §1's "migration glue" non-goal); this just gives operators an
// explicit step to run before first starting warpgated.
func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the identity store schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, db, _, err := openStore(ctx, configPath)
			if err != nil {
				return err
			}
			defer db.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "store schema is up to date")
			return nil
		},
	}
}
