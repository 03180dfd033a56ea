package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basket/storyforge/internal/config"
	"github.com/basket/storyforge/internal/persistence"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			store, err := persistence.Open(cfg.DBPath(), cfg.Database.Driver, nil)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer store.Close()
			v, err := store.SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d at %s (%s)\n", v, cfg.DBPath(), store.Driver())
			return nil
		},
	}
}
