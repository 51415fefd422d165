package main

import (
	"log"

	"github.com/spf13/cobra"

	"grimoire/collab/internal/config"
	"grimoire/collab/internal/store"
)

func newMigrateCommand() *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			cfg := config.Load()
			db, err := store.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			migrations := store.Migrations(cfg.MigrationsDir)
			if down {
				if err := store.RollbackMigrations(ctx, db, migrations); err != nil {
					return err
				}
				log.Printf("migrations rolled back")
				return nil
			}
			if err := store.ApplyMigrations(ctx, db, migrations); err != nil {
				return err
			}
			log.Printf("migrations applied")
			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll back applied migrations")
	return cmd
}
