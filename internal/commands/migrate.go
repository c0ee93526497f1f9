package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/factgraph/factgraph/internal/database"
)

var migrateStatus bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations",
	Long: `Bring the configured SurrealDB namespace/database to the latest
schema version. Running against an already-migrated database is a no-op.

With --status, only report the stored schema version without migrating.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateStatus, "status", false, "report the stored schema version without migrating")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	pool := database.NewPool(cfg.SurrealDB)
	if err := pool.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize SurrealDB pool: %w", err)
	}
	defer func() {
		if err := pool.Close(context.Background()); err != nil {
			log.Warn().Err(err).Msg("failed to close SurrealDB pool")
		}
	}()

	migrator := database.NewMigrator(pool, cfg.SurrealDB)

	if migrateStatus {
		version, err := migrator.CurrentVersion(ctx)
		if err != nil {
			return err
		}
		if version == "" {
			fmt.Println("schema version: <no record>")
		} else {
			fmt.Printf("schema version: %s\n", version)
		}
		return nil
	}

	if err := migrator.Migrate(ctx); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}

	version, err := migrator.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("schema at version %s\n", version)
	return nil
}
