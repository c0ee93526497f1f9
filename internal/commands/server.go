package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/factgraph/factgraph/internal/api"
	"github.com/factgraph/factgraph/internal/database"
	"github.com/factgraph/factgraph/internal/search"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the API server",
	Long: `Start the HTTP API server. The SurrealDB pool is initialized and
schema-migrated and the Elasticsearch indices are provisioned before the
server accepts requests.`,
	RunE: runServer,
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)
	defer stop()

	// Initialize backends in dependency order: graph store first, then the
	// search client. A search failure rolls the pool back.
	pool, err := database.CreatePool(ctx, cfg.SurrealDB)
	if err != nil {
		return fmt.Errorf("failed to initialize SurrealDB pool: %w", err)
	}

	client, err := search.CreateClient(ctx, cfg.Elasticsearch)
	if err != nil {
		if cerr := pool.Close(context.Background()); cerr != nil {
			log.Warn().Err(cerr).Msg("failed to close pool during startup rollback")
		}
		return fmt.Errorf("failed to initialize Elasticsearch client: %w", err)
	}

	server := api.New(cfg, pool, client)

	// Start server in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errChan <- err
		}
	}()

	// Wait for shutdown signal or error
	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			cfg.Server.ShutdownTimeout,
		)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			runErr = fmt.Errorf("server shutdown error: %w", err)
		}

	case err := <-errChan:
		runErr = fmt.Errorf("server error: %w", err)
	}

	// Teardown in reverse initialization order.
	if err := client.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close Elasticsearch client")
	}
	if err := pool.Close(context.Background()); err != nil {
		log.Warn().Err(err).Msg("failed to close SurrealDB pool")
	}

	return runErr
}
