// Command cleanup tombstones archived workspaces whose retention window
// has elapsed. Intended to run from cron; exits nonzero when any
// candidate fails so the scheduler can alert.
package main

import (
	"context"
	"os"

	"github.com/rs/zerolog"

	"aimable/api/internal/app"
	"aimable/api/internal/config"
	"aimable/api/internal/store"
)

func main() {
	cfg := config.Load()
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("component", "cleanup").Logger()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	dataStore := store.NewPostgresStore(db)
	service := app.New(cfg, dataStore, app.NewPostgresSessionStore(dataStore), nil, logger)

	result, err := service.CleanupArchivedSpaces(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("cleanup failed")
	}
	if result.Errors > 0 {
		logger.Error().Int("processed", result.Processed).Int("errors", result.Errors).Msg("cleanup finished with errors")
		os.Exit(1)
	}
	logger.Info().Int("processed", result.Processed).Msg("cleanup finished")
}
