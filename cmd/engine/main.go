package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/arxet/exchange/internal/config"
	"github.com/arxet/exchange/internal/db"
	"github.com/arxet/exchange/internal/engine"

	"github.com/rs/zerolog"
)

// Matching engine entry point. Runs until SIGINT/SIGTERM; the first signal
// shuts down gracefully after the current iteration, a second one kills
// the process. --force steals a processing lock left by a crashed engine.
func main() {
	force := flag.Bool("force", false, "steal the engine lock if another session holds it")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close(ctx)

	eng, err := engine.New(ctx, database, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize engine")
	}
	defer eng.Close(context.Background())

	if err := eng.Run(ctx, *force); err != nil {
		logger.Fatal().Err(err).Msg("engine stopped")
	}
}
