package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"

	"ptp/internal/config"
	"ptp/internal/database"
)

func main() {
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	logger := zerolog.New(output).With().Timestamp().Logger()

	cfg, err := config.Load(os.Getenv("PTP_CONFIG_PATH"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	dsn := cfg.Database.Path
	if cfg.Database.Driver == string(database.DialectPostgres) {
		dsn = cfg.Database.DSN
	}
	db, err := database.Open(cfg.Database.Driver, dsn)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db error")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	before, _ := db.SchemaVersion(ctx)
	if err := db.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migration failed")
	}
	after, err := db.SchemaVersion(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("read schema version")
	}
	logger.Info().Str("driver", cfg.Database.Driver).Int("from", before).Int("to", after).Msg("database migrated")
}
