// ledgersweep prunes aged rows from the notification dedup ledger and
// the server snapshot table. Run it from cron; the bridge also prunes
// snapshots on its own schedule, so this exists for operators who want
// the cleanup outside the serving process.
//
// Usage: go run ./cmd/ledgersweep --config configs/bridge.local.yaml --older 168h
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/mwaller/outpost/internal/config"
	"github.com/mwaller/outpost/internal/database"
	"github.com/mwaller/outpost/internal/stats"
	"github.com/mwaller/outpost/internal/store"
)

func main() {
	configPath := flag.String("config", "configs/bridge.local.yaml", "path to config file")
	older := flag.Duration("older", 7*24*time.Hour, "prune ledger rows older than this")
	flag.Parse()

	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	ledger := store.NewLedger(pool)
	pruned, err := ledger.Prune(ctx, *older)
	if err != nil {
		logger.Error("ledger prune failed", "error", err)
		os.Exit(1)
	}
	logger.Info("ledger pruned", "rows", pruned, "older_than", *older)

	ingestor := stats.New(stats.Config{Retention: cfg.Stats.Retention}, pool, logger)
	snapshots, err := ingestor.Prune(ctx)
	if err != nil {
		logger.Error("snapshot prune failed", "error", err)
		os.Exit(1)
	}
	logger.Info("snapshots pruned", "rows", snapshots, "retention", cfg.Stats.Retention)
}
