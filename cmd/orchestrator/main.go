// orchestrator runs the embedding job worker pool, the admin API and the River maintenance
// jobs (stale sweep, lease reaper) in one process.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/streamlane/embedhub/internal/config"
	"github.com/streamlane/embedhub/internal/jobs"
	"github.com/streamlane/embedhub/internal/repository"
	"github.com/streamlane/embedhub/pkg/database"
)

const (
	exitSuccess = 0
	exitFailure = 1

	dbStartupAttempts = 5
	dbStartupBackoff  = time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)

		return exitFailure
	}

	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgresPool(ctx, cfg.DatabaseURL,
		database.WithVectorExtension(),
		database.WithMaxConns(int32(cfg.DatabaseMaxConns)), //nolint:gosec // validated non-negative
		database.WithApplicationName(cfg.ServiceName),
		database.WithStartupRetry(dbStartupAttempts, dbStartupBackoff),
	)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)

		return exitFailure
	}
	defer db.Close()

	if err := repository.Migrate(ctx, db); err != nil {
		slog.Error("Failed to migrate database", "error", err)

		return exitFailure
	}

	if cfg.RiverEnabled {
		if err := jobs.Migrate(ctx, db); err != nil {
			slog.Error("Failed to migrate River schema", "error", err)

			return exitFailure
		}
	}

	app, err := NewApp(ctx, cfg, db)
	if err != nil {
		slog.Error("Failed to build orchestrator", "error", err)

		return exitFailure
	}

	code := exitSuccess

	if err := app.Run(ctx); err != nil {
		slog.Error("Orchestrator stopped with error", "error", err)

		code = exitFailure
	}

	slog.Info("Shutting down orchestrator...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		slog.Error("Orchestrator forced to shutdown", "error", err)

		code = exitFailure
	}

	slog.Info("Orchestrator exited")

	return code
}

// setupLogging configures slog with the specified log level.
func setupLogging(level string) {
	var logLevel slog.Level

	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}
