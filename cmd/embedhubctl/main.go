// embedhubctl administers embedding jobs directly against the orchestrator database: it
// enqueues, inspects and cancels jobs, recovers expired leases and manages active models.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/streamlane/embedhub/internal/config"
	"github.com/streamlane/embedhub/internal/memstore"
	"github.com/streamlane/embedhub/internal/orchestrator"
	"github.com/streamlane/embedhub/internal/repository"
	"github.com/streamlane/embedhub/pkg/database"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	if err := newRootCmd(openPostgres, openDryRun).Execute(); err != nil {
		os.Exit(1)
	}
}

func newScheduler(cfg *config.Config, store orchestrator.JobStore) *orchestrator.Scheduler {
	retry := orchestrator.NewRetryManager(cfg.RetryBaseDelay, cfg.RetryMaxDelay)

	return orchestrator.NewScheduler(store, retry, nil, nil, nil, orchestrator.SchedulerConfig{
		DefaultBatchSize:  cfg.DefaultBatchSize,
		DefaultMaxRetries: cfg.DefaultMaxRetries,
		MaxQueuedJobs:     cfg.MaxQueuedJobs,
	})
}

// openDryRun applies the configured admission defaults against an in-memory store.
func openDryRun(context.Context) (*ctlDeps, func(), error) {
	cfg, err := config.Load(config.WithoutAPIKey())
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}

	return &ctlDeps{Jobs: newScheduler(cfg, memstore.NewJobs()), LeaseTimeout: cfg.LeaseTimeout}, func() {}, nil
}

// openPostgres connects to DATABASE_URL and builds the scheduler the commands drive.
func openPostgres(ctx context.Context) (*ctlDeps, func(), error) {
	cfg, err := config.Load(config.WithoutAPIKey())
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}

	db, err := database.NewPostgresPool(ctx, cfg.DatabaseURL,
		database.WithVectorTypes(), database.WithApplicationName("embedhubctl"))
	if err != nil {
		return nil, nil, err
	}

	return &ctlDeps{
		Jobs:         newScheduler(cfg, repository.NewEmbeddingJobsRepository(db)),
		Models:       repository.NewModelVersionsRepository(db),
		LeaseTimeout: cfg.LeaseTimeout,
	}, db.Close, nil
}
