// backfill-embeddings enqueues one INCREMENTAL_UPDATE job per target collection that has
// stale or unprocessed rows under its active model. Run it when the periodic stale sweep is
// disabled or to catch up right after a model rollout. The orchestrator workers process the
// jobs.
//
// With BACKFILL_ASYNC=true it instead inserts a stale sweep into River and returns; the
// orchestrator's River client runs the sweep.
//
// Environment variables (besides the orchestrator's DATABASE_URL, EMBEDDING_MODEL, ...):
//   - BACKFILL_TARGET_TYPES: comma-separated collections (default: all)
//   - BACKFILL_ASYNC: insert a River stale sweep instead of sweeping in-process
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"

	"github.com/streamlane/embedhub/internal/config"
	"github.com/streamlane/embedhub/internal/jobs"
	"github.com/streamlane/embedhub/internal/models"
	"github.com/streamlane/embedhub/internal/orchestrator"
	"github.com/streamlane/embedhub/internal/repository"
	"github.com/streamlane/embedhub/internal/service"
	"github.com/streamlane/embedhub/pkg/database"
)

var errUnknownTargetType = errors.New("unknown target type")

const (
	exitSuccess = 0
	exitFailure = 1
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(config.WithoutAPIKey())
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)

		return exitFailure
	}

	targets, err := parseTargetTypes(os.Getenv("BACKFILL_TARGET_TYPES"))
	if err != nil {
		slog.Error("Invalid BACKFILL_TARGET_TYPES", "error", err)

		return exitFailure
	}

	args := jobs.StaleSweepArgs{
		TargetTypes: targets,
		Limit:       cfg.StaleSweepLimit,
		Priority:    cfg.StaleSweepPriority,
	}

	ctx := context.Background()

	db, err := database.NewPostgresPool(ctx, cfg.DatabaseURL,
		database.WithVectorTypes(), database.WithApplicationName("backfill-embeddings"))
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)

		return exitFailure
	}
	defer db.Close()

	async, _ := strconv.ParseBool(os.Getenv("BACKFILL_ASYNC"))
	if async {
		riverClient, err := river.NewClient(riverpgxv5.New(db), &river.Config{})
		if err != nil {
			slog.Error("Failed to create River client", "error", err)

			return exitFailure
		}

		req, err := jobs.NewSweepInserter(riverClient).InsertStaleSweep(ctx, args)
		if err != nil {
			slog.Error("Failed to insert stale sweep", "error", err)

			return exitFailure
		}

		if req.Duplicate {
			fmt.Printf("Stale sweep %d with the same arguments is already queued.\n", req.RiverJobID)
		} else {
			fmt.Printf("Stale sweep %d queued.\n", req.RiverJobID)
		}

		return exitSuccess
	}

	jobsRepo := repository.NewEmbeddingJobsRepository(db)
	registry := service.NewModelRegistry(service.ModelRegistryParams{
		Store:       repository.NewModelVersionsRepository(db),
		Cache:       service.NewModelCache(cfg.ModelCacheSize, cfg.ModelCacheTTL),
		SeedModel:   cfg.EmbeddingModel,
		SeedVersion: cfg.EmbeddingVersion,
	})
	retry := orchestrator.NewRetryManager(cfg.RetryBaseDelay, cfg.RetryMaxDelay)
	scheduler := orchestrator.NewScheduler(jobsRepo, retry, nil, nil, nil, orchestrator.SchedulerConfig{
		DefaultBatchSize:  cfg.DefaultBatchSize,
		DefaultMaxRetries: cfg.DefaultMaxRetries,
		MaxQueuedJobs:     cfg.MaxQueuedJobs,
	})

	stats, err := jobs.Backfill(ctx, jobs.BackfillDeps{
		Finder: repository.NewEmbeddingsRepository(db),
		Models: registry,
		Queue:  scheduler,
	}, args)
	if err != nil {
		slog.Error("Backfill failed", "error", err)

		return exitFailure
	}

	slog.Info("Backfill complete",
		"enqueued", len(stats.Enqueued),
		"pending", len(stats.Pending),
		"current", len(stats.Current),
		"errors", stats.Errors,
	)

	for target, id := range stats.Enqueued {
		fmt.Printf("Enqueued %s job %s.\n", target, id)
	}

	if stats.Errors > 0 {
		return exitFailure
	}

	return exitSuccess
}

func parseTargetTypes(csv string) ([]models.TargetType, error) {
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return nil, nil
	}

	var out []models.TargetType

	for _, part := range strings.Split(csv, ",") {
		t := models.TargetType(strings.ToLower(strings.TrimSpace(part)))
		if !t.Valid() {
			return nil, fmt.Errorf("%w: %q", errUnknownTargetType, part)
		}

		out = append(out, t)
	}

	return out, nil
}
