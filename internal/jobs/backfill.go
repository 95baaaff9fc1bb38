package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/streamlane/embedhub/internal/models"
)

// StaleFinder finds target rows whose embedding needs work under a model.
type StaleFinder interface {
	FindStaleCandidates(ctx context.Context, target models.TargetType, model, version string, limit int) ([]models.TargetRef, error)
}

// ModelResolver returns the active model of a target collection.
type ModelResolver interface {
	ActiveModel(ctx context.Context, target models.TargetType) (models.ModelVersion, error)
}

// JobQueue admits and lists orchestrator jobs.
type JobQueue interface {
	Enqueue(ctx context.Context, req *models.CreateEmbeddingJobRequest) (*models.EmbeddingJob, error)
	List(ctx context.Context, filters *models.ListEmbeddingJobsFilters) ([]models.EmbeddingJob, error)
}

// BackfillDeps holds the dependencies of Backfill.
type BackfillDeps struct {
	Finder StaleFinder
	Models ModelResolver
	Queue  JobQueue
}

// BackfillStats holds statistics from a backfill operation.
type BackfillStats struct {
	// Enqueued maps each swept collection to the INCREMENTAL_UPDATE job created for it.
	Enqueued map[models.TargetType]uuid.UUID
	// Pending lists collections skipped because an unfinished incremental job already covers them.
	Pending []models.TargetType
	// Current lists collections with nothing stale.
	Current []models.TargetType
	Errors  int
}

const activeJobsPageSize = 1000

// Backfill enqueues one INCREMENTAL_UPDATE job per target collection that has stale or
// unprocessed rows under its active model. A collection already covered by a queued or
// running incremental job is left alone. Errors on one collection do not stop the others.
func Backfill(ctx context.Context, deps BackfillDeps, args StaleSweepArgs) (*BackfillStats, error) {
	stats := &BackfillStats{Enqueued: make(map[models.TargetType]uuid.UUID)}

	targets := args.TargetTypes
	if len(targets) == 0 {
		targets = models.TargetTypes
	}

	covered, err := coveredTargets(ctx, deps.Queue)
	if err != nil {
		return nil, err
	}

	for _, target := range targets {
		if covered[target] {
			stats.Pending = append(stats.Pending, target)
			continue
		}

		id, err := backfillTarget(ctx, deps, target, args)
		if err != nil {
			slog.ErrorContext(ctx, "failed to backfill target collection", "target_type", target, "error", err)
			stats.Errors++

			continue
		}

		if id == uuid.Nil {
			stats.Current = append(stats.Current, target)
			continue
		}

		stats.Enqueued[target] = id
	}

	return stats, nil
}

func backfillTarget(ctx context.Context, deps BackfillDeps, target models.TargetType, args StaleSweepArgs) (uuid.UUID, error) {
	mv, err := deps.Models.ActiveModel(ctx, target)
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolve active model: %w", err)
	}

	refs, err := deps.Finder.FindStaleCandidates(ctx, target, mv.Model, mv.Version, 1)
	if err != nil {
		return uuid.Nil, fmt.Errorf("find stale candidates: %w", err)
	}

	if len(refs) == 0 {
		return uuid.Nil, nil
	}

	raw, err := json.Marshal(models.IncrementalUpdateConfig{
		JobOptions:  models.JobOptions{Limit: args.Limit},
		TargetTypes: []models.TargetType{target},
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode job config: %w", err)
	}

	job, err := deps.Queue.Enqueue(ctx, &models.CreateEmbeddingJobRequest{
		Type:     models.JobTypeIncrementalUpdate,
		Priority: args.Priority,
		Config:   raw,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue incremental update: %w", err)
	}

	slog.InfoContext(ctx, "enqueued incremental update",
		"job_id", job.ID,
		"target_type", target,
		"model", mv.Model,
		"version", mv.Version,
	)

	return job.ID, nil
}

// coveredTargets returns the collections of every unfinished INCREMENTAL_UPDATE job.
func coveredTargets(ctx context.Context, queue JobQueue) (map[models.TargetType]bool, error) {
	covered := make(map[models.TargetType]bool)
	jobType := models.JobTypeIncrementalUpdate

	for _, status := range []models.JobStatus{models.JobStatusPending, models.JobStatusRunning, models.JobStatusRetrying} {
		jobs, err := queue.List(ctx, &models.ListEmbeddingJobsFilters{
			Status: &status,
			Type:   &jobType,
			Limit:  activeJobsPageSize,
		})
		if err != nil {
			return nil, fmt.Errorf("list %s incremental jobs: %w", status, err)
		}

		for _, job := range jobs {
			cfg, err := models.DecodeJobConfig(job.Type, job.ConfigJSON)
			if err != nil {
				continue
			}

			if inc, ok := cfg.(*models.IncrementalUpdateConfig); ok {
				for _, t := range inc.Targets() {
					covered[t] = true
				}
			}
		}
	}

	return covered, nil
}
