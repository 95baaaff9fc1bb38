package jobs

import (
	"context"
	"log/slog"

	"github.com/riverqueue/river"
)

// StaleSweepWorker enqueues INCREMENTAL_UPDATE jobs for collections with stale embeddings.
type StaleSweepWorker struct {
	river.WorkerDefaults[StaleSweepArgs]
	deps BackfillDeps
}

// NewStaleSweepWorker creates a new stale sweep worker.
func NewStaleSweepWorker(deps BackfillDeps) *StaleSweepWorker {
	return &StaleSweepWorker{deps: deps}
}

// Work runs one sweep. Per-collection failures are logged and left for the next sweep.
func (w *StaleSweepWorker) Work(ctx context.Context, job *river.Job[StaleSweepArgs]) error {
	stats, err := Backfill(ctx, w.deps, job.Args)
	if err != nil {
		return err // River will retry based on configuration
	}

	slog.InfoContext(ctx, "stale sweep finished",
		"river_job_id", job.ID,
		"enqueued", len(stats.Enqueued),
		"already_pending", len(stats.Pending),
		"current", len(stats.Current),
		"errors", stats.Errors,
	)

	return nil
}
