package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/riverqueue/river/rivertype"

	"github.com/streamlane/embedhub/internal/observability"
)

// ClientConfig configures the maintenance River client.
type ClientConfig struct {
	Workers     int
	MaxAttempts int

	// StaleSweepInterval schedules StaleSweep periodically; 0 disables the schedule.
	StaleSweepInterval time.Duration
	StaleSweep         StaleSweepArgs

	// ReaperInterval schedules lease recovery periodically; 0 disables the schedule.
	ReaperInterval time.Duration
	LeaseTimeout   time.Duration
}

// ClientDeps are the orchestrator components the workers call into.
type ClientDeps struct {
	Backfill  BackfillDeps
	Recoverer LeaseRecoverer
}

// Migrate applies River's own schema migrations.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(db), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}

	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("migrate river schema: %w", err)
	}

	for _, v := range res.Versions {
		slog.Info("applied river migration", "version", v.Version)
	}

	return nil
}

// NewClient registers the maintenance workers and their periodic schedules. It does not
// start the client.
func NewClient(db *pgxpool.Pool, deps ClientDeps, cfg ClientConfig) (*river.Client[pgx.Tx], error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, NewStaleSweepWorker(deps.Backfill))
	river.AddWorker(workers, NewLeaseReaperWorker(deps.Recoverer, cfg.LeaseTimeout))

	client, err := river.NewClient(riverpgxv5.New(db), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.Workers},
		},
		Workers:      workers,
		PeriodicJobs: PeriodicJobs(cfg),
		ErrorHandler: &ErrorHandler{},
		JobTimeout:   5 * time.Minute,
		MaxAttempts:  cfg.MaxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}

	return client, nil
}

// PeriodicJobs returns the enabled maintenance schedules.
func PeriodicJobs(cfg ClientConfig) []*river.PeriodicJob {
	var periodic []*river.PeriodicJob

	if cfg.StaleSweepInterval > 0 {
		args := cfg.StaleSweep
		periodic = append(periodic, river.NewPeriodicJob(
			river.PeriodicInterval(cfg.StaleSweepInterval),
			func() (river.JobArgs, *river.InsertOpts) { return args, nil },
			&river.PeriodicJobOpts{RunOnStart: true},
		))
	}

	if cfg.ReaperInterval > 0 {
		periodic = append(periodic, river.NewPeriodicJob(
			river.PeriodicInterval(cfg.ReaperInterval),
			func() (river.JobArgs, *river.InsertOpts) { return LeaseReaperArgs{}, nil },
			&river.PeriodicJobOpts{RunOnStart: true},
		))
	}

	return periodic
}

// RunQueueDepthPoller periodically updates the River default-queue depth gauge until ctx is done.
func RunQueueDepthPoller(ctx context.Context, db *pgxpool.Pool, metrics observability.EventMetrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	update := func() {
		var count int

		err := db.QueryRow(ctx,
			`SELECT COUNT(*) FROM river_job WHERE queue = $1 AND state IN ($2, $3, $4)`,
			river.QueueDefault,
			rivertype.JobStateAvailable, rivertype.JobStateRetryable, rivertype.JobStateScheduled,
		).Scan(&count)
		if err != nil {
			slog.WarnContext(ctx, "river queue depth poll failed", "error", err)

			return
		}

		metrics.SetRiverQueueDepth(count)
	}

	update()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}
