package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/riverqueue/river"
)

// LeaseRecoverer returns expired RUNNING jobs to the queue and samples the queue depth gauge.
type LeaseRecoverer interface {
	RecoverExpired(ctx context.Context, leaseTimeout time.Duration) (int, error)
	QueueDepth(ctx context.Context) (int, error)
}

// LeaseReaperWorker recovers jobs whose worker died. Running it through River makes one
// process in the fleet do the work per period.
type LeaseReaperWorker struct {
	river.WorkerDefaults[LeaseReaperArgs]
	recoverer    LeaseRecoverer
	leaseTimeout time.Duration
}

// NewLeaseReaperWorker creates a new lease reaper worker.
func NewLeaseReaperWorker(recoverer LeaseRecoverer, leaseTimeout time.Duration) *LeaseReaperWorker {
	return &LeaseReaperWorker{recoverer: recoverer, leaseTimeout: leaseTimeout}
}

// Work recovers expired leases, then records the queue depth. A failed depth sample is
// logged only; the next period samples again.
func (w *LeaseReaperWorker) Work(ctx context.Context, job *river.Job[LeaseReaperArgs]) error {
	recovered, err := w.recoverer.RecoverExpired(ctx, w.leaseTimeout)
	if err != nil {
		return err
	}

	if recovered > 0 {
		slog.InfoContext(ctx, "recovered expired jobs", "river_job_id", job.ID, "count", recovered)
	}

	if _, err := w.recoverer.QueueDepth(ctx); err != nil {
		slog.WarnContext(ctx, "failed to sample queue depth", "river_job_id", job.ID, "error", err)
	}

	return nil
}

// Timeout bounds one recovery pass.
func (w *LeaseReaperWorker) Timeout(*river.Job[LeaseReaperArgs]) time.Duration {
	return time.Minute
}
