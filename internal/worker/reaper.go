package worker

import (
	"context"
	"log/slog"
	"time"
)

// LeaseRecoverer returns expired RUNNING jobs to the queue.
type LeaseRecoverer interface {
	RecoverExpired(ctx context.Context, leaseTimeout time.Duration) (int, error)
	QueueDepth(ctx context.Context) (int, error)
}

// Reaper periodically recovers jobs whose worker stopped heartbeating and samples the queue depth.
// The periodic River job does the same across processes; the reaper covers runs without River.
type Reaper struct {
	scheduler    LeaseRecoverer
	interval     time.Duration
	leaseTimeout time.Duration
}

// NewReaper creates a new lease reaper.
func NewReaper(scheduler LeaseRecoverer, interval, leaseTimeout time.Duration) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}

	if leaseTimeout <= 0 {
		leaseTimeout = 5 * time.Minute
	}

	return &Reaper{
		scheduler:    scheduler,
		interval:     interval,
		leaseTimeout: leaseTimeout,
	}
}

// Start begins the reaper loop. It runs until the context is cancelled.
func (r *Reaper) Start(ctx context.Context) {
	slog.Info("lease reaper started",
		"interval", r.interval,
		"lease_timeout", r.leaseTimeout,
	)

	// Run immediately on startup
	r.RunOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("lease reaper stopped")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce recovers expired leases and records the queue depth.
func (r *Reaper) RunOnce(ctx context.Context) {
	recovered, err := r.scheduler.RecoverExpired(ctx, r.leaseTimeout)
	if err != nil {
		slog.Error("failed to recover expired jobs", "error", err)
	} else if recovered > 0 {
		slog.Info("recovered expired jobs", "count", recovered)
	}

	depth, err := r.scheduler.QueueDepth(ctx)
	if err != nil {
		slog.Error("failed to sample queue depth", "error", err)
		return
	}

	slog.Debug("queue depth", "active_jobs", depth)
}
