// Package worker runs the in-process job workers of the orchestrator.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/streamlane/embedhub/internal/models"
	"github.com/streamlane/embedhub/internal/orchestrator"
)

// JobSource hands out leased jobs.
type JobSource interface {
	PoolSize() int
	Wakeups() <-chan struct{}
	Next(ctx context.Context) (*orchestrator.Lease, error)
}

// JobRunner executes one leased job.
type JobRunner interface {
	Execute(ctx context.Context, job *models.EmbeddingJob) error
}

// Dispatcher runs one worker per scheduler slot. Each worker claims the next eligible job,
// executes it and returns the slot; idle workers sleep until the poll interval elapses or
// the scheduler signals a newly eligible job.
type Dispatcher struct {
	source       JobSource
	runner       JobRunner
	pollInterval time.Duration
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(source JobSource, runner JobRunner, pollInterval time.Duration) *Dispatcher {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	return &Dispatcher{
		source:       source,
		runner:       runner,
		pollInterval: pollInterval,
	}
}

// Start runs the workers until ctx is cancelled and every in-flight job has returned.
// A job interrupted by shutdown stays RUNNING and is picked up again once its lease expires.
func (d *Dispatcher) Start(ctx context.Context) {
	workers := d.source.PoolSize()

	slog.Info("job dispatcher started",
		"workers", workers,
		"poll_interval", d.pollInterval,
	)

	var wg sync.WaitGroup

	for i := range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()
			d.work(ctx, i)
		}()
	}

	wg.Wait()

	slog.Info("job dispatcher stopped")
}

func (d *Dispatcher) work(ctx context.Context, worker int) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		ran := d.runOnce(ctx, worker)

		if ctx.Err() != nil {
			return
		}

		if ran {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.source.Wakeups():
		}
	}
}

// runOnce claims and executes one job; false when nothing was eligible.
func (d *Dispatcher) runOnce(ctx context.Context, worker int) bool {
	lease, err := d.source.Next(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.ErrorContext(ctx, "failed to claim job", "worker", worker, "error", err)
		}

		return false
	}

	if lease == nil {
		return false
	}
	defer lease.Release()

	if err := d.execute(ctx, lease.Job); err != nil {
		slog.ErrorContext(ctx, "job execution failed",
			"worker", worker,
			"job_id", lease.Job.ID,
			"job_type", lease.Job.Type,
			"error", err,
		)
	}

	return true
}

// execute turns a panic into an error. The job stays RUNNING until its lease expires.
func (d *Dispatcher) execute(ctx context.Context, job *models.EmbeddingJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "job execution panicked",
				"job_id", job.ID,
				"panic", r,
				"stack", string(debug.Stack()),
			)

			err = fmt.Errorf("panic executing job %s: %v", job.ID, r)
		}
	}()

	return d.runner.Execute(ctx, job)
}
