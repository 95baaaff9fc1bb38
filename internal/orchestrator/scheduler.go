package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/streamlane/embedhub/internal/datatypes"
	"github.com/streamlane/embedhub/internal/huberrors"
	"github.com/streamlane/embedhub/internal/models"
	"github.com/streamlane/embedhub/internal/observability"
)

// SchedulerConfig holds admission defaults and the worker slot count.
type SchedulerConfig struct {
	// PoolSize is the number of jobs that may be RUNNING in this process at once.
	PoolSize          int
	DefaultBatchSize  int
	DefaultMaxRetries int
	// MaxQueuedJobs rejects Enqueue once this many jobs are non-terminal; 0 disables the check.
	MaxQueuedJobs int
	// RecoverBatch caps the jobs handled by one RecoverExpired call.
	RecoverBatch int
}

// Lease is a dequeued RUNNING job holding one worker slot. Release must be called once the
// executor is done with the job.
type Lease struct {
	Job *models.EmbeddingJob

	once    sync.Once
	release func()
}

// Release returns the worker slot. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(l.release)
}

// Scheduler admits jobs and hands them to workers in priority order.
type Scheduler struct {
	store   JobStore
	retry   *RetryManager
	machine *stateMachine
	metrics observability.JobMetrics
	slots   *semaphore.Weighted
	cfg     SchedulerConfig
	now     func() time.Time
	wake    chan struct{}
}

// NewScheduler creates a scheduler. events, metrics and progress may be nil.
func NewScheduler(
	store JobStore,
	retry *RetryManager,
	events EventPublisher,
	metrics observability.JobMetrics,
	progress *ProgressAggregator,
	cfg SchedulerConfig,
) *Scheduler {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}

	if cfg.DefaultBatchSize <= 0 {
		cfg.DefaultBatchSize = 100
	}

	if cfg.DefaultMaxRetries < 0 {
		cfg.DefaultMaxRetries = 0
	}

	if cfg.RecoverBatch <= 0 {
		cfg.RecoverBatch = 100
	}

	return &Scheduler{
		store:   store,
		retry:   retry,
		machine: &stateMachine{store: store, events: events, metrics: metrics, progress: progress},
		metrics: metrics,
		slots:   semaphore.NewWeighted(int64(cfg.PoolSize)),
		cfg:     cfg,
		now:     retry.now,
		wake:    make(chan struct{}, 1),
	}
}

// PoolSize returns the number of worker slots.
func (s *Scheduler) PoolSize() int { return s.cfg.PoolSize }

// Wakeups delivers a signal after a job became eligible in this process, so idle
// dispatchers need not wait for their next poll.
func (s *Scheduler) Wakeups() <-chan struct{} { return s.wake }

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Enqueue validates req and persists it as a PENDING job.
func (s *Scheduler) Enqueue(ctx context.Context, req *models.CreateEmbeddingJobRequest) (*models.EmbeddingJob, error) {
	if !req.Type.Valid() {
		return nil, huberrors.NewValidationError("type", fmt.Sprintf("unsupported job type %q", req.Type))
	}

	// Config problems are rejected here so they never surface mid-batch.
	if _, err := models.DecodeJobConfig(req.Type, req.Config); err != nil {
		return nil, err
	}

	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = s.cfg.DefaultBatchSize
	}

	maxRetries := s.cfg.DefaultMaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, huberrors.NewValidationError("max_retries", "max_retries must not be negative")
		}

		maxRetries = *req.MaxRetries
	}

	if s.cfg.MaxQueuedJobs > 0 {
		active, err := s.store.CountActive(ctx)
		if err != nil {
			return nil, fmt.Errorf("count active jobs: %w", err)
		}

		if active >= s.cfg.MaxQueuedJobs {
			return nil, huberrors.NewLimitExceededError(
				fmt.Sprintf("queue is full: %d active jobs (max %d)", active, s.cfg.MaxQueuedJobs))
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate job id: %w", err)
	}

	now := s.now().UTC()
	job := &models.EmbeddingJob{
		ID:         id,
		Type:       req.Type,
		Status:     models.JobStatusPending,
		BatchSize:  batchSize,
		Priority:   req.Priority,
		ConfigJSON: req.Config,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	created, err := s.store.Insert(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordEnqueued(ctx, string(created.Type))
	}

	if s.machine.events != nil {
		s.machine.events.PublishEvent(ctx, datatypes.JobEnqueued, created.Clone())
	}

	slog.InfoContext(ctx, "job enqueued",
		"job_id", created.ID,
		"job_type", created.Type,
		"priority", created.Priority,
		"batch_size", created.BatchSize,
	)

	s.notify()

	return created, nil
}

// Next waits for a free worker slot, then claims the most urgent eligible job. It returns a
// nil lease (slot released) when no job is eligible.
func (s *Scheduler) Next(ctx context.Context) (*Lease, error) {
	if err := s.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire worker slot: %w", err)
	}

	job, from, err := s.store.Dequeue(ctx, s.now().UTC())
	if err != nil {
		s.slots.Release(1)

		return nil, fmt.Errorf("dequeue job: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordDequeue(ctx, job != nil)
	}

	if job == nil {
		s.slots.Release(1)

		//nolint:nilnil // intentional: nil lease means the queue is empty
		return nil, nil
	}

	s.machine.announce(ctx, job.Type, from, job)

	return &Lease{Job: job, release: func() { s.slots.Release(1) }}, nil
}

// Cancel requests cancellation. Queued jobs are cancelled at once; a RUNNING job is
// flagged and the executor cancels it at its next batch boundary.
func (s *Scheduler) Cancel(ctx context.Context, id uuid.UUID) (*models.EmbeddingJob, error) {
	job, from, err := s.store.RequestCancel(ctx, id, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("cancel job %s: %w", id, err)
	}

	if job.Status == models.JobStatusCancelled {
		s.machine.announce(ctx, job.Type, from, job)
	} else if s.machine.events != nil {
		s.machine.events.PublishEvent(ctx, datatypes.JobCancelRequested, job.Clone())
	}

	slog.InfoContext(ctx, "job cancellation requested", "job_id", id, "status", job.Status)

	return job, nil
}

// Get returns a job by id.
func (s *Scheduler) Get(ctx context.Context, id uuid.UUID) (*models.EmbeddingJob, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}

	return job, nil
}

// List returns jobs matching filters.
func (s *Scheduler) List(ctx context.Context, filters *models.ListEmbeddingJobsFilters) ([]models.EmbeddingJob, error) {
	jobs, err := s.store.List(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	return jobs, nil
}

// RecoverExpired handles RUNNING jobs whose heartbeat is older than leaseTimeout (their
// worker died). Each one is retried with backoff, failed when its retries are spent, or
// cancelled when cancellation was already requested. It returns how many jobs it moved.
func (s *Scheduler) RecoverExpired(ctx context.Context, leaseTimeout time.Duration) (int, error) {
	now := s.now().UTC()
	cutoff := now.Add(-leaseTimeout)

	expired, err := s.store.ListExpired(ctx, cutoff, s.cfg.RecoverBatch)
	if err != nil {
		return 0, fmt.Errorf("list expired jobs: %w", err)
	}

	recovered := 0

	for i := range expired {
		job := &expired[i]
		upd := s.recoveryUpdate(job, now, cutoff)

		if _, err := s.machine.transition(ctx, job.ID, job.Type, upd); err != nil {
			if errors.Is(err, huberrors.ErrConflict) {
				// Heartbeat arrived or another reaper won.
				continue
			}

			return recovered, err
		}

		recovered++

		if s.metrics != nil {
			s.metrics.RecordRecovered(ctx, strings.ToLower(string(upd.To)))
		}

		slog.WarnContext(ctx, "recovered expired job",
			"job_id", job.ID,
			"to", upd.To,
			"retry_count", job.RetryCount,
		)
	}

	if recovered > 0 {
		s.notify()
	}

	return recovered, nil
}

func (s *Scheduler) recoveryUpdate(job *models.EmbeddingJob, now, cutoff time.Time) models.TransitionUpdate {
	upd := models.TransitionUpdate{From: models.JobStatusRunning, HeartbeatBefore: &cutoff}

	if job.CancelRequested {
		upd.To = models.JobStatusCancelled
		upd.CompletedAt = &now

		return upd
	}

	msg := "worker lease expired"
	upd.ErrorMessage = &msg

	if !s.retry.ShouldRetry(job, ClassTransient) {
		upd.To = models.JobStatusFailed
		upd.CompletedAt = &now

		return upd
	}

	var opts models.JobOptions
	if cfg, err := models.DecodeJobConfig(job.Type, job.ConfigJSON); err == nil {
		opts = cfg.Options()
	}

	next := s.retry.NextAttemptAt(job, opts)
	upd.To = models.JobStatusRetrying
	upd.IncrementRetry = true
	upd.NextAttemptAt = &next

	return upd
}

// QueueDepth returns the number of non-terminal jobs and records it as the queue depth gauge.
func (s *Scheduler) QueueDepth(ctx context.Context) (int, error) {
	depth, err := s.store.CountActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}

	if s.metrics != nil {
		s.metrics.SetQueueDepth(depth)
	}

	return depth, nil
}
