package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/streamlane/embedhub/internal/huberrors"
	"github.com/streamlane/embedhub/internal/models"
	"github.com/streamlane/embedhub/internal/observability"
	"github.com/streamlane/embedhub/pkg/embeddings"
)

const defaultItemParallelism = 16

// Run-level stop signals observed at batch boundaries.
var (
	errShutdown        = errors.New("worker shutting down")
	errLeaseLost       = errors.New("job lease lost")
	errCancelRequested = errors.New("cancellation requested")
)

// ExecutorParams wires an Executor. Events, Metrics, Budget and Progress may be nil.
type ExecutorParams struct {
	Jobs       JobStore
	Embeddings EmbeddingStore
	Inference  InferenceClient
	Models     ModelResolver
	Strategies map[models.JobType]EmbeddingStrategy
	Retry      *RetryManager
	Progress   *ProgressAggregator
	Events     EventPublisher
	Budget     *InferenceBudget
	Metrics    observability.JobMetrics
	// ItemParallelism caps concurrent items per batch unless the job config sets its own.
	ItemParallelism int
	// Dimensions, when positive, is the vector length every inference result must have.
	Dimensions int
}

// Executor runs one leased job to its next resting state.
type Executor struct {
	jobs            JobStore
	embeddings      EmbeddingStore
	inference       InferenceClient
	models          ModelResolver
	strategies      map[models.JobType]EmbeddingStrategy
	retry           *RetryManager
	progress        *ProgressAggregator
	machine         *stateMachine
	budget          *InferenceBudget
	metrics         observability.JobMetrics
	itemParallelism int
	dimensions      int
	now             func() time.Time
}

// NewExecutor creates an executor from p.
func NewExecutor(p ExecutorParams) *Executor {
	if p.Strategies == nil {
		p.Strategies = DefaultStrategies()
	}

	if p.Progress == nil {
		p.Progress = NewProgressAggregator(p.Jobs, p.Metrics)
	}

	if p.ItemParallelism <= 0 {
		p.ItemParallelism = defaultItemParallelism
	}

	return &Executor{
		jobs:            p.Jobs,
		embeddings:      p.Embeddings,
		inference:       p.Inference,
		models:          p.Models,
		strategies:      p.Strategies,
		retry:           p.Retry,
		progress:        p.Progress,
		machine:         &stateMachine{store: p.Jobs, events: p.Events, metrics: p.Metrics, progress: p.Progress},
		budget:          p.Budget,
		metrics:         p.Metrics,
		itemParallelism: p.ItemParallelism,
		dimensions:      p.Dimensions,
		now:             p.Retry.now,
	}
}

// Progress returns the aggregator that mirrors running jobs.
func (e *Executor) Progress() *ProgressAggregator { return e.progress }

// jobRun is the immutable context of one run of a job.
type jobRun struct {
	job         *models.EmbeddingJob
	opts        models.JobOptions
	active      ActiveModels
	force       bool
	parallelism int
	logger      *slog.Logger
}

// Execute processes a RUNNING job until it reaches COMPLETED, RETRYING, FAILED or CANCELLED.
// On shutdown the job is left RUNNING and the lease reaper later hands it to another worker;
// the ledger makes the resumed run skip every item already recorded.
func (e *Executor) Execute(ctx context.Context, job *models.EmbeddingJob) (err error) {
	ctx = observability.WithLogAttrs(observability.WithJobID(ctx, job.ID.String()),
		slog.String("job_type", string(job.Type)), slog.Int("run", job.RetryCount))
	ctx, span := observability.StartJobSpan(ctx, job.ID, string(job.Type), job.RetryCount)

	defer func() { observability.EndSpan(span, err) }()
	defer e.progress.Forget(job.ID)

	e.progress.Track(job)

	logger := slog.Default()
	logger.InfoContext(ctx, "executing job",
		"processed_items", job.ProcessedItems,
		"total_items", job.TotalItems,
	)

	run, job, prepErr := e.prepare(ctx, job, logger)
	if prepErr != nil {
		return e.finish(ctx, job, models.JobOptions{}, logger, prepErr)
	}

	passErr := e.forwardPass(ctx, run)
	if passErr == nil {
		passErr = e.reattemptPass(ctx, run)
	}

	return e.finish(ctx, run.job, run.opts, logger, passErr)
}

// prepare decodes the config, resolves models and materialises the item ledger.
func (e *Executor) prepare(ctx context.Context, job *models.EmbeddingJob, logger *slog.Logger) (*jobRun, *models.EmbeddingJob, error) {
	strategy, ok := e.strategies[job.Type]
	if !ok {
		return nil, job, huberrors.NewFatalError(fmt.Sprintf("no strategy for job type %s", job.Type), nil)
	}

	cfg, err := models.DecodeJobConfig(job.Type, job.ConfigJSON)
	if err != nil {
		return nil, job, err
	}

	opts := cfg.Options()

	active, err := e.activeModels(ctx, strategy.TargetTypes(cfg), opts)
	if err != nil {
		return nil, job, err
	}

	if job.ItemsResolvedAt == nil {
		targets, err := strategy.ResolveTargets(ctx, e.embeddings, cfg, active)
		if err != nil {
			return nil, job, fmt.Errorf("resolve targets: %w", err)
		}

		resolved, err := e.jobs.ResolveItems(ctx, job.ID, targets, e.now().UTC())
		switch {
		case errors.Is(err, huberrors.ErrConflict):
			// Resolved by an earlier run that died before we read it.
			if resolved, err = e.jobs.Get(ctx, job.ID); err != nil {
				return nil, job, fmt.Errorf("reload job: %w", err)
			}
		case err != nil:
			return nil, job, fmt.Errorf("store item set: %w", err)
		}

		job = resolved
		e.progress.Track(job)
		logger.InfoContext(ctx, "resolved job items", "total_items", job.TotalItems)
	}

	parallelism := e.itemParallelism
	if opts.ItemParallelism > 0 {
		parallelism = opts.ItemParallelism
	}

	return &jobRun{
		job:         job,
		opts:        opts,
		active:      active,
		force:       opts.ForceRecompute(strategy.ForceByDefault()),
		parallelism: max(1, min(job.BatchSize, parallelism)),
		logger:      logger,
	}, job, nil
}

func (e *Executor) activeModels(ctx context.Context, types []models.TargetType, opts models.JobOptions) (ActiveModels, error) {
	active := make(ActiveModels, len(types))

	for _, t := range types {
		if opts.Model != "" {
			active[t] = models.ModelVersion{TargetType: t, Model: opts.Model, Version: opts.Version}

			continue
		}

		mv, err := e.models.ActiveModel(ctx, t)
		if err != nil {
			if errors.Is(err, huberrors.ErrNotFound) {
				return nil, huberrors.NewFatalError(fmt.Sprintf("no active model for %s embeddings", t), err)
			}

			return nil, fmt.Errorf("resolve active model for %s: %w", t, err)
		}

		active[t] = mv
	}

	return active, nil
}

// forwardPass walks the batches from the resume offset in ascending order and processes
// every item not yet recorded.
func (e *Executor) forwardPass(ctx context.Context, run *jobRun) error {
	job := run.job
	start := ResumeOffset(job.ProcessedItems, job.BatchSize)

	for batch := range Partition(job.TotalItems, job.BatchSize, start) {
		if err := e.boundary(ctx, run); err != nil {
			return err
		}

		items, err := e.jobs.ListItems(ctx, job.ID, ItemFilter{
			FromSeq: batch.Offset,
			ToSeq:   batch.End(),
			States:  []models.ItemState{models.ItemPending},
		})
		if err != nil {
			return e.storeError(ctx, fmt.Errorf("list items [%d, %d): %w", batch.Offset, batch.End(), err))
		}

		if err := e.runBatch(ctx, run, items, false); err != nil {
			return err
		}
	}

	return nil
}

// reattemptPass retries items that failed transiently in an earlier run. Items failing
// again in this run are not picked up twice.
func (e *Executor) reattemptPass(ctx context.Context, run *jobRun) error {
	if run.job.RetryCount == 0 {
		return nil
	}

	runNo := run.job.RetryCount
	next := 0

	for {
		if err := e.boundary(ctx, run); err != nil {
			return err
		}

		items, err := e.jobs.ListItems(ctx, run.job.ID, ItemFilter{
			FromSeq:   next,
			States:    []models.ItemState{models.ItemFailed},
			BeforeRun: &runNo,
			Limit:     run.job.BatchSize,
		})
		if err != nil {
			return e.storeError(ctx, fmt.Errorf("list failed items: %w", err))
		}

		if len(items) == 0 {
			return nil
		}

		run.logger.InfoContext(ctx, "re-attempting failed items", "count", len(items), "from_seq", items[0].Seq)

		if err := e.runBatch(ctx, run, items, true); err != nil {
			return err
		}

		next = items[len(items)-1].Seq + 1
	}
}

// boundary refreshes the lease and observes cancellation and shutdown between batches.
func (e *Executor) boundary(ctx context.Context, run *jobRun) error {
	if ctx.Err() != nil {
		return errShutdown
	}

	cancelRequested, err := e.jobs.Heartbeat(ctx, run.job.ID, e.now().UTC())
	if err != nil {
		if errors.Is(err, huberrors.ErrConflict) || errors.Is(err, huberrors.ErrNotFound) {
			return errLeaseLost
		}

		return e.storeError(ctx, fmt.Errorf("heartbeat: %w", err))
	}

	if cancelRequested {
		return errCancelRequested
	}

	return nil
}

func (e *Executor) storeError(ctx context.Context, err error) error {
	if isShutdown(ctx, err) {
		return errShutdown
	}

	return err
}

// runBatch processes items concurrently and waits for all of them. Item failures are
// recorded, not returned; the error is a run-level stop (fatal item error, lease lost,
// shutdown, or a store failure while recording).
func (e *Executor) runBatch(ctx context.Context, run *jobRun, items []models.JobItem, reattempt bool) (err error) {
	if len(items) == 0 {
		return nil
	}

	ctx, span := observability.StartBatchSpan(ctx, items[0].Seq, len(items), reattempt)
	defer func() { observability.EndSpan(span, err) }()

	start := time.Now()

	var g errgroup.Group
	g.SetLimit(run.parallelism)

	for _, item := range items {
		g.Go(func() error {
			return e.processItem(ctx, run, item, reattempt)
		})
	}

	err = g.Wait()

	if e.metrics != nil {
		e.metrics.RecordBatchDuration(ctx, string(run.job.Type), time.Since(start))
	}

	return err
}

// processItem computes and records one item. Only run-level stops are returned.
func (e *Executor) processItem(ctx context.Context, run *jobRun, item models.JobItem, reattempt bool) error {
	start := time.Now()

	outcome, itemErr := e.computeItem(ctx, run, item.Target)
	if itemErr != nil {
		if isShutdown(ctx, itemErr) {
			return errShutdown
		}

		switch ClassifyItemError(itemErr) {
		case ClassFatal:
			return itemErr
		case ClassPermanent:
			outcome = models.OutcomePermanent
		default:
			outcome = models.OutcomeFailure
		}

		run.logger.WarnContext(ctx, "item failed",
			"seq", item.Seq,
			"target", item.Target.String(),
			"outcome", outcome,
			"error", itemErr,
		)
	}

	res := models.ItemResult{
		Seq:       item.Seq,
		Outcome:   outcome,
		Duration:  time.Since(start),
		Err:       itemErr,
		Reattempt: reattempt,
	}

	// The result is recorded even during shutdown; the work is already done.
	if _, err := e.progress.RecordItemResult(context.WithoutCancel(ctx), run.job, item.Target, res); err != nil {
		if errors.Is(err, huberrors.ErrConflict) {
			return errLeaseLost
		}

		return err
	}

	return nil
}

// computeItem runs the staleness check, inference call and store write for one target.
// Calls that started are allowed to finish after shutdown; waiting for budget is not.
func (e *Executor) computeItem(ctx context.Context, run *jobRun, ref models.TargetRef) (models.ItemOutcome, error) {
	callCtx := context.WithoutCancel(ctx)

	rec, err := e.embeddings.Load(callCtx, ref)
	if err != nil {
		return "", fmt.Errorf("load %s: %w", ref, err)
	}

	mv := run.active[ref.Type]
	if !NeedsProcessing(rec, mv.Model, mv.Version, run.force) {
		return models.OutcomeSkipped, nil
	}

	release, err := e.budget.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	wasUsable := rec.Meta().Usable()

	if err := e.embeddings.MarkStatus(callCtx, ref, models.ProcessingProcessing); err != nil {
		return "", fmt.Errorf("mark %s processing: %w", ref, err)
	}

	if err := e.computeAndStore(callCtx, rec, mv); err != nil {
		failed := models.ProcessingFailed
		if wasUsable {
			failed = models.ProcessingStale
		}

		if markErr := e.embeddings.MarkStatus(callCtx, ref, failed); markErr != nil {
			run.logger.ErrorContext(ctx, "failed to restore target status", "target", ref.String(), "error", markErr)
		}

		return "", err
	}

	return models.OutcomeSuccess, nil
}

func (e *Executor) computeAndStore(ctx context.Context, rec models.TargetRecord, mv models.ModelVersion) error {
	ref := rec.Ref()

	result, err := e.inference.Compute(ctx, rec.Payload(), mv.Model)
	if err != nil {
		return fmt.Errorf("compute %s: %w", ref, err)
	}

	if err := embeddings.Validate(result.Vector, e.dimensions); err != nil {
		var dimErr *embeddings.DimensionError
		if errors.As(err, &dimErr) {
			// Every item of the model would fail the same way.
			return huberrors.NewFatalError("model "+mv.Model, err)
		}

		return huberrors.NewPermanentError("inference result for "+ref.String(), err)
	}

	out := models.EmbeddingResult{
		Ref:         ref,
		Vector:      embeddings.Normalized(result.Vector),
		Scores:      result.Scores,
		Model:       mv.Model,
		Version:     mv.Version,
		ProcessedAt: e.now().UTC(),
	}

	if u, ok := rec.(*models.UserEmbedding); ok {
		count := u.InteractionCount
		out.InteractionCount = &count
	}

	if err := e.embeddings.UpsertResult(ctx, out); err != nil {
		return fmt.Errorf("store %s: %w", ref, err)
	}

	return nil
}

// finish moves the job to its resting state after a run ended with passErr.
func (e *Executor) finish(ctx context.Context, job *models.EmbeddingJob, opts models.JobOptions, logger *slog.Logger, passErr error) error {
	switch {
	case errors.Is(passErr, errShutdown):
		logger.InfoContext(ctx, "job interrupted by shutdown, leaving it for recovery")

		return nil
	case errors.Is(passErr, errLeaseLost):
		logger.WarnContext(ctx, "job lease lost, abandoning run")

		return nil
	}

	// The final transition must land even while the process shuts down.
	ctx = context.WithoutCancel(ctx)
	now := e.now().UTC()

	current, err := e.jobs.Get(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("reload job %s: %w", job.ID, err)
	}

	var upd models.TransitionUpdate

	switch {
	case errors.Is(passErr, errCancelRequested) || current.CancelRequested:
		// A cancel accepted during the last batch has no later boundary to observe it.
		upd = models.TransitionUpdate{To: models.JobStatusCancelled, CompletedAt: &now}
	case passErr != nil:
		msg := passErr.Error()
		if ClassifyJobError(passErr) == ClassFatal {
			upd = models.TransitionUpdate{To: models.JobStatusFailed, ErrorMessage: &msg, CompletedAt: &now}
		} else {
			upd = e.retryOrFail(current, opts, msg, now)
		}
	case opts.FailureAcceptable(current.FailedItems, current.TotalItems):
		upd = models.TransitionUpdate{To: models.JobStatusCompleted, ClearErrorMessage: true, CompletedAt: &now}
	default:
		upd = e.retryOrFail(current, opts, e.failureSummary(ctx, current), now)
	}

	upd.From = models.JobStatusRunning

	final, err := e.machine.transition(ctx, job.ID, job.Type, upd)
	if err != nil {
		if errors.Is(err, huberrors.ErrConflict) {
			logger.WarnContext(ctx, "job changed state during finalisation", "error", err)

			return nil
		}

		return err
	}

	logger.InfoContext(ctx, "job run finished",
		"status", final.Status,
		"total_items", final.TotalItems,
		"processed_items", final.ProcessedItems,
		"success_items", final.SuccessItems,
		"failed_items", final.FailedItems,
		"retry_count", final.RetryCount,
	)

	return nil
}

func (e *Executor) retryOrFail(job *models.EmbeddingJob, opts models.JobOptions, msg string, now time.Time) models.TransitionUpdate {
	if e.retry.ShouldRetry(job, ClassTransient) {
		next := e.retry.NextAttemptAt(job, opts)

		return models.TransitionUpdate{
			To:             models.JobStatusRetrying,
			IncrementRetry: true,
			ErrorMessage:   &msg,
			NextAttemptAt:  &next,
		}
	}

	return models.TransitionUpdate{To: models.JobStatusFailed, ErrorMessage: &msg, CompletedAt: &now}
}

// failureSummary describes the failed items of job, quoting the first recorded error.
func (e *Executor) failureSummary(ctx context.Context, job *models.EmbeddingJob) string {
	msg := fmt.Sprintf("%d of %d items failed", job.FailedItems, job.TotalItems)

	items, err := e.jobs.ListItems(ctx, job.ID, ItemFilter{
		States: []models.ItemState{models.ItemFailed, models.ItemFailedPermanent},
		Limit:  1,
	})
	if err == nil && len(items) > 0 && items[0].LastError != nil {
		msg += ": " + *items[0].LastError
	}

	return msg
}
