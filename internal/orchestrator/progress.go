package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/streamlane/embedhub/internal/models"
	"github.com/streamlane/embedhub/internal/observability"
)

// ProgressAggregator applies item results to a job's persisted counters. The store applies
// each result as one atomic delta, so concurrent workers never read-modify-write the row.
// The aggregator mirrors the latest snapshot of running jobs for observers; the mirror is
// a cache and the store row always wins.
type ProgressAggregator struct {
	store   JobStore
	metrics observability.JobMetrics

	mu        sync.RWMutex
	snapshots map[uuid.UUID]*models.EmbeddingJob
}

// NewProgressAggregator creates an aggregator. metrics may be nil.
func NewProgressAggregator(store JobStore, metrics observability.JobMetrics) *ProgressAggregator {
	return &ProgressAggregator{
		store:     store,
		metrics:   metrics,
		snapshots: make(map[uuid.UUID]*models.EmbeddingJob),
	}
}

// RecordItemResult records the outcome of one item of job and returns the updated snapshot.
// A forward result adds one to processed_items and one to success_items or failed_items.
// A re-attempt of a failed item moves one count from failed_items to success_items on
// success and changes nothing on failure. Skipped items count as successes.
func (a *ProgressAggregator) RecordItemResult(
	ctx context.Context, job *models.EmbeddingJob, target models.TargetRef, res models.ItemResult,
) (*models.EmbeddingJob, error) {
	rec := ItemRecord{
		Seq:  res.Seq,
		Run:  job.RetryCount,
		From: models.ItemPending,
		To:   res.Outcome.ItemState(),
		Delta: models.ProgressDelta{
			ItemDuration: res.Duration,
			TimeSample:   true,
		},
	}

	if res.Err != nil {
		msg := res.Err.Error()
		rec.Error = &msg
	}

	failed := res.Outcome.Failed()

	switch {
	case res.Reattempt:
		rec.From = models.ItemFailed
		if !failed {
			rec.Delta.Failed = -1
			rec.Delta.Success = 1
		}
	case failed:
		rec.Delta.Processed = 1
		rec.Delta.Failed = 1
	default:
		rec.Delta.Processed = 1
		rec.Delta.Success = 1
	}

	updated, err := a.store.RecordItem(ctx, job.ID, rec)
	if err != nil {
		return nil, fmt.Errorf("record item %d of job %s: %w", res.Seq, job.ID, err)
	}

	if a.metrics != nil {
		a.metrics.RecordItemOutcome(ctx, string(job.Type), string(target.Type), string(res.Outcome), res.Duration)
	}

	a.Track(updated)

	return updated.Clone(), nil
}

// Track stores snap as the observed state of its job unless a newer snapshot is already held.
// Item results can return out of order; the snapshot with more timed samples is newer.
func (a *ProgressAggregator) Track(snap *models.EmbeddingJob) {
	if snap == nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if cur, ok := a.snapshots[snap.ID]; ok && cur.TimedItems > snap.TimedItems {
		return
	}

	a.snapshots[snap.ID] = snap.Clone()
}

// Snapshot returns the mirrored progress of a running job.
func (a *ProgressAggregator) Snapshot(id uuid.UUID) (*models.EmbeddingJob, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	snap, ok := a.snapshots[id]
	if !ok {
		return nil, false
	}

	return snap.Clone(), true
}

// Forget drops the mirror of a job whose run has ended.
func (a *ProgressAggregator) Forget(id uuid.UUID) {
	a.mu.Lock()
	delete(a.snapshots, id)
	a.mu.Unlock()
}

// Running returns the ids of jobs currently mirrored.
func (a *ProgressAggregator) Running() []uuid.UUID {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(a.snapshots))
	for id := range a.snapshots {
		ids = append(ids, id)
	}

	return ids
}

// ApplyDelta folds delta into job in place. Stores call it under their own serialisation point.
// The running mean counts every timed sample: avg + (t - avg) / n.
func ApplyDelta(job *models.EmbeddingJob, delta models.ProgressDelta) {
	job.ProcessedItems += delta.Processed
	job.SuccessItems += delta.Success
	job.FailedItems += delta.Failed

	if delta.TimeSample {
		job.TimedItems++
		ms := float64(delta.ItemDuration.Microseconds()) / 1000
		job.AvgProcessingTime += (ms - job.AvgProcessingTime) / float64(job.TimedItems)
	}
}
