// Package orchestrator schedules, executes, retries and tracks embedding jobs.
package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/streamlane/embedhub/internal/datatypes"
	"github.com/streamlane/embedhub/internal/models"
)

// ItemFilter selects ledger items of one job, ordered by seq.
type ItemFilter struct {
	// FromSeq and ToSeq bound seq to [FromSeq, ToSeq); ToSeq <= 0 means unbounded.
	FromSeq int
	ToSeq   int
	States  []models.ItemState
	// BeforeRun keeps only items last recorded in an earlier run.
	BeforeRun *int
	Limit     int
}

// ItemRecord is one atomic ledger update plus the counter delta it implies.
type ItemRecord struct {
	Seq   int
	Run   int
	From  models.ItemState
	To    models.ItemState
	Error *string
	Delta models.ProgressDelta
}

// JobStore persists jobs and their item ledger. Every method that changes a job is a
// single atomic operation on the store; none is a read-modify-write done by the caller.
type JobStore interface {
	Insert(ctx context.Context, job *models.EmbeddingJob) (*models.EmbeddingJob, error)
	Get(ctx context.Context, id uuid.UUID) (*models.EmbeddingJob, error)
	List(ctx context.Context, filters *models.ListEmbeddingJobsFilters) ([]models.EmbeddingJob, error)
	CountActive(ctx context.Context) (int, error)

	// Dequeue claims the next eligible job, marks it RUNNING and returns it with the status it
	// left; a nil job when none is eligible.
	Dequeue(ctx context.Context, now time.Time) (*models.EmbeddingJob, models.JobStatus, error)
	// Transition applies upd only if the job is still in upd.From; ConflictError otherwise.
	Transition(ctx context.Context, id uuid.UUID, upd models.TransitionUpdate) (*models.EmbeddingJob, error)
	// RequestCancel cancels a PENDING or RETRYING job outright and flags a RUNNING one for the
	// executor. It returns the job and the status it had before the call.
	RequestCancel(ctx context.Context, id uuid.UUID, now time.Time) (*models.EmbeddingJob, models.JobStatus, error)
	// Heartbeat refreshes the lease of a RUNNING job and reports whether cancellation was requested.
	Heartbeat(ctx context.Context, id uuid.UUID, now time.Time) (cancelRequested bool, err error)
	ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]models.EmbeddingJob, error)

	// ResolveItems stores the ordered item set and total_items once; ConflictError if already resolved.
	ResolveItems(ctx context.Context, id uuid.UUID, targets []models.TargetRef, now time.Time) (*models.EmbeddingJob, error)
	ListItems(ctx context.Context, id uuid.UUID, filter ItemFilter) ([]models.JobItem, error)
	// RecordItem moves one item from rec.From to rec.To and applies rec.Delta to the job counters
	// in the same transaction. ConflictError when the item is not in rec.From or the job is not RUNNING.
	RecordItem(ctx context.Context, id uuid.UUID, rec ItemRecord) (*models.EmbeddingJob, error)
}

// EmbeddingStore is the persistence surface over the four embedding target collections.
type EmbeddingStore interface {
	Load(ctx context.Context, ref models.TargetRef) (models.TargetRecord, error)
	UpsertResult(ctx context.Context, res models.EmbeddingResult) error
	MarkStatus(ctx context.Context, ref models.TargetRef, status models.ProcessingStatus) error
	FindStaleCandidates(ctx context.Context, target models.TargetType, model, version string, limit int) ([]models.TargetRef, error)
	ListTargets(ctx context.Context, target models.TargetType, limit int) ([]models.TargetRef, error)
	EnsureSearchTarget(ctx context.Context, query string, userID *uuid.UUID) (models.TargetRef, error)
	FindSearchEmbedding(ctx context.Context, query string, userID *uuid.UUID) (*models.SearchEmbedding, error)
}

// InferenceClient computes the vector and scores for one item.
type InferenceClient interface {
	Compute(ctx context.Context, payload models.InferencePayload, model string) (models.InferenceResult, error)
}

// ModelResolver returns the active model and version for a target collection.
type ModelResolver interface {
	ActiveModel(ctx context.Context, target models.TargetType) (models.ModelVersion, error)
}

// EventPublisher receives job lifecycle events.
type EventPublisher interface {
	PublishEvent(ctx context.Context, eventType datatypes.EventType, data any)
}
