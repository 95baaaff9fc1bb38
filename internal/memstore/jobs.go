// Package memstore provides in-memory implementations of the orchestrator stores. They back
// dry runs and tests; every method is serialised by one mutex per store.
package memstore

import (
	"bytes"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamlane/embedhub/internal/huberrors"
	"github.com/streamlane/embedhub/internal/models"
	"github.com/streamlane/embedhub/internal/orchestrator"
)

const defaultListLimit = 100

// Jobs is an in-memory orchestrator.JobStore.
type Jobs struct {
	mu    sync.Mutex
	jobs  map[uuid.UUID]*models.EmbeddingJob
	items map[uuid.UUID][]models.JobItem
	now   func() time.Time
}

// NewJobs creates an empty job store.
func NewJobs() *Jobs {
	return &Jobs{
		jobs:  make(map[uuid.UUID]*models.EmbeddingJob),
		items: make(map[uuid.UUID][]models.JobItem),
		now:   time.Now,
	}
}

var _ orchestrator.JobStore = (*Jobs)(nil)

func jobNotFound() error {
	return huberrors.NewNotFoundError("embedding job", "embedding job not found")
}

// Insert stores a copy of job.
func (s *Jobs) Insert(_ context.Context, job *models.EmbeddingJob) (*models.EmbeddingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return nil, huberrors.NewConflictError("embedding job already exists")
	}

	s.jobs[job.ID] = job.Clone()

	return job.Clone(), nil
}

// Get returns a copy of the job.
func (s *Jobs) Get(_ context.Context, id uuid.UUID) (*models.EmbeddingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, jobNotFound()
	}

	return job.Clone(), nil
}

// List returns jobs newest first.
func (s *Jobs) List(_ context.Context, filters *models.ListEmbeddingJobsFilters) ([]models.EmbeddingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.EmbeddingJob, 0, len(s.jobs))

	for _, job := range s.jobs {
		if filters != nil && filters.Status != nil && job.Status != *filters.Status {
			continue
		}

		if filters != nil && filters.Type != nil && job.Type != *filters.Type {
			continue
		}

		out = append(out, *job.Clone())
	}

	slices.SortFunc(out, func(a, b models.EmbeddingJob) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}

		return bytes.Compare(b.ID[:], a.ID[:])
	})

	limit, offset := defaultListLimit, 0
	if filters != nil {
		if filters.Limit > 0 {
			limit = filters.Limit
		}

		offset = filters.Offset
	}

	if offset >= len(out) {
		return []models.EmbeddingJob{}, nil
	}

	return out[offset:min(len(out), offset+limit)], nil
}

// CountActive counts non-terminal jobs.
func (s *Jobs) CountActive(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0

	for _, job := range s.jobs {
		if !job.Status.IsTerminal() {
			n++
		}
	}

	return n, nil
}

func eligible(job *models.EmbeddingJob, now time.Time) bool {
	switch job.Status {
	case models.JobStatusPending:
		return true
	case models.JobStatusRetrying:
		due := job.NextAttemptAt == nil || !job.NextAttemptAt.After(now)

		return due && job.RetryCount <= job.MaxRetries
	default:
		return false
	}
}

// before orders jobs by priority, then age, then id.
func before(a, b *models.EmbeddingJob) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}

	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}

	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}

// Dequeue claims the most urgent eligible job.
func (s *Jobs) Dequeue(_ context.Context, now time.Time) (*models.EmbeddingJob, models.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *models.EmbeddingJob

	for _, job := range s.jobs {
		if eligible(job, now) && (next == nil || before(job, next)) {
			next = job
		}
	}

	if next == nil {
		return nil, "", nil
	}

	from := next.Status
	next.Status = models.JobStatusRunning

	if next.StartedAt == nil {
		started := now
		next.StartedAt = &started
	}

	hb := now
	next.HeartbeatAt = &hb
	next.NextAttemptAt = nil
	next.UpdatedAt = s.now().UTC()

	return next.Clone(), from, nil
}

// Transition applies upd when the job is still in upd.From.
func (s *Jobs) Transition(_ context.Context, id uuid.UUID, upd models.TransitionUpdate) (*models.EmbeddingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, jobNotFound()
	}

	if job.Status != upd.From {
		return nil, huberrors.NewConflictError("job is " + string(job.Status) + ", not " + string(upd.From))
	}

	if upd.HeartbeatBefore != nil && job.HeartbeatAt != nil && !job.HeartbeatAt.Before(*upd.HeartbeatBefore) {
		return nil, huberrors.NewConflictError("job lease is still held")
	}

	if upd.IncrementRetry && job.RetryCount >= job.MaxRetries {
		return nil, huberrors.NewConflictError("retry_count would exceed max_retries")
	}

	job.Status = upd.To

	if upd.IncrementRetry {
		job.RetryCount++
	}

	switch {
	case upd.ErrorMessage != nil:
		msg := *upd.ErrorMessage
		job.ErrorMessage = &msg
	case upd.ClearErrorMessage:
		job.ErrorMessage = nil
	}

	if upd.NextAttemptAt != nil {
		next := *upd.NextAttemptAt
		job.NextAttemptAt = &next
	}

	if upd.CompletedAt != nil {
		done := *upd.CompletedAt
		job.CompletedAt = &done
	}

	job.UpdatedAt = s.now().UTC()

	return job.Clone(), nil
}

// RequestCancel cancels queued jobs and flags running ones.
func (s *Jobs) RequestCancel(_ context.Context, id uuid.UUID, now time.Time) (*models.EmbeddingJob, models.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, "", jobNotFound()
	}

	from := job.Status

	switch from {
	case models.JobStatusPending, models.JobStatusRetrying:
		done := now
		job.Status = models.JobStatusCancelled
		job.CompletedAt = &done
		job.NextAttemptAt = nil
	case models.JobStatusRunning:
		job.CancelRequested = true
	default:
		return nil, "", huberrors.NewConflictError("job is already " + string(from))
	}

	job.UpdatedAt = s.now().UTC()

	return job.Clone(), from, nil
}

// Heartbeat refreshes the lease of a RUNNING job.
func (s *Jobs) Heartbeat(_ context.Context, id uuid.UUID, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return false, jobNotFound()
	}

	if job.Status != models.JobStatusRunning {
		return false, huberrors.NewConflictError("job is " + string(job.Status))
	}

	hb := now
	job.HeartbeatAt = &hb

	return job.CancelRequested, nil
}

// ListExpired returns RUNNING jobs whose heartbeat is older than cutoff, stalest first.
func (s *Jobs) ListExpired(_ context.Context, cutoff time.Time, limit int) ([]models.EmbeddingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.EmbeddingJob

	for _, job := range s.jobs {
		if job.Status == models.JobStatusRunning && job.HeartbeatAt != nil && job.HeartbeatAt.Before(cutoff) {
			out = append(out, *job.Clone())
		}
	}

	slices.SortFunc(out, func(a, b models.EmbeddingJob) int {
		return a.HeartbeatAt.Compare(*b.HeartbeatAt)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

// ResolveItems materialises the job's item ledger once.
func (s *Jobs) ResolveItems(_ context.Context, id uuid.UUID, targets []models.TargetRef, now time.Time) (*models.EmbeddingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, jobNotFound()
	}

	if job.ItemsResolvedAt != nil {
		return nil, huberrors.NewConflictError("job items already resolved")
	}

	items := make([]models.JobItem, len(targets))
	for i, ref := range targets {
		items[i] = models.JobItem{JobID: id, Seq: i, Target: ref, State: models.ItemPending, UpdatedAt: now}
	}

	s.items[id] = items
	resolved := now
	job.ItemsResolvedAt = &resolved
	job.TotalItems = len(targets)
	job.UpdatedAt = s.now().UTC()

	return job.Clone(), nil
}

// ListItems returns ledger items matching filter in seq order.
func (s *Jobs) ListItems(_ context.Context, id uuid.UUID, filter orchestrator.ItemFilter) ([]models.JobItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return nil, jobNotFound()
	}

	var out []models.JobItem

	for _, item := range s.items[id] {
		if item.Seq < filter.FromSeq || (filter.ToSeq > 0 && item.Seq >= filter.ToSeq) {
			continue
		}

		if len(filter.States) > 0 && !slices.Contains(filter.States, item.State) {
			continue
		}

		if filter.BeforeRun != nil && item.Run >= *filter.BeforeRun {
			continue
		}

		out = append(out, cloneItem(item))

		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}

	return out, nil
}

// RecordItem moves one ledger item and applies the counter delta atomically.
func (s *Jobs) RecordItem(_ context.Context, id uuid.UUID, rec orchestrator.ItemRecord) (*models.EmbeddingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, jobNotFound()
	}

	if job.Status != models.JobStatusRunning {
		return nil, huberrors.NewConflictError("job is " + string(job.Status))
	}

	items := s.items[id]
	if rec.Seq < 0 || rec.Seq >= len(items) {
		return nil, huberrors.NewNotFoundError("job item", "job item not found")
	}

	item := &items[rec.Seq]
	if item.State != rec.From {
		return nil, huberrors.NewConflictError("item is " + string(item.State) + ", not " + string(rec.From))
	}

	item.State = rec.To
	item.Attempts++
	item.Run = rec.Run
	item.LastError = nil

	if rec.Error != nil {
		msg := *rec.Error
		item.LastError = &msg
	}

	now := s.now().UTC()
	item.UpdatedAt = now

	orchestrator.ApplyDelta(job, rec.Delta)
	job.UpdatedAt = now

	return job.Clone(), nil
}

func cloneItem(item models.JobItem) models.JobItem {
	if item.LastError != nil {
		msg := *item.LastError
		item.LastError = &msg
	}

	return item
}
