package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamlane/embedhub/internal/huberrors"
	"github.com/streamlane/embedhub/internal/models"
	"github.com/streamlane/embedhub/internal/orchestrator"
)

func newJob(mutate func(*models.EmbeddingJob)) *models.EmbeddingJob {
	now := time.Now().UTC().Truncate(time.Microsecond)
	job := &models.EmbeddingJob{
		ID:         uuid.Must(uuid.NewV7()),
		Type:       models.JobTypeVideoEmbedding,
		Status:     models.JobStatusPending,
		BatchSize:  10,
		MaxRetries: 2,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if mutate != nil {
		mutate(job)
	}

	return job
}

func TestEmbeddingJobsRepository_InsertGet(t *testing.T) {
	repo := NewEmbeddingJobsRepository(testDB(t))
	ctx := context.Background()

	job := newJob(func(j *models.EmbeddingJob) { j.ConfigJSON = []byte(`{"force":true}`) })

	created, err := repo.Insert(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, job.ID, created.ID)
	assert.Equal(t, models.JobStatusPending, created.Status)
	assert.JSONEq(t, `{"force":true}`, string(created.ConfigJSON))

	_, err = repo.Insert(ctx, job)
	assert.ErrorIs(t, err, huberrors.ErrConflict)

	got, err := repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.NoError(t, got.CheckInvariants())

	_, err = repo.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, huberrors.ErrNotFound)
}

func TestEmbeddingJobsRepository_DequeueOrder(t *testing.T) {
	repo := NewEmbeddingJobsRepository(testDB(t))
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)

	low := newJob(func(j *models.EmbeddingJob) { j.Priority = 5; j.CreatedAt = base })
	urgentLate := newJob(func(j *models.EmbeddingJob) { j.Priority = 0; j.CreatedAt = base.Add(2 * time.Second) })
	urgentEarly := newJob(func(j *models.EmbeddingJob) { j.Priority = 0; j.CreatedAt = base.Add(time.Second) })

	for _, j := range []*models.EmbeddingJob{low, urgentLate, urgentEarly} {
		_, err := repo.Insert(ctx, j)
		require.NoError(t, err)
	}

	now := time.Now().UTC()

	var order []uuid.UUID

	for range 3 {
		job, prev, err := repo.Dequeue(ctx, now)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, models.JobStatusPending, prev)
		assert.Equal(t, models.JobStatusRunning, job.Status)
		assert.NotNil(t, job.StartedAt)
		assert.NotNil(t, job.HeartbeatAt)
		order = append(order, job.ID)
	}

	assert.Equal(t, []uuid.UUID{urgentEarly.ID, urgentLate.ID, low.ID}, order)

	job, _, err := repo.Dequeue(ctx, now)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestEmbeddingJobsRepository_DequeueRespectsBackoff(t *testing.T) {
	repo := NewEmbeddingJobsRepository(testDB(t))
	ctx := context.Background()
	now := time.Now().UTC()
	later := now.Add(time.Minute)

	_, err := repo.Insert(ctx, newJob(nil))
	require.NoError(t, err)

	job, _, err := repo.Dequeue(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, job)

	msg := "inference unavailable"
	_, err = repo.Transition(ctx, job.ID, models.TransitionUpdate{
		From:           models.JobStatusRunning,
		To:             models.JobStatusRetrying,
		IncrementRetry: true,
		ErrorMessage:   &msg,
		NextAttemptAt:  &later,
	})
	require.NoError(t, err)

	none, _, err := repo.Dequeue(ctx, now)
	require.NoError(t, err)
	assert.Nil(t, none)

	again, prev, err := repo.Dequeue(ctx, later.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, models.JobStatusRetrying, prev)
	assert.Equal(t, 1, again.RetryCount)
	assert.Equal(t, job.StartedAt.UTC(), again.StartedAt.UTC(), "started_at keeps the first start")
}

func TestEmbeddingJobsRepository_ConcurrentDequeue(t *testing.T) {
	repo := NewEmbeddingJobsRepository(testDB(t))
	ctx := context.Background()

	const jobs = 20

	for range jobs {
		_, err := repo.Insert(ctx, newJob(nil))
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed = make(map[uuid.UUID]int)
		wg      sync.WaitGroup
	)

	for range 5 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for {
				job, _, err := repo.Dequeue(ctx, time.Now().UTC())
				if err != nil || job == nil {
					return
				}

				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	assert.Len(t, claimed, jobs)

	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func TestEmbeddingJobsRepository_Transition(t *testing.T) {
	repo := NewEmbeddingJobsRepository(testDB(t))
	ctx := context.Background()

	_, err := repo.Insert(ctx, newJob(func(j *models.EmbeddingJob) { j.MaxRetries = 1 }))
	require.NoError(t, err)

	job, _, err := repo.Dequeue(ctx, time.Now().UTC())
	require.NoError(t, err)

	t.Run("wrong from status conflicts", func(t *testing.T) {
		_, err := repo.Transition(ctx, job.ID, models.TransitionUpdate{
			From: models.JobStatusPending,
			To:   models.JobStatusCancelled,
		})
		assert.ErrorIs(t, err, huberrors.ErrConflict)
	})

	t.Run("heartbeat guard", func(t *testing.T) {
		before := time.Now().UTC().Add(-time.Hour)
		_, err := repo.Transition(ctx, job.ID, models.TransitionUpdate{
			From:            models.JobStatusRunning,
			To:              models.JobStatusRetrying,
			HeartbeatBefore: &before,
		})
		assert.ErrorIs(t, err, huberrors.ErrConflict)
	})

	t.Run("retry then cap", func(t *testing.T) {
		next := time.Now().UTC()
		retried, err := repo.Transition(ctx, job.ID, models.TransitionUpdate{
			From:           models.JobStatusRunning,
			To:             models.JobStatusRetrying,
			IncrementRetry: true,
			NextAttemptAt:  &next,
		})
		require.NoError(t, err)
		assert.Equal(t, 1, retried.RetryCount)

		_, _, err = repo.Dequeue(ctx, next.Add(time.Second))
		require.NoError(t, err)

		_, err = repo.Transition(ctx, job.ID, models.TransitionUpdate{
			From:           models.JobStatusRunning,
			To:             models.JobStatusRetrying,
			IncrementRetry: true,
		})
		assert.ErrorIs(t, err, huberrors.ErrConflict)
	})

	t.Run("completes", func(t *testing.T) {
		done := time.Now().UTC()
		completed, err := repo.Transition(ctx, job.ID, models.TransitionUpdate{
			From:              models.JobStatusRunning,
			To:                models.JobStatusCompleted,
			CompletedAt:       &done,
			ClearErrorMessage: true,
		})
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCompleted, completed.Status)
		assert.NoError(t, completed.CheckInvariants())
	})

	t.Run("unknown job", func(t *testing.T) {
		_, err := repo.Transition(ctx, uuid.New(), models.TransitionUpdate{
			From: models.JobStatusRunning,
			To:   models.JobStatusFailed,
		})
		assert.ErrorIs(t, err, huberrors.ErrNotFound)
	})
}

func TestEmbeddingJobsRepository_ItemLedger(t *testing.T) {
	repo := NewEmbeddingJobsRepository(testDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := repo.Insert(ctx, newJob(nil))
	require.NoError(t, err)

	job, _, err := repo.Dequeue(ctx, now)
	require.NoError(t, err)

	targets := []models.TargetRef{
		{Type: models.TargetVideo, ID: uuid.New()},
		{Type: models.TargetVideo, ID: uuid.New()},
		{Type: models.TargetVideo, ID: uuid.New()},
	}

	resolved, err := repo.ResolveItems(ctx, job.ID, targets, now)
	require.NoError(t, err)
	assert.Equal(t, 3, resolved.TotalItems)
	assert.NotNil(t, resolved.ItemsResolvedAt)

	_, err = repo.ResolveItems(ctx, job.ID, targets, now)
	assert.ErrorIs(t, err, huberrors.ErrConflict)

	items, err := repo.ListItems(ctx, job.ID, orchestrator.ItemFilter{})
	require.NoError(t, err)
	require.Len(t, items, 3)

	for i, item := range items {
		assert.Equal(t, i, item.Seq)
		assert.Equal(t, targets[i], item.Target)
		assert.Equal(t, models.ItemPending, item.State)
	}

	updated, err := repo.RecordItem(ctx, job.ID, orchestrator.ItemRecord{
		Seq:  0,
		From: models.ItemPending,
		To:   models.ItemSucceeded,
		Delta: models.ProgressDelta{
			Processed: 1, Success: 1, ItemDuration: 10 * time.Millisecond, TimeSample: true,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.ProcessedItems)
	assert.InDelta(t, 10.0, updated.AvgProcessingTime, 0.001)

	msg := "timeout"
	updated, err = repo.RecordItem(ctx, job.ID, orchestrator.ItemRecord{
		Seq:   1,
		From:  models.ItemPending,
		To:    models.ItemFailed,
		Error: &msg,
		Delta: models.ProgressDelta{
			Processed: 1, Failed: 1, ItemDuration: 30 * time.Millisecond, TimeSample: true,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.ProcessedItems)
	assert.Equal(t, 1, updated.FailedItems)
	assert.InDelta(t, 20.0, updated.AvgProcessingTime, 0.001)
	assert.NoError(t, updated.CheckInvariants())

	_, err = repo.RecordItem(ctx, job.ID, orchestrator.ItemRecord{
		Seq:   0,
		From:  models.ItemPending,
		To:    models.ItemSucceeded,
		Delta: models.ProgressDelta{Processed: 1, Success: 1},
	})
	assert.ErrorIs(t, err, huberrors.ErrConflict, "an item is recorded once per state")

	reloaded, err := repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.ProcessedItems, "rejected record leaves counters untouched")

	failed, err := repo.ListItems(ctx, job.ID, orchestrator.ItemFilter{States: []models.ItemState{models.ItemFailed}})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Seq)
	assert.Equal(t, 1, failed[0].Attempts)
	assert.Equal(t, &msg, failed[0].LastError)

	window, err := repo.ListItems(ctx, job.ID, orchestrator.ItemFilter{FromSeq: 1, ToSeq: 3, Limit: 1})
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, 1, window[0].Seq)
}

func TestEmbeddingJobsRepository_CancelAndHeartbeat(t *testing.T) {
	repo := NewEmbeddingJobsRepository(testDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	pending, err := repo.Insert(ctx, newJob(nil))
	require.NoError(t, err)

	cancelled, prev, err := repo.RequestCancel(ctx, pending.ID, now)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, prev)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CompletedAt)

	_, _, err = repo.RequestCancel(ctx, pending.ID, now)
	assert.ErrorIs(t, err, huberrors.ErrConflict)

	_, err = repo.Insert(ctx, newJob(nil))
	require.NoError(t, err)

	running, _, err := repo.Dequeue(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, running)

	flag, err := repo.Heartbeat(ctx, running.ID, now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, flag)

	flagged, prev, err := repo.RequestCancel(ctx, running.ID, now)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, prev)
	assert.Equal(t, models.JobStatusRunning, flagged.Status)
	assert.True(t, flagged.CancelRequested)

	flag, err = repo.Heartbeat(ctx, running.ID, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.True(t, flag)

	_, err = repo.Heartbeat(ctx, pending.ID, now)
	assert.ErrorIs(t, err, huberrors.ErrConflict)

	expired, err := repo.ListExpired(ctx, now.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, running.ID, expired[0].ID)

	active, err := repo.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, active)
}

func TestEmbeddingJobsRepository_List(t *testing.T) {
	repo := NewEmbeddingJobsRepository(testDB(t))
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond)

	for i, jt := range []models.JobType{models.JobTypeVideoEmbedding, models.JobTypeUserEmbedding, models.JobTypeVideoEmbedding} {
		_, err := repo.Insert(ctx, newJob(func(j *models.EmbeddingJob) {
			j.Type = jt
			j.CreatedAt = base.Add(time.Duration(i) * time.Second)
		}))
		require.NoError(t, err)
	}

	all, err := repo.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].CreatedAt.After(all[1].CreatedAt), "newest first")

	videoType := models.JobTypeVideoEmbedding
	videos, err := repo.List(ctx, &models.ListEmbeddingJobsFilters{Type: &videoType, Limit: 1})
	require.NoError(t, err)
	require.Len(t, videos, 1)
	assert.Equal(t, models.JobTypeVideoEmbedding, videos[0].Type)
}
