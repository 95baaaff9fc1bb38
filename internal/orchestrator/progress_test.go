package orchestrator

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/streamlane/embedhub/internal/models"
)

func TestApplyDelta(t *testing.T) {
	job := &models.EmbeddingJob{ID: uuid.New(), TotalItems: 4}

	ApplyDelta(job, models.ProgressDelta{Processed: 1, Success: 1, ItemDuration: 10 * time.Millisecond, TimeSample: true})
	ApplyDelta(job, models.ProgressDelta{Processed: 1, Failed: 1, ItemDuration: 20 * time.Millisecond, TimeSample: true})
	ApplyDelta(job, models.ProgressDelta{Processed: 1, Success: 1, ItemDuration: 30 * time.Millisecond, TimeSample: true})

	assert.Equal(t, 3, job.ProcessedItems)
	assert.Equal(t, 2, job.SuccessItems)
	assert.Equal(t, 1, job.FailedItems)
	assert.Equal(t, 3, job.TimedItems)
	assert.InDelta(t, 20.0, job.AvgProcessingTime, 1e-9)

	// a re-attempt moves the failure to success and still contributes a sample
	ApplyDelta(job, models.ProgressDelta{Failed: -1, Success: 1, ItemDuration: 60 * time.Millisecond, TimeSample: true})

	assert.Equal(t, 3, job.ProcessedItems)
	assert.Equal(t, 3, job.SuccessItems)
	assert.Equal(t, 0, job.FailedItems)
	assert.Equal(t, 4, job.TimedItems)
	assert.InDelta(t, 30.0, job.AvgProcessingTime, 1e-9)
}

func TestApplyDelta_WithoutSample(t *testing.T) {
	job := &models.EmbeddingJob{AvgProcessingTime: 12.5, TimedItems: 2}

	ApplyDelta(job, models.ProgressDelta{Processed: 1, Success: 1})

	assert.Equal(t, 2, job.TimedItems)
	assert.InDelta(t, 12.5, job.AvgProcessingTime, 1e-9)
}

func TestProgressAggregator_TrackKeepsNewest(t *testing.T) {
	a := NewProgressAggregator(nil, nil)
	id := uuid.New()

	a.Track(&models.EmbeddingJob{ID: id, ProcessedItems: 5, TimedItems: 5})
	a.Track(&models.EmbeddingJob{ID: id, ProcessedItems: 3, TimedItems: 3})

	snap, ok := a.Snapshot(id)
	assert.True(t, ok)
	assert.Equal(t, 5, snap.ProcessedItems)
	assert.Equal(t, []uuid.UUID{id}, a.Running())

	a.Forget(id)

	_, ok = a.Snapshot(id)
	assert.False(t, ok)
	assert.Empty(t, a.Running())

	a.Track(nil)
	assert.Empty(t, a.Running())
}
