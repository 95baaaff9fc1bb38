package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/streamlane/embedhub/internal/datatypes"
	"github.com/streamlane/embedhub/internal/huberrors"
	"github.com/streamlane/embedhub/internal/models"
	"github.com/streamlane/embedhub/internal/observability"
)

// stateMachine is the single path through which job status changes. It enforces the
// transition table, persists the change conditionally and announces it.
type stateMachine struct {
	store    JobStore
	events   EventPublisher
	metrics  observability.JobMetrics
	progress *ProgressAggregator
}

func (m *stateMachine) transition(ctx context.Context, id uuid.UUID, jobType models.JobType, upd models.TransitionUpdate) (*models.EmbeddingJob, error) {
	if !models.CanTransition(upd.From, upd.To) {
		return nil, huberrors.NewConflictError(fmt.Sprintf("transition %s -> %s is not allowed", upd.From, upd.To))
	}

	job, err := m.store.Transition(ctx, id, upd)
	if err != nil {
		return nil, fmt.Errorf("transition job %s %s -> %s: %w", id, upd.From, upd.To, err)
	}

	m.announce(ctx, jobType, upd.From, job)

	return job, nil
}

// announce records metrics and publishes the lifecycle event for a transition that the
// store has already applied.
func (m *stateMachine) announce(ctx context.Context, jobType models.JobType, from models.JobStatus, job *models.EmbeddingJob) {
	if m.metrics != nil {
		m.metrics.RecordTransition(ctx, string(jobType), string(from), string(job.Status))
	}

	if m.progress != nil {
		if job.Status == models.JobStatusRunning {
			m.progress.Track(job)
		} else {
			m.progress.Forget(job.ID)
		}
	}

	eventType, ok := eventForStatus(job.Status)
	if !ok {
		return
	}

	if m.events != nil {
		m.events.PublishEvent(ctx, eventType, job.Clone())
	}

	slog.DebugContext(ctx, "job transitioned", "job_id", job.ID, "from", from, "to", job.Status)
}

func eventForStatus(status models.JobStatus) (datatypes.EventType, bool) {
	switch status {
	case models.JobStatusPending:
		return datatypes.JobEnqueued, true
	case models.JobStatusRunning:
		return datatypes.JobStarted, true
	case models.JobStatusRetrying:
		return datatypes.JobRetrying, true
	case models.JobStatusCompleted:
		return datatypes.JobCompleted, true
	case models.JobStatusFailed:
		return datatypes.JobFailed, true
	case models.JobStatusCancelled:
		return datatypes.JobCancelled, true
	}

	return 0, false
}
