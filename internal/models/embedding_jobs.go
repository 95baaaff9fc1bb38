package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobType selects the embedding target collection and computation strategy of a job.
type JobType string

const (
	JobTypeVideoEmbedding    JobType = "VIDEO_EMBEDDING"
	JobTypeUserEmbedding     JobType = "USER_EMBEDDING"
	JobTypeCommentEmbedding  JobType = "COMMENT_EMBEDDING"
	JobTypeSearchEmbedding   JobType = "SEARCH_EMBEDDING"
	JobTypeBatchUpdate       JobType = "BATCH_UPDATE"
	JobTypeIncrementalUpdate JobType = "INCREMENTAL_UPDATE"
)

// JobTypes lists every supported job type.
var JobTypes = []JobType{
	JobTypeVideoEmbedding,
	JobTypeUserEmbedding,
	JobTypeCommentEmbedding,
	JobTypeSearchEmbedding,
	JobTypeBatchUpdate,
	JobTypeIncrementalUpdate,
}

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	for _, known := range JobTypes {
		if t == known {
			return true
		}
	}

	return false
}

// JobStatus is the lifecycle state of an embedding job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
	JobStatusRetrying  JobStatus = "RETRYING"
)

// JobStatuses lists every job status.
var JobStatuses = []JobStatus{
	JobStatusPending,
	JobStatusRunning,
	JobStatusCompleted,
	JobStatusFailed,
	JobStatusCancelled,
	JobStatusRetrying,
}

// IsTerminal reports whether no further transition may leave s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	for _, known := range JobStatuses {
		if s == known {
			return true
		}
	}

	return false
}

var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:  {JobStatusRunning, JobStatusCancelled},
	JobStatusRunning:  {JobStatusCompleted, JobStatusFailed, JobStatusRetrying, JobStatusCancelled},
	JobStatusRetrying: {JobStatusRunning, JobStatusFailed, JobStatusCancelled},
}

// CanTransition reports whether the state machine allows from -> to.
// Terminal states have no outgoing edges.
func CanTransition(from, to JobStatus) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}

	return false
}

// EmbeddingJob is a unit of scheduled embedding work. The persisted row is the
// source of truth for progress; in-memory copies are snapshots.
type EmbeddingJob struct {
	ID                uuid.UUID       `json:"id"`
	Type              JobType         `json:"type"`
	Status            JobStatus       `json:"status"`
	BatchSize         int             `json:"batch_size"`
	Priority          int             `json:"priority"`
	ConfigJSON        json.RawMessage `json:"config_json,omitempty"`
	TotalItems        int             `json:"total_items"`
	ProcessedItems    int             `json:"processed_items"`
	FailedItems       int             `json:"failed_items"`
	SuccessItems      int             `json:"success_items"`
	RetryCount        int             `json:"retry_count"`
	MaxRetries        int             `json:"max_retries"`
	ErrorMessage      *string         `json:"error_message,omitempty"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	AvgProcessingTime float64         `json:"avg_processing_time_ms"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`

	NextAttemptAt   *time.Time `json:"next_attempt_at,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`
	HeartbeatAt     *time.Time `json:"heartbeat_at,omitempty"`
	ItemsResolvedAt *time.Time `json:"items_resolved_at,omitempty"`
	TimedItems      int        `json:"-"`
}

// CheckInvariants verifies the counter, retry and timestamp invariants of a job at rest.
func (j *EmbeddingJob) CheckInvariants() error {
	if j.ProcessedItems != j.FailedItems+j.SuccessItems {
		return fmt.Errorf("processed_items %d != failed_items %d + success_items %d",
			j.ProcessedItems, j.FailedItems, j.SuccessItems)
	}

	if j.ProcessedItems > j.TotalItems {
		return fmt.Errorf("processed_items %d exceeds total_items %d", j.ProcessedItems, j.TotalItems)
	}

	if j.RetryCount < 0 || j.RetryCount > j.MaxRetries {
		return fmt.Errorf("retry_count %d outside [0, %d]", j.RetryCount, j.MaxRetries)
	}

	if j.Status.IsTerminal() != (j.CompletedAt != nil) {
		return fmt.Errorf("completed_at set=%t inconsistent with status %s", j.CompletedAt != nil, j.Status)
	}

	return nil
}

// Clone returns a deep copy, so callers can hand out snapshots without sharing pointers.
func (j *EmbeddingJob) Clone() *EmbeddingJob {
	c := *j
	if j.ConfigJSON != nil {
		c.ConfigJSON = append(json.RawMessage(nil), j.ConfigJSON...)
	}

	c.ErrorMessage = clonePtr(j.ErrorMessage)
	c.StartedAt = clonePtr(j.StartedAt)
	c.CompletedAt = clonePtr(j.CompletedAt)
	c.NextAttemptAt = clonePtr(j.NextAttemptAt)
	c.HeartbeatAt = clonePtr(j.HeartbeatAt)
	c.ItemsResolvedAt = clonePtr(j.ItemsResolvedAt)

	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}

	v := *p

	return &v
}

// CreateEmbeddingJobRequest is the admission payload for a new job.
type CreateEmbeddingJobRequest struct {
	Type       JobType         `json:"type" validate:"required,job_type"`
	BatchSize  int             `json:"batch_size" validate:"omitempty,min=1,max=10000"`
	Priority   int             `json:"priority" validate:"omitempty,min=-1000,max=1000"`
	MaxRetries *int            `json:"max_retries,omitempty" validate:"omitempty,min=0,max=100"`
	Config     json.RawMessage `json:"config,omitempty"`
}

// TransitionUpdate describes a conditional status change; nil fields are left untouched.
type TransitionUpdate struct {
	From              JobStatus
	To                JobStatus
	IncrementRetry    bool
	ErrorMessage      *string
	ClearErrorMessage bool
	NextAttemptAt     *time.Time
	CompletedAt       *time.Time
	// HeartbeatBefore restricts the update to jobs whose lease expired before this instant.
	HeartbeatBefore *time.Time
}

// ProgressDelta is one atomic change to a job's counters.
type ProgressDelta struct {
	Processed int
	Success   int
	Failed    int
	// ItemDuration is folded into the running mean when TimeSample is set.
	ItemDuration time.Duration
	TimeSample   bool
}

// ListEmbeddingJobsFilters represents filters for listing jobs.
type ListEmbeddingJobsFilters struct {
	Status *JobStatus `form:"status" validate:"omitempty,job_status"`
	Type   *JobType   `form:"type" validate:"omitempty,job_type"`
	Limit  int        `form:"limit" validate:"omitempty,min=1,max=1000"`
	Offset int        `form:"offset" validate:"omitempty,min=0"`
}

// ListEmbeddingJobsResponse represents the response for listing jobs.
type ListEmbeddingJobsResponse struct {
	Data   []EmbeddingJob `json:"data"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}
