// Package repository provides Postgres data access for embedding jobs and their targets.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamlane/embedhub/internal/huberrors"
	"github.com/streamlane/embedhub/internal/models"
	"github.com/streamlane/embedhub/internal/orchestrator"
)

const defaultJobListLimit = 100

const jobColumns = `id, type, status, batch_size, priority, config_json,
	total_items, processed_items, failed_items, success_items, retry_count, max_retries,
	error_message, started_at, completed_at, avg_processing_time, timed_items,
	next_attempt_at, cancel_requested, heartbeat_at, items_resolved_at, created_at, updated_at`

// EmbeddingJobsRepository is the Postgres orchestrator.JobStore.
type EmbeddingJobsRepository struct {
	db *pgxpool.Pool
}

// NewEmbeddingJobsRepository creates a new embedding jobs repository.
func NewEmbeddingJobsRepository(db *pgxpool.Pool) *EmbeddingJobsRepository {
	return &EmbeddingJobsRepository{db: db}
}

var _ orchestrator.JobStore = (*EmbeddingJobsRepository)(nil)

func scanJob(row pgx.Row, extra ...any) (*models.EmbeddingJob, error) {
	var job models.EmbeddingJob

	dest := append(extra,
		&job.ID, &job.Type, &job.Status, &job.BatchSize, &job.Priority, &job.ConfigJSON,
		&job.TotalItems, &job.ProcessedItems, &job.FailedItems, &job.SuccessItems, &job.RetryCount, &job.MaxRetries,
		&job.ErrorMessage, &job.StartedAt, &job.CompletedAt, &job.AvgProcessingTime, &job.TimedItems,
		&job.NextAttemptAt, &job.CancelRequested, &job.HeartbeatAt, &job.ItemsResolvedAt, &job.CreatedAt, &job.UpdatedAt,
	)

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	return &job, nil
}

func jobNotFound() error {
	return huberrors.NewNotFoundError("embedding job", "embedding job not found")
}

// Insert stores a new job.
func (r *EmbeddingJobsRepository) Insert(ctx context.Context, job *models.EmbeddingJob) (*models.EmbeddingJob, error) {
	query := `
		INSERT INTO embedding_jobs (
			id, type, status, batch_size, priority, config_json, max_retries, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING ` + jobColumns

	var config []byte
	if len(job.ConfigJSON) > 0 {
		config = job.ConfigJSON
	}

	created, err := scanJob(r.db.QueryRow(ctx, query,
		job.ID, string(job.Type), string(job.Status), job.BatchSize, job.Priority, config,
		job.MaxRetries, job.CreatedAt, job.UpdatedAt,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, huberrors.NewConflictError("embedding job already exists")
		}

		return nil, fmt.Errorf("failed to insert embedding job: %w", err)
	}

	return created, nil
}

// Get retrieves a single job by ID.
func (r *EmbeddingJobsRepository) Get(ctx context.Context, id uuid.UUID) (*models.EmbeddingJob, error) {
	job, err := scanJob(r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM embedding_jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, jobNotFound()
		}

		return nil, fmt.Errorf("failed to get embedding job: %w", err)
	}

	return job, nil
}

// List retrieves jobs newest first with optional filters.
func (r *EmbeddingJobsRepository) List(ctx context.Context, filters *models.ListEmbeddingJobsFilters) ([]models.EmbeddingJob, error) {
	query := `SELECT ` + jobColumns + ` FROM embedding_jobs`

	var (
		conditions []string
		args       []any
	)

	argCount := 1
	limit, offset := defaultJobListLimit, 0

	if filters != nil {
		if filters.Status != nil {
			conditions = append(conditions, fmt.Sprintf("status = $%d", argCount))
			args = append(args, string(*filters.Status))
			argCount++
		}

		if filters.Type != nil {
			conditions = append(conditions, fmt.Sprintf("type = $%d", argCount))
			args = append(args, string(*filters.Type))
			argCount++
		}

		if filters.Limit > 0 {
			limit = filters.Limit
		}

		offset = filters.Offset
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", argCount, argCount+1)
	args = append(args, limit, offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list embedding jobs: %w", err)
	}
	defer rows.Close()

	jobs := []models.EmbeddingJob{}

	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan embedding job: %w", err)
		}

		jobs = append(jobs, *job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating embedding jobs: %w", err)
	}

	return jobs, nil
}

// CountActive counts jobs that are not in a terminal state.
func (r *EmbeddingJobsRepository) CountActive(ctx context.Context) (int, error) {
	var count int

	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM embedding_jobs WHERE status IN ('PENDING', 'RUNNING', 'RETRYING')`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active embedding jobs: %w", err)
	}

	return count, nil
}

// Dequeue claims the most urgent eligible job with FOR UPDATE SKIP LOCKED, so concurrent
// dispatchers never receive the same row.
func (r *EmbeddingJobsRepository) Dequeue(ctx context.Context, now time.Time) (*models.EmbeddingJob, models.JobStatus, error) {
	query := `
		WITH next AS (
			SELECT id AS next_id, status AS prev_status
			FROM embedding_jobs
			WHERE status = 'PENDING'
			   OR (status = 'RETRYING'
			       AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
			       AND retry_count <= max_retries)
			ORDER BY priority ASC, created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE embedding_jobs
		SET status = 'RUNNING',
		    started_at = COALESCE(started_at, $1),
		    heartbeat_at = $1,
		    next_attempt_at = NULL,
		    updated_at = NOW()
		FROM next
		WHERE id = next.next_id
		RETURNING next.prev_status, ` + jobColumns

	var from models.JobStatus

	job, err := scanJob(r.db.QueryRow(ctx, query, now), &from)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", nil
		}

		return nil, "", fmt.Errorf("failed to dequeue embedding job: %w", err)
	}

	return job, from, nil
}

// Transition applies upd only while the job is still in upd.From.
func (r *EmbeddingJobsRepository) Transition(ctx context.Context, id uuid.UUID, upd models.TransitionUpdate) (*models.EmbeddingJob, error) {
	query := `
		UPDATE embedding_jobs
		SET status = $3,
		    retry_count = retry_count + CASE WHEN $4 THEN 1 ELSE 0 END,
		    error_message = CASE
		        WHEN $5::text IS NOT NULL THEN $5::text
		        WHEN $6 THEN NULL
		        ELSE error_message
		    END,
		    next_attempt_at = COALESCE($7::timestamptz, next_attempt_at),
		    completed_at = COALESCE($8::timestamptz, completed_at),
		    updated_at = NOW()
		WHERE id = $1
		  AND status = $2
		  AND ($9::timestamptz IS NULL OR heartbeat_at IS NULL OR heartbeat_at < $9::timestamptz)
		  AND (NOT $4 OR retry_count < max_retries)
		RETURNING ` + jobColumns

	job, err := scanJob(r.db.QueryRow(ctx, query,
		id, string(upd.From), string(upd.To), upd.IncrementRetry,
		upd.ErrorMessage, upd.ClearErrorMessage, upd.NextAttemptAt, upd.CompletedAt, upd.HeartbeatBefore,
	))
	if err == nil {
		return job, nil
	}

	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to transition embedding job: %w", err)
	}

	current, err := r.currentStatus(ctx, r.db, id)
	if err != nil {
		return nil, err
	}

	if current != upd.From {
		return nil, huberrors.NewConflictError(fmt.Sprintf("job is %s, not %s", current, upd.From))
	}

	if upd.HeartbeatBefore != nil {
		return nil, huberrors.NewConflictError("job lease is still held")
	}

	return nil, huberrors.NewConflictError("retry_count would exceed max_retries")
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *EmbeddingJobsRepository) currentStatus(ctx context.Context, q querier, id uuid.UUID) (models.JobStatus, error) {
	var status models.JobStatus

	err := q.QueryRow(ctx, `SELECT status FROM embedding_jobs WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", jobNotFound()
		}

		return "", fmt.Errorf("failed to read embedding job status: %w", err)
	}

	return status, nil
}

// RequestCancel cancels queued jobs and flags running ones, under a row lock.
func (r *EmbeddingJobsRepository) RequestCancel(
	ctx context.Context, id uuid.UUID, now time.Time,
) (*models.EmbeddingJob, models.JobStatus, error) {
	var (
		job  *models.EmbeddingJob
		from models.JobStatus
	)

	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `SELECT status FROM embedding_jobs WHERE id = $1 FOR UPDATE`, id).Scan(&from)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return jobNotFound()
			}

			return fmt.Errorf("failed to lock embedding job: %w", err)
		}

		var query string

		switch from {
		case models.JobStatusPending, models.JobStatusRetrying:
			query = `
				UPDATE embedding_jobs
				SET status = 'CANCELLED', completed_at = $2, next_attempt_at = NULL, updated_at = $2
				WHERE id = $1
				RETURNING ` + jobColumns
		case models.JobStatusRunning:
			query = `
				UPDATE embedding_jobs
				SET cancel_requested = TRUE, updated_at = $2
				WHERE id = $1
				RETURNING ` + jobColumns
		default:
			return huberrors.NewConflictError("job is already " + string(from))
		}

		job, err = scanJob(tx.QueryRow(ctx, query, id, now))
		if err != nil {
			return fmt.Errorf("failed to cancel embedding job: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, "", err
	}

	return job, from, nil
}

// Heartbeat refreshes the lease of a RUNNING job and returns its cancel flag.
func (r *EmbeddingJobsRepository) Heartbeat(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	var cancelRequested bool

	err := r.db.QueryRow(ctx, `
		UPDATE embedding_jobs SET heartbeat_at = $2
		WHERE id = $1 AND status = 'RUNNING'
		RETURNING cancel_requested`, id, now,
	).Scan(&cancelRequested)
	if err == nil {
		return cancelRequested, nil
	}

	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("failed to heartbeat embedding job: %w", err)
	}

	status, err := r.currentStatus(ctx, r.db, id)
	if err != nil {
		return false, err
	}

	return false, huberrors.NewConflictError("job is " + string(status))
}

// ListExpired returns RUNNING jobs whose heartbeat is older than cutoff, stalest first.
func (r *EmbeddingJobsRepository) ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]models.EmbeddingJob, error) {
	if limit <= 0 {
		limit = defaultJobListLimit
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+jobColumns+`
		FROM embedding_jobs
		WHERE status = 'RUNNING' AND heartbeat_at < $1
		ORDER BY heartbeat_at ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired embedding jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.EmbeddingJob

	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan embedding job: %w", err)
		}

		jobs = append(jobs, *job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating expired embedding jobs: %w", err)
	}

	return jobs, nil
}
