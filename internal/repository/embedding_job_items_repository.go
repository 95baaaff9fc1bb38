package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/streamlane/embedhub/internal/huberrors"
	"github.com/streamlane/embedhub/internal/models"
	"github.com/streamlane/embedhub/internal/orchestrator"
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError

	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ResolveItems stores the ordered item ledger and total_items in one transaction. The
// items_resolved_at guard makes a second resolution a ConflictError.
func (r *EmbeddingJobsRepository) ResolveItems(
	ctx context.Context, id uuid.UUID, targets []models.TargetRef, now time.Time,
) (*models.EmbeddingJob, error) {
	var job *models.EmbeddingJob

	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var err error

		job, err = scanJob(tx.QueryRow(ctx, `
			UPDATE embedding_jobs
			SET total_items = $2, items_resolved_at = $3, updated_at = NOW()
			WHERE id = $1 AND items_resolved_at IS NULL
			RETURNING `+jobColumns, id, len(targets), now))
		if err != nil {
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("failed to resolve embedding job items: %w", err)
			}

			if _, err := r.currentStatus(ctx, tx, id); err != nil {
				return err
			}

			return huberrors.NewConflictError("job items already resolved")
		}

		if len(targets) == 0 {
			return nil
		}

		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"embedding_job_items"},
			[]string{"job_id", "seq", "target_type", "target_id", "state", "updated_at"},
			pgx.CopyFromSlice(len(targets), func(i int) ([]any, error) {
				return []any{id, i, string(targets[i].Type), targets[i].ID, string(models.ItemPending), now}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("failed to copy embedding job items: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return job, nil
}

// ListItems returns ledger items of job matching filter in seq order.
func (r *EmbeddingJobsRepository) ListItems(ctx context.Context, id uuid.UUID, filter orchestrator.ItemFilter) ([]models.JobItem, error) {
	query := `
		SELECT job_id, seq, target_type, target_id, state, attempts, run, last_error, updated_at
		FROM embedding_job_items
		WHERE job_id = $1 AND seq >= $2`

	args := []any{id, filter.FromSeq}
	argCount := 3

	if filter.ToSeq > 0 {
		query += fmt.Sprintf(" AND seq < $%d", argCount)
		args = append(args, filter.ToSeq)
		argCount++
	}

	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, s := range filter.States {
			states[i] = string(s)
		}

		query += fmt.Sprintf(" AND state = ANY($%d)", argCount)
		args = append(args, states)
		argCount++
	}

	if filter.BeforeRun != nil {
		query += fmt.Sprintf(" AND run < $%d", argCount)
		args = append(args, *filter.BeforeRun)
		argCount++
	}

	query += " ORDER BY seq ASC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list embedding job items: %w", err)
	}
	defer rows.Close()

	var items []models.JobItem

	for rows.Next() {
		var item models.JobItem

		if err := rows.Scan(
			&item.JobID, &item.Seq, &item.Target.Type, &item.Target.ID, &item.State,
			&item.Attempts, &item.Run, &item.LastError, &item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan embedding job item: %w", err)
		}

		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating embedding job items: %w", err)
	}

	return items, nil
}

// RecordItem moves one item and folds rec.Delta into the job counters in one transaction.
// Locking the job row first serialises concurrent results of the same job, and the
// running mean is computed in SQL from the locked row.
func (r *EmbeddingJobsRepository) RecordItem(ctx context.Context, id uuid.UUID, rec orchestrator.ItemRecord) (*models.EmbeddingJob, error) {
	var job *models.EmbeddingJob

	ms := float64(rec.Delta.ItemDuration.Microseconds()) / 1000

	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var err error

		job, err = scanJob(tx.QueryRow(ctx, `
			UPDATE embedding_jobs
			SET processed_items = processed_items + $2,
			    success_items = success_items + $3,
			    failed_items = failed_items + $4,
			    timed_items = timed_items + CASE WHEN $5 THEN 1 ELSE 0 END,
			    avg_processing_time = CASE
			        WHEN $5 THEN avg_processing_time + ($6::float8 - avg_processing_time) / (timed_items + 1)
			        ELSE avg_processing_time
			    END,
			    updated_at = NOW()
			WHERE id = $1 AND status = 'RUNNING'
			RETURNING `+jobColumns,
			id, rec.Delta.Processed, rec.Delta.Success, rec.Delta.Failed, rec.Delta.TimeSample, ms,
		))
		if err != nil {
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("failed to update embedding job counters: %w", err)
			}

			status, err := r.currentStatus(ctx, tx, id)
			if err != nil {
				return err
			}

			return huberrors.NewConflictError("job is " + string(status))
		}

		tag, err := tx.Exec(ctx, `
			UPDATE embedding_job_items
			SET state = $4, attempts = attempts + 1, run = $5, last_error = $6, updated_at = NOW()
			WHERE job_id = $1 AND seq = $2 AND state = $3`,
			id, rec.Seq, string(rec.From), string(rec.To), rec.Run, rec.Error,
		)
		if err != nil {
			return fmt.Errorf("failed to record embedding job item: %w", err)
		}

		if tag.RowsAffected() == 0 {
			return itemConflict(ctx, tx, id, rec)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return job, nil
}

func itemConflict(ctx context.Context, tx pgx.Tx, id uuid.UUID, rec orchestrator.ItemRecord) error {
	var state string

	err := tx.QueryRow(ctx, `SELECT state FROM embedding_job_items WHERE job_id = $1 AND seq = $2`, id, rec.Seq).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return huberrors.NewNotFoundError("job item", "job item not found")
		}

		return fmt.Errorf("failed to read embedding job item: %w", err)
	}

	return huberrors.NewConflictError(fmt.Sprintf("item is %s, not %s", state, rec.From))
}
