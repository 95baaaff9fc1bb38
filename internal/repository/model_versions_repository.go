package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamlane/embedhub/internal/huberrors"
	"github.com/streamlane/embedhub/internal/models"
)

// ModelVersionsRepository stores the active embedding model of each target collection.
type ModelVersionsRepository struct {
	db *pgxpool.Pool
}

// NewModelVersionsRepository creates a new model versions repository.
func NewModelVersionsRepository(db *pgxpool.Pool) *ModelVersionsRepository {
	return &ModelVersionsRepository{db: db}
}

// ActiveModel returns the active model of target.
func (r *ModelVersionsRepository) ActiveModel(ctx context.Context, target models.TargetType) (models.ModelVersion, error) {
	var mv models.ModelVersion

	err := r.db.QueryRow(ctx, `
		SELECT target_type, model, version, activated_at
		FROM embedding_model_versions WHERE target_type = $1`, string(target),
	).Scan(&mv.TargetType, &mv.Model, &mv.Version, &mv.ActivatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ModelVersion{}, huberrors.NewNotFoundError("model version", "no active model for "+string(target))
		}

		return models.ModelVersion{}, fmt.Errorf("failed to get active model: %w", err)
	}

	return mv, nil
}

// Activate makes model/version the active model of target. Rows computed under any other
// model or version become stale candidates.
func (r *ModelVersionsRepository) Activate(ctx context.Context, target models.TargetType, model, version string) (models.ModelVersion, error) {
	var mv models.ModelVersion

	err := r.db.QueryRow(ctx, `
		INSERT INTO embedding_model_versions (target_type, model, version, activated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (target_type) DO UPDATE
		SET model = EXCLUDED.model, version = EXCLUDED.version, activated_at = EXCLUDED.activated_at
		RETURNING target_type, model, version, activated_at`,
		string(target), model, version,
	).Scan(&mv.TargetType, &mv.Model, &mv.Version, &mv.ActivatedAt)
	if err != nil {
		return models.ModelVersion{}, fmt.Errorf("failed to activate model: %w", err)
	}

	return mv, nil
}

// List returns the active model of every target collection that has one.
func (r *ModelVersionsRepository) List(ctx context.Context) ([]models.ModelVersion, error) {
	rows, err := r.db.Query(ctx, `
		SELECT target_type, model, version, activated_at
		FROM embedding_model_versions ORDER BY target_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to list model versions: %w", err)
	}
	defer rows.Close()

	var out []models.ModelVersion

	for rows.Next() {
		var mv models.ModelVersion
		if err := rows.Scan(&mv.TargetType, &mv.Model, &mv.Version, &mv.ActivatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan model version: %w", err)
		}

		out = append(out, mv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating model versions: %w", err)
	}

	return out, nil
}
