package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/streamlane/embedhub/internal/huberrors"
	"github.com/streamlane/embedhub/internal/models"
	"github.com/streamlane/embedhub/internal/orchestrator"
)

// EmbeddingsRepository handles data access for the four embedding target tables.
// Vectors are stored as halfvec (2 bytes per dimension); pgvector-go converts float32 to
// float16 when encoding, so the pool must register the pgvector types.
type EmbeddingsRepository struct {
	db *pgxpool.Pool
}

// NewEmbeddingsRepository creates a new embeddings repository.
func NewEmbeddingsRepository(db *pgxpool.Pool) *EmbeddingsRepository {
	return &EmbeddingsRepository{db: db}
}

var _ orchestrator.EmbeddingStore = (*EmbeddingsRepository)(nil)

type targetTable struct {
	name string
	key  string
}

var targetTables = map[models.TargetType]targetTable{
	models.TargetVideo:   {name: "video_embeddings", key: "video_id"},
	models.TargetUser:    {name: "user_embeddings", key: "user_id"},
	models.TargetComment: {name: "comment_embeddings", key: "comment_id"},
	models.TargetSearch:  {name: "search_embeddings", key: "id"},
}

func tableFor(target models.TargetType) (targetTable, error) {
	t, ok := targetTables[target]
	if !ok {
		return targetTable{}, huberrors.NewValidationError("target_type", "unknown target type "+string(target))
	}

	return t, nil
}

const metaColumns = `embedding_model, embedding_version, processing_status, last_processed_at, created_at, updated_at`

func metaDest(m *models.EmbeddingMeta) []any {
	return []any{&m.EmbeddingModel, &m.EmbeddingVersion, &m.ProcessingStatus, &m.LastProcessedAt, &m.CreatedAt, &m.UpdatedAt}
}

func vectorSlice(v *pgvector.HalfVector) []float32 {
	if v == nil {
		return nil
	}

	return v.Slice()
}

func targetNotFound(ref models.TargetRef) error {
	return huberrors.NewNotFoundError(string(ref.Type)+" embedding", ref.String()+" not found")
}

// Load reads the target row referenced by ref.
func (r *EmbeddingsRepository) Load(ctx context.Context, ref models.TargetRef) (models.TargetRecord, error) {
	var (
		vec *pgvector.HalfVector
		rec models.TargetRecord
		err error
	)

	switch ref.Type {
	case models.TargetVideo:
		v := &models.VideoEmbedding{}
		err = r.db.QueryRow(ctx, `
			SELECT video_id, source_text, embedding, quality_score, `+metaColumns+`
			FROM video_embeddings WHERE video_id = $1`, ref.ID,
		).Scan(append([]any{&v.VideoID, &v.SourceText, &vec, &v.QualityScore}, metaDest(&v.EmbeddingMeta)...)...)
		v.Embedding = vectorSlice(vec)
		rec = v
	case models.TargetUser:
		u := &models.UserEmbedding{}
		err = r.db.QueryRow(ctx, `
			SELECT user_id, embedding, confidence_score, interaction_count, interactions_at_calculation,
			       last_update_threshold, last_calculated_at, `+metaColumns+`
			FROM user_embeddings WHERE user_id = $1`, ref.ID,
		).Scan(append([]any{
			&u.UserID, &vec, &u.ConfidenceScore, &u.InteractionCount, &u.InteractionsAtCalculation,
			&u.LastUpdateThreshold, &u.LastCalculatedAt,
		}, metaDest(&u.EmbeddingMeta)...)...)
		u.Embedding = vectorSlice(vec)
		rec = u
	case models.TargetComment:
		c := &models.CommentEmbedding{}
		err = r.db.QueryRow(ctx, `
			SELECT comment_id, source_text, embedding, toxicity_score, relevance_score, sentiment_score, `+metaColumns+`
			FROM comment_embeddings WHERE comment_id = $1`, ref.ID,
		).Scan(append([]any{
			&c.CommentID, &c.SourceText, &vec, &c.ToxicityScore, &c.RelevanceScore, &c.SentimentScore,
		}, metaDest(&c.EmbeddingMeta)...)...)
		c.Embedding = vectorSlice(vec)
		rec = c
	case models.TargetSearch:
		var s *models.SearchEmbedding

		s, err = scanSearch(r.db.QueryRow(ctx, `SELECT `+searchColumns+` FROM search_embeddings WHERE id = $1`, ref.ID))
		rec = s
	default:
		return nil, huberrors.NewValidationError("target_type", "unknown target type "+string(ref.Type))
	}

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, targetNotFound(ref)
		}

		return nil, fmt.Errorf("failed to load %s: %w", ref, err)
	}

	return rec, nil
}

const searchColumns = `id, query, user_id, embedding, search_count, click_through, avg_watch_time, ` + metaColumns

func scanSearch(row pgx.Row) (*models.SearchEmbedding, error) {
	var (
		s   models.SearchEmbedding
		vec *pgvector.HalfVector
	)

	err := row.Scan(append([]any{
		&s.ID, &s.Query, &s.UserID, &vec, &s.SearchCount, &s.ClickThrough, &s.AvgWatchTime,
	}, metaDest(&s.EmbeddingMeta)...)...)
	if err != nil {
		return nil, err
	}

	s.Embedding = vectorSlice(vec)

	return &s, nil
}

// UpsertResult writes a computed embedding and its scores to the target row and marks it COMPLETED.
// The row must exist; targets are created by their owning pipelines, search targets by EnsureSearchTarget.
func (r *EmbeddingsRepository) UpsertResult(ctx context.Context, res models.EmbeddingResult) error {
	table, err := tableFor(res.Ref.Type)
	if err != nil {
		return err
	}

	args := []any{res.Ref.ID, pgvector.NewHalfVector(res.Vector), res.Model, res.Version, res.ProcessedAt}

	var extra string

	switch res.Ref.Type {
	case models.TargetVideo:
		extra = `, quality_score = $6`
		args = append(args, res.Scores.Quality)
	case models.TargetUser:
		extra = `, confidence_score = $6, last_calculated_at = $5,
			interactions_at_calculation = COALESCE($7, interactions_at_calculation)`
		args = append(args, res.Scores.Confidence, res.InteractionCount)
	case models.TargetComment:
		extra = `, toxicity_score = $6, relevance_score = $7, sentiment_score = $8`
		args = append(args, res.Scores.Toxicity, res.Scores.Relevance, res.Scores.Sentiment)
	case models.TargetSearch:
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET embedding = $2, embedding_model = $3, embedding_version = $4,
		    processing_status = 'COMPLETED', last_processed_at = $5, updated_at = NOW()%s
		WHERE %s = $1`, table.name, extra, table.key)

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to upsert %s embedding: %w", res.Ref.Type, err)
	}

	if tag.RowsAffected() == 0 {
		return targetNotFound(res.Ref)
	}

	return nil
}

// MarkStatus sets processing_status of the target row.
func (r *EmbeddingsRepository) MarkStatus(ctx context.Context, ref models.TargetRef, status models.ProcessingStatus) error {
	table, err := tableFor(ref.Type)
	if err != nil {
		return err
	}

	tag, err := r.db.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET processing_status = $2, updated_at = NOW() WHERE %s = $1`, table.name, table.key),
		ref.ID, string(status),
	)
	if err != nil {
		return fmt.Errorf("failed to mark %s: %w", ref, err)
	}

	if tag.RowsAffected() == 0 {
		return targetNotFound(ref)
	}

	return nil
}

// limitArg maps limit <= 0 to NULL, which Postgres treats as no limit.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}

	return limit
}

// FindStaleCandidates returns rows of target that need computing under model/version, oldest
// first. Rows currently PROCESSING are skipped. The predicate matches orchestrator.NeedsProcessing.
func (r *EmbeddingsRepository) FindStaleCandidates(
	ctx context.Context, target models.TargetType, model, version string, limit int,
) ([]models.TargetRef, error) {
	table, err := tableFor(target)
	if err != nil {
		return nil, err
	}

	userSignal := ""
	if target == models.TargetUser {
		userSignal = `
		       OR (last_update_threshold > 0
		           AND interaction_count - interactions_at_calculation > last_update_threshold)`
	}

	query := fmt.Sprintf(`
		SELECT %[2]s FROM %[1]s
		WHERE processing_status <> 'PROCESSING'
		  AND (processing_status <> 'COMPLETED'
		       OR embedding_model IS DISTINCT FROM $1
		       OR embedding_version IS DISTINCT FROM $2%[3]s)
		ORDER BY created_at ASC, %[2]s ASC
		LIMIT $3`, table.name, table.key, userSignal)

	return r.queryRefs(ctx, target, query, model, version, limitArg(limit))
}

// ListTargets returns every row id of target, oldest first.
func (r *EmbeddingsRepository) ListTargets(ctx context.Context, target models.TargetType, limit int) ([]models.TargetRef, error) {
	table, err := tableFor(target)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %[2]s FROM %[1]s ORDER BY created_at ASC, %[2]s ASC LIMIT $1`, table.name, table.key)

	return r.queryRefs(ctx, target, query, limitArg(limit))
}

func (r *EmbeddingsRepository) queryRefs(ctx context.Context, target models.TargetType, query string, args ...any) ([]models.TargetRef, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s targets: %w", target, err)
	}
	defer rows.Close()

	var refs []models.TargetRef

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan %s target: %w", target, err)
		}

		refs = append(refs, models.TargetRef{Type: target, ID: id})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s targets: %w", target, err)
	}

	return refs, nil
}

// EnsureSearchTarget returns the search row keyed by (query, userID), inserting a PENDING one when
// absent. A nil userID is the anonymous key, distinct from every personalised one.
func (r *EmbeddingsRepository) EnsureSearchTarget(ctx context.Context, query string, userID *uuid.UUID) (models.TargetRef, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return models.TargetRef{}, fmt.Errorf("failed to generate search embedding id: %w", err)
	}

	err = r.db.QueryRow(ctx, `
		INSERT INTO search_embeddings (id, query, user_id)
		VALUES ($1, $2, $3)
		ON CONFLICT ON CONSTRAINT search_embeddings_key DO UPDATE SET query = EXCLUDED.query
		RETURNING id`,
		id, query, userID,
	).Scan(&id)
	if err != nil {
		return models.TargetRef{}, fmt.Errorf("failed to ensure search embedding: %w", err)
	}

	return models.TargetRef{Type: models.TargetSearch, ID: id}, nil
}

// FindSearchEmbedding returns the personalised row for (query, userID) when one exists, otherwise
// the anonymous row for query.
func (r *EmbeddingsRepository) FindSearchEmbedding(ctx context.Context, query string, userID *uuid.UUID) (*models.SearchEmbedding, error) {
	s, err := scanSearch(r.db.QueryRow(ctx, `
		SELECT `+searchColumns+`
		FROM search_embeddings
		WHERE query = $1 AND (user_id IS NULL OR user_id IS NOT DISTINCT FROM $2)
		ORDER BY user_id NULLS LAST
		LIMIT 1`,
		query, userID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, huberrors.NewNotFoundError("search embedding", "search embedding not found")
		}

		return nil, fmt.Errorf("failed to find search embedding: %w", err)
	}

	return s, nil
}
