package memstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamlane/embedhub/internal/huberrors"
	"github.com/streamlane/embedhub/internal/memstore"
	"github.com/streamlane/embedhub/internal/models"
)

func TestEmbeddings_SearchCompoundKey(t *testing.T) {
	ctx := context.Background()
	s := memstore.NewEmbeddings()
	user := uuid.New()

	anon, err := s.EnsureSearchTarget(ctx, "jazz", nil)
	require.NoError(t, err)

	personal, err := s.EnsureSearchTarget(ctx, "jazz", &user)
	require.NoError(t, err)
	assert.NotEqual(t, anon.ID, personal.ID)

	again, err := s.EnsureSearchTarget(ctx, "jazz", nil)
	require.NoError(t, err)
	assert.Equal(t, anon.ID, again.ID)

	found, err := s.FindSearchEmbedding(ctx, "jazz", &user)
	require.NoError(t, err)
	assert.Equal(t, personal.ID, found.ID)

	other := uuid.New()
	found, err = s.FindSearchEmbedding(ctx, "jazz", &other)
	require.NoError(t, err)
	assert.Equal(t, anon.ID, found.ID, "falls back to the anonymous row")

	_, err = s.FindSearchEmbedding(ctx, "blues", nil)
	assert.ErrorIs(t, err, huberrors.ErrNotFound)
}

func TestEmbeddings_UpsertResult(t *testing.T) {
	ctx := context.Background()
	s := memstore.NewEmbeddings()
	id := uuid.New()
	quality := 0.7

	s.PutVideo(models.VideoEmbedding{VideoID: id, EmbeddingMeta: models.EmbeddingMeta{ProcessingStatus: models.ProcessingPending}})

	ref := models.TargetRef{Type: models.TargetVideo, ID: id}
	err := s.UpsertResult(ctx, models.EmbeddingResult{
		Ref:         ref,
		Vector:      []float32{1, 0},
		Scores:      models.Scores{Quality: &quality},
		Model:       "m",
		Version:     "2",
		ProcessedAt: t0,
	})
	require.NoError(t, err)

	rec, err := s.Load(ctx, ref)
	require.NoError(t, err)

	video := rec.(*models.VideoEmbedding)
	assert.Equal(t, []float32{1, 0}, video.Embedding)
	assert.Equal(t, models.ProcessingCompleted, video.ProcessingStatus)
	assert.Equal(t, "2", *video.EmbeddingVersion)
	assert.InDelta(t, 0.7, *video.QualityScore, 1e-9)

	video.Embedding[0] = 9

	rec, err = s.Load(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, float32(1), rec.(*models.VideoEmbedding).Embedding[0], "Load returns a copy")

	err = s.UpsertResult(ctx, models.EmbeddingResult{Ref: models.TargetRef{Type: models.TargetComment, ID: uuid.New()}})
	assert.ErrorIs(t, err, huberrors.ErrNotFound)
}

func TestEmbeddings_FindStaleCandidates(t *testing.T) {
	ctx := context.Background()
	s := memstore.NewEmbeddings()
	model, current, old := "m", "2", "1"

	ids := make([]uuid.UUID, 4)
	for i := range ids {
		ids[i] = uuid.Must(uuid.NewV7())
	}

	s.PutComment(models.CommentEmbedding{CommentID: ids[0], EmbeddingMeta: models.EmbeddingMeta{
		ProcessingStatus: models.ProcessingCompleted, EmbeddingModel: &model, EmbeddingVersion: &current, CreatedAt: t0,
	}})
	s.PutComment(models.CommentEmbedding{CommentID: ids[1], EmbeddingMeta: models.EmbeddingMeta{
		ProcessingStatus: models.ProcessingCompleted, EmbeddingModel: &model, EmbeddingVersion: &old, CreatedAt: t0.Add(time.Second),
	}})
	s.PutComment(models.CommentEmbedding{CommentID: ids[2], EmbeddingMeta: models.EmbeddingMeta{
		ProcessingStatus: models.ProcessingProcessing, CreatedAt: t0.Add(2 * time.Second),
	}})
	s.PutComment(models.CommentEmbedding{CommentID: ids[3], EmbeddingMeta: models.EmbeddingMeta{
		ProcessingStatus: models.ProcessingPending, CreatedAt: t0.Add(3 * time.Second),
	}})

	refs, err := s.FindStaleCandidates(ctx, models.TargetComment, model, current, 0)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, ids[1], refs[0].ID)
	assert.Equal(t, ids[3], refs[1].ID)

	refs, err = s.FindStaleCandidates(ctx, models.TargetComment, model, current, 1)
	require.NoError(t, err)
	assert.Len(t, refs, 1)

	all, err := s.ListTargets(ctx, models.TargetComment, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}
