package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamlane/embedhub/internal/huberrors"
	"github.com/streamlane/embedhub/internal/memstore"
	"github.com/streamlane/embedhub/internal/models"
	"github.com/streamlane/embedhub/internal/orchestrator"
)

func newJobsMux(t *testing.T, cfg orchestrator.SchedulerConfig) (*http.ServeMux, *orchestrator.Scheduler) {
	t.Helper()

	retry := orchestrator.NewRetryManager(time.Second, time.Minute)
	scheduler := orchestrator.NewScheduler(memstore.NewJobs(), retry, nil, nil, nil, cfg)
	handler := NewEmbeddingJobsHandler(scheduler)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/embedding-jobs", handler.Create)
	mux.HandleFunc("GET /v1/embedding-jobs", handler.List)
	mux.HandleFunc("GET /v1/embedding-jobs/{id}", handler.Get)
	mux.HandleFunc("POST /v1/embedding-jobs/{id}/cancel", handler.Cancel)

	return mux, scheduler
}

func serve(mux http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "http://test"+target, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	return rec
}

func TestEmbeddingJobsHandler_Create(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{
			name:       "valid video job",
			body:       `{"type":"VIDEO_EMBEDDING","batch_size":10,"config":{"video_ids":["` + uuid.NewString() + `"]}}`,
			wantStatus: http.StatusCreated,
		},
		{
			name:       "incremental update with defaults",
			body:       `{"type":"INCREMENTAL_UPDATE"}`,
			wantStatus: http.StatusCreated,
		},
		{
			name:       "malformed json",
			body:       `{"type":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown field",
			body:       `{"type":"VIDEO_EMBEDDING","colour":"red"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown job type",
			body:       `{"type":"AUDIO_EMBEDDING"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "batch size too large",
			body:       `{"type":"USER_EMBEDDING","batch_size":20000}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid config is rejected at admission",
			body:       `{"type":"BATCH_UPDATE","config":{"target_types":["podcast"]}}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux, _ := newJobsMux(t, orchestrator.SchedulerConfig{})

			rec := serve(mux, http.MethodPost, "/v1/embedding-jobs", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			if tt.wantStatus != http.StatusCreated {
				assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
				return
			}

			var job models.EmbeddingJob
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
			assert.Equal(t, models.JobStatusPending, job.Status)
			assert.NotEqual(t, uuid.Nil, job.ID)
		})
	}
}

func TestEmbeddingJobsHandler_QueueFull(t *testing.T) {
	mux, _ := newJobsMux(t, orchestrator.SchedulerConfig{MaxQueuedJobs: 1})

	rec := serve(mux, http.MethodPost, "/v1/embedding-jobs", `{"type":"INCREMENTAL_UPDATE"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = serve(mux, http.MethodPost, "/v1/embedding-jobs", `{"type":"INCREMENTAL_UPDATE"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestEmbeddingJobsHandler_GetAndCancel(t *testing.T) {
	mux, scheduler := newJobsMux(t, orchestrator.SchedulerConfig{})

	job, err := scheduler.Enqueue(context.Background(), &models.CreateEmbeddingJobRequest{Type: models.JobTypeBatchUpdate})
	require.NoError(t, err)

	rec := serve(mux, http.MethodGet, "/v1/embedding-jobs/"+job.ID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got models.EmbeddingJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, job.ID, got.ID)

	rec = serve(mux, http.MethodPost, "/v1/embedding-jobs/"+job.ID.String()+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, models.JobStatusCancelled, got.Status)

	rec = serve(mux, http.MethodPost, "/v1/embedding-jobs/"+job.ID.String()+"/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code, "terminal jobs cannot be cancelled")

	rec = serve(mux, http.MethodGet, "/v1/embedding-jobs/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(mux, http.MethodGet, "/v1/embedding-jobs/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEmbeddingJobsHandler_CancelRunningIsAccepted(t *testing.T) {
	mux, scheduler := newJobsMux(t, orchestrator.SchedulerConfig{})

	job, err := scheduler.Enqueue(context.Background(), &models.CreateEmbeddingJobRequest{Type: models.JobTypeBatchUpdate})
	require.NoError(t, err)

	lease, err := scheduler.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, lease)
	defer lease.Release()

	rec := serve(mux, http.MethodPost, "/v1/embedding-jobs/"+job.ID.String()+"/cancel", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	var got models.EmbeddingJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, models.JobStatusRunning, got.Status)
	assert.True(t, got.CancelRequested)
}

func TestEmbeddingJobsHandler_List(t *testing.T) {
	mux, scheduler := newJobsMux(t, orchestrator.SchedulerConfig{})
	ctx := context.Background()

	for range 3 {
		_, err := scheduler.Enqueue(ctx, &models.CreateEmbeddingJobRequest{Type: models.JobTypeIncrementalUpdate})
		require.NoError(t, err)
	}

	_, err := scheduler.Enqueue(ctx, &models.CreateEmbeddingJobRequest{Type: models.JobTypeBatchUpdate})
	require.NoError(t, err)

	t.Run("filters by type and status in any case", func(t *testing.T) {
		rec := serve(mux, http.MethodGet, "/v1/embedding-jobs?type=incremental_update&status=pending&limit=2", "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp models.ListEmbeddingJobsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Len(t, resp.Data, 2)
		assert.Equal(t, 2, resp.Limit)

		for _, job := range resp.Data {
			assert.Equal(t, models.JobTypeIncrementalUpdate, job.Type)
		}
	})

	t.Run("default limit", func(t *testing.T) {
		rec := serve(mux, http.MethodGet, "/v1/embedding-jobs", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp models.ListEmbeddingJobsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Len(t, resp.Data, 4)
		assert.Equal(t, defaultListLimit, resp.Limit)
	})

	t.Run("invalid status", func(t *testing.T) {
		rec := serve(mux, http.MethodGet, "/v1/embedding-jobs?status=sleeping", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

type stubSearchService struct {
	gotQuery string
	gotUser  *uuid.UUID
	result   *models.SearchEmbedding
}

func (s *stubSearchService) FindSearchEmbedding(_ context.Context, query string, userID *uuid.UUID) (*models.SearchEmbedding, error) {
	s.gotQuery = query
	s.gotUser = userID

	if s.result == nil {
		return nil, huberrors.NewNotFoundError("search embedding", "not found")
	}

	return s.result, nil
}

func TestSearchEmbeddingsHandler_Get(t *testing.T) {
	user := uuid.New()

	t.Run("found with user", func(t *testing.T) {
		svc := &stubSearchService{result: &models.SearchEmbedding{ID: uuid.New(), Query: "jazz"}}
		h := NewSearchEmbeddingsHandler(svc)

		req := httptest.NewRequest(http.MethodGet, "http://test/v1/search-embeddings?query=jazz&user_id="+user.String(), nil)
		rec := httptest.NewRecorder()
		h.Get(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "jazz", svc.gotQuery)
		require.NotNil(t, svc.gotUser)
		assert.Equal(t, user, *svc.gotUser)
	})

	t.Run("anonymous not found", func(t *testing.T) {
		svc := &stubSearchService{}
		h := NewSearchEmbeddingsHandler(svc)

		req := httptest.NewRequest(http.MethodGet, "http://test/v1/search-embeddings?query=blues", nil)
		rec := httptest.NewRecorder()
		h.Get(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Nil(t, svc.gotUser)
	})

	t.Run("missing query", func(t *testing.T) {
		h := NewSearchEmbeddingsHandler(&stubSearchService{})

		req := httptest.NewRequest(http.MethodGet, "http://test/v1/search-embeddings", nil)
		rec := httptest.NewRecorder()
		h.Get(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid user id", func(t *testing.T) {
		h := NewSearchEmbeddingsHandler(&stubSearchService{})

		req := httptest.NewRequest(http.MethodGet, "http://test/v1/search-embeddings?query=jazz&user_id=nope", nil)
		rec := httptest.NewRecorder()
		h.Get(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
