package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/streamlane/embedhub/internal/api/response"
	"github.com/streamlane/embedhub/internal/api/validation"
	"github.com/streamlane/embedhub/internal/models"
)

const defaultListLimit = 50

// EmbeddingJobsService defines the job operations exposed over HTTP.
type EmbeddingJobsService interface {
	Enqueue(ctx context.Context, req *models.CreateEmbeddingJobRequest) (*models.EmbeddingJob, error)
	Get(ctx context.Context, id uuid.UUID) (*models.EmbeddingJob, error)
	List(ctx context.Context, filters *models.ListEmbeddingJobsFilters) ([]models.EmbeddingJob, error)
	Cancel(ctx context.Context, id uuid.UUID) (*models.EmbeddingJob, error)
}

// EmbeddingJobsHandler handles HTTP requests for embedding jobs.
type EmbeddingJobsHandler struct {
	service EmbeddingJobsService
}

// NewEmbeddingJobsHandler creates a new embedding jobs handler.
func NewEmbeddingJobsHandler(service EmbeddingJobsService) *EmbeddingJobsHandler {
	return &EmbeddingJobsHandler{service: service}
}

// Create handles POST /v1/embedding-jobs.
func (h *EmbeddingJobsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.CreateEmbeddingJobRequest

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(&req); err != nil {
		slog.Warn("Invalid request body", "method", r.Method, "path", r.URL.Path, "error", err)
		response.RespondBadRequest(w, "Invalid request body")

		return
	}

	if err := validation.ValidateStruct(&req); err != nil {
		validation.RespondValidationError(w, err)
		return
	}

	job, err := h.service.Enqueue(r.Context(), &req)
	if err != nil {
		response.RespondServiceError(w, r, "Embedding job", err)
		return
	}

	response.RespondJSON(w, http.StatusCreated, job)
}

// Get handles GET /v1/embedding-jobs/{id}.
func (h *EmbeddingJobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	job, err := h.service.Get(r.Context(), id)
	if err != nil {
		response.RespondServiceError(w, r, "Embedding job", err)
		return
	}

	response.RespondJSON(w, http.StatusOK, job)
}

// List handles GET /v1/embedding-jobs.
func (h *EmbeddingJobsHandler) List(w http.ResponseWriter, r *http.Request) {
	filters := &models.ListEmbeddingJobsFilters{}

	if err := validation.ValidateAndDecodeQueryParams(r, filters); err != nil {
		validation.RespondValidationError(w, err)
		return
	}

	if filters.Limit == 0 {
		filters.Limit = defaultListLimit
	}

	jobs, err := h.service.List(r.Context(), filters)
	if err != nil {
		response.RespondServiceError(w, r, "Embedding jobs", err)
		return
	}

	response.RespondJSON(w, http.StatusOK, models.ListEmbeddingJobsResponse{
		Data:   jobs,
		Limit:  filters.Limit,
		Offset: filters.Offset,
	})
}

// Cancel handles POST /v1/embedding-jobs/{id}/cancel. A queued job is cancelled at once
// (200); a running job is flagged and stops at its next batch boundary (202).
func (h *EmbeddingJobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	job, err := h.service.Cancel(r.Context(), id)
	if err != nil {
		response.RespondServiceError(w, r, "Embedding job", err)
		return
	}

	status := http.StatusOK
	if job.Status == models.JobStatusRunning {
		status = http.StatusAccepted
	}

	response.RespondJSON(w, status, job)
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	idStr := r.PathValue("id")
	if idStr == "" {
		response.RespondBadRequest(w, "Job ID is required")
		return uuid.Nil, false
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		response.RespondBadRequest(w, "Invalid UUID format")
		return uuid.Nil, false
	}

	return id, true
}
