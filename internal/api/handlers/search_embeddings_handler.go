package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/streamlane/embedhub/internal/api/response"
	"github.com/streamlane/embedhub/internal/api/validation"
	"github.com/streamlane/embedhub/internal/models"
)

// SearchEmbeddingsService looks up computed search query embeddings.
type SearchEmbeddingsService interface {
	FindSearchEmbedding(ctx context.Context, query string, userID *uuid.UUID) (*models.SearchEmbedding, error)
}

// SearchEmbeddingsHandler serves search embeddings by (query, user) key.
type SearchEmbeddingsHandler struct {
	service SearchEmbeddingsService
}

// NewSearchEmbeddingsHandler creates a new search embeddings handler.
func NewSearchEmbeddingsHandler(service SearchEmbeddingsService) *SearchEmbeddingsHandler {
	return &SearchEmbeddingsHandler{service: service}
}

// Get handles GET /v1/search-embeddings?query=&user_id=. Without a personalised row the
// anonymous variant of the query is returned.
func (h *SearchEmbeddingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	lookup := &models.SearchEmbeddingLookup{}

	if err := validation.ValidateAndDecodeQueryParams(r, lookup); err != nil {
		validation.RespondValidationError(w, err)
		return
	}

	var userID *uuid.UUID

	if lookup.UserID != nil {
		id, err := uuid.Parse(*lookup.UserID)
		if err != nil {
			response.RespondBadRequest(w, "Invalid UUID format")
			return
		}

		userID = &id
	}

	found, err := h.service.FindSearchEmbedding(r.Context(), lookup.Query, userID)
	if err != nil {
		response.RespondServiceError(w, r, "Search embedding", err)
		return
	}

	response.RespondJSON(w, http.StatusOK, found)
}
