package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamlane/embedhub/internal/huberrors"
	"github.com/streamlane/embedhub/internal/observability"
)

func TestRespondServiceError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantDetail string
	}{
		{
			name:       "not found",
			err:        fmt.Errorf("get job: %w", huberrors.NewNotFoundError("embedding job", "missing")),
			wantStatus: http.StatusNotFound,
			wantDetail: "Embedding job not found",
		},
		{
			name:       "validation",
			err:        huberrors.NewValidationError("config", "unknown field"),
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "conflict",
			err:        fmt.Errorf("cancel: %w", huberrors.ErrConflict),
			wantStatus: http.StatusConflict,
		},
		{
			name:       "limit exceeded",
			err:        fmt.Errorf("enqueue: %w", huberrors.ErrLimitExceeded),
			wantStatus: http.StatusTooManyRequests,
		},
		{
			name:       "unclassified",
			err:        errors.New("connection reset"),
			wantStatus: http.StatusInternalServerError,
			wantDetail: "An unexpected error occurred",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/embedding-jobs/abc", nil)
			req = req.WithContext(observability.WithRequestID(req.Context(), "req-1"))
			rec := httptest.NewRecorder()

			RespondServiceError(rec, req, "Embedding job", tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, problemContentType, rec.Header().Get("Content-Type"))

			var p ProblemDetails
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
			assert.Equal(t, tt.wantStatus, p.Status)
			assert.Equal(t, "/v1/embedding-jobs/abc", p.Instance)
			assert.Equal(t, "req-1", p.RequestID)

			if tt.wantDetail != "" {
				assert.Equal(t, tt.wantDetail, p.Detail)
			}
		})
	}
}

func TestNewProblem(t *testing.T) {
	p := NewProblem(http.StatusTooManyRequests, "queue full")

	assert.Equal(t, "Too Many Requests", p.Title)
	assert.Equal(t, "about:blank", p.Type)
	assert.Empty(t, p.RequestID)
}
