package validation

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamlane/embedhub/internal/models"
)

func TestValidateStruct_CreateJob(t *testing.T) {
	tests := []struct {
		name      string
		req       models.CreateEmbeddingJobRequest
		wantField string
		wantMsg   string
	}{
		{name: "valid", req: models.CreateEmbeddingJobRequest{Type: models.JobTypeBatchUpdate, BatchSize: 10}},
		{name: "missing type", req: models.CreateEmbeddingJobRequest{}, wantField: "type", wantMsg: "type is required"},
		{
			name:      "unknown type",
			req:       models.CreateEmbeddingJobRequest{Type: "AUDIO_EMBEDDING"},
			wantField: "type",
			wantMsg:   "type must be one of: ",
		},
		{
			name:      "batch too large",
			req:       models.CreateEmbeddingJobRequest{Type: models.JobTypeUserEmbedding, BatchSize: 20000},
			wantField: "batch_size",
			wantMsg:   "batch_size must be at most 10000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStruct(&tt.req)
			if tt.wantField == "" {
				require.NoError(t, err)
				return
			}

			require.Error(t, err)

			details := GetValidationErrorDetails(err)
			require.Len(t, details, 1)
			assert.Equal(t, tt.wantField, details[0].Location)
			assert.Contains(t, details[0].Message, tt.wantMsg)
		})
	}
}

func TestValidateAndDecodeQueryParams(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/v1/embedding-jobs?status=running&type=batch_update&limit=5", nil)

	var filters models.ListEmbeddingJobsFilters
	require.NoError(t, ValidateAndDecodeQueryParams(r, &filters))
	require.NotNil(t, filters.Status)
	require.NotNil(t, filters.Type)
	assert.Equal(t, models.JobStatusRunning, *filters.Status)
	assert.Equal(t, models.JobTypeBatchUpdate, *filters.Type)
	assert.Equal(t, 5, filters.Limit)

	r = httptest.NewRequest(http.MethodGet, "/v1/embedding-jobs?status=sleeping", nil)
	filters = models.ListEmbeddingJobsFilters{}
	err := ValidateAndDecodeQueryParams(r, &filters)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status must be one of")
}

func TestRespondValidationError(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondValidationError(rec, ValidateStruct(&models.SearchEmbeddingLookup{Query: "a\x00b"}))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "must not contain NULL bytes")
}
