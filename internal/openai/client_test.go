package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/openai/openai-go/v3/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamlane/embedhub/internal/huberrors"
	"github.com/streamlane/embedhub/internal/inference"
	"github.com/streamlane/embedhub/internal/models"
)

func newTestEmbedder(t *testing.T, dims int, handler http.HandlerFunc) *Embedder {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewEmbedder("test-key", dims, option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
}

func writeEmbedding(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"object":"list","model":"text-embedding-3-large",
		"data":[{"object":"embedding","index":0,"embedding":[0.5,0.5,0.5]}],
		"usage":{"prompt_tokens":3,"total_tokens":3}}`))
}

func TestEmbedder_EmbedText(t *testing.T) {
	userID := uuid.New()

	embedder := newTestEmbedder(t, 3, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "text-embedding-3-large", body["model"])
		assert.Equal(t, "cats on skateboards", body["input"])
		assert.EqualValues(t, 3, body["dimensions"])
		assert.Equal(t, userID.String(), body["user"])

		writeEmbedding(w)
	})

	vector, err := embedder.EmbedText(context.Background(), inference.TextRequest{
		Target: models.TargetSearch,
		Text:   "cats on skateboards",
		Model:  "text-embedding-3-large",
		UserID: &userID,
	})
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5, 0.5}, vector)
}

func TestEmbedder_OmitsUnsetOptions(t *testing.T) {
	embedder := newTestEmbedder(t, 0, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotContains(t, body, "dimensions")
		assert.NotContains(t, body, "user")
		assert.Equal(t, "text-embedding-3-small", body["model"])

		writeEmbedding(w)
	})

	_, err := embedder.EmbedText(context.Background(), inference.TextRequest{Target: models.TargetVideo, Text: "a cat video"})
	require.NoError(t, err)
}

func TestEmbedder_MapsAPIErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   string
		want   error
	}{
		{"invalid input", http.StatusBadRequest, "invalid_input", huberrors.ErrPermanent},
		{"unknown model", http.StatusNotFound, "model_not_found", huberrors.ErrFatal},
		{"bad key", http.StatusUnauthorized, "invalid_api_key", huberrors.ErrFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			embedder := newTestEmbedder(t, 3, func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"invalid_request_error","code":"` + tt.code + `"}}`))
			})

			_, err := embedder.EmbedText(context.Background(), inference.TextRequest{Text: "x", Model: "m"})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEmbedder_ThroughTextAdapter(t *testing.T) {
	embedder := newTestEmbedder(t, 3, func(http.ResponseWriter, *http.Request) {
		t.Error("no request expected")
	})

	adapter := inference.NewTextAdapter(ProviderName, embedder, nil)

	_, err := adapter.Compute(context.Background(), models.InferencePayload{TargetType: models.TargetUser}, "m")
	assert.ErrorIs(t, err, huberrors.ErrPermanent)
	assert.ErrorIs(t, err, inference.ErrNoText)
}
