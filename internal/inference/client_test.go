package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamlane/embedhub/internal/huberrors"
	"github.com/streamlane/embedhub/internal/models"
)

func newTestClient(url string) *Client {
	return NewClient(ClientOptions{
		BaseURL:      url,
		APIKey:       "secret",
		RetryMax:     2,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 2 * time.Millisecond,
	})
}

func TestClient_Compute(t *testing.T) {
	userID := uuid.New()
	targetID := uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embed", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req embedRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "embed-v2", req.Model)
		assert.Equal(t, "search", req.TargetType)
		assert.Equal(t, targetID.String(), req.TargetID)
		assert.Equal(t, "lofi beats", req.Text)
		if assert.NotNil(t, req.UserID) {
			assert.Equal(t, userID.String(), *req.UserID)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"vector":[0.1,0.2],"scores":{"relevance":0.7}}`))
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Compute(context.Background(), models.InferencePayload{
		TargetType: models.TargetSearch,
		TargetID:   targetID,
		Text:       "lofi beats",
		UserID:     &userID,
	}, "embed-v2")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2}, res.Vector)
	require.NotNil(t, res.Scores.Relevance)
	assert.InDelta(t, 0.7, *res.Scores.Relevance, 1e-9)
}

func TestClient_ComputeErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantPerm  bool
		wantFatal bool
	}{
		{"bad request is permanent", http.StatusBadRequest, `{"error":{"code":"empty_text","message":"no text"}}`, true, false},
		{"missing target is permanent", http.StatusNotFound, `{"error":{"code":"target_not_found"}}`, true, false},
		{"unknown model is fatal", http.StatusNotFound, `{"error":{"code":"model_not_found"}}`, false, true},
		{"bad credentials are fatal", http.StatusUnauthorized, `unauthorized`, false, true},
		{"server error is transient", http.StatusServiceUnavailable, ``, false, false},
		{"throttling is transient", http.StatusTooManyRequests, ``, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL).Compute(context.Background(), models.InferencePayload{
				TargetType: models.TargetVideo, TargetID: uuid.New(), Text: "x",
			}, "m")
			require.Error(t, err)
			assert.Equal(t, tt.wantPerm, isPermanent(err), err.Error())
			assert.Equal(t, tt.wantFatal, isFatal(err), err.Error())
		})
	}
}

func TestClient_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)

			return
		}

		_, _ = w.Write([]byte(`{"vector":[1]}`))
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Compute(context.Background(), models.InferencePayload{
		TargetType: models.TargetComment, TargetID: uuid.New(), Text: "nice",
	}, "m")
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, res.Vector)
	assert.Equal(t, int32(3), calls.Load())
}

func TestStatusLabel(t *testing.T) {
	assert.Equal(t, "success", StatusLabel(nil))
	assert.Equal(t, "fatal", StatusLabel(huberrors.NewFatalError("x", nil)))
	assert.Equal(t, "permanent", StatusLabel(StatusError("http", http.StatusUnprocessableEntity, "", "")))
	assert.Equal(t, "transient", StatusLabel(StatusError("http", http.StatusInternalServerError, "", "")))
}
