package inference

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/streamlane/embedhub/internal/huberrors"
	"github.com/streamlane/embedhub/internal/models"
	"github.com/streamlane/embedhub/internal/observability"
)

// ErrNoText is wrapped as a permanent failure when a text-only provider gets a payload
// without text (user targets, videos with no transcript).
var ErrNoText = errors.New("payload has no text to embed")

// TextRequest is one call to a text-only embedding provider.
type TextRequest struct {
	Target models.TargetType
	Text   string
	Model  string
	UserID *uuid.UUID
}

// TextEmbedder is a provider SDK that only embeds text and produces no scores.
type TextEmbedder interface {
	EmbedText(ctx context.Context, req TextRequest) ([]float32, error)
}

// TextAdapter turns a TextEmbedder into an orchestrator inference client.
type TextAdapter struct {
	provider string
	embedder TextEmbedder
	metrics  observability.InferenceMetrics
}

// NewTextAdapter wraps embedder; provider labels its metrics. metrics may be nil.
func NewTextAdapter(provider string, embedder TextEmbedder, metrics observability.InferenceMetrics) *TextAdapter {
	return &TextAdapter{provider: provider, embedder: embedder, metrics: metrics}
}

// Compute embeds the payload text. Blank text fails permanently without calling the provider.
func (a *TextAdapter) Compute(ctx context.Context, payload models.InferencePayload, model string) (models.InferenceResult, error) {
	text := strings.TrimSpace(payload.Text)
	if text == "" {
		return models.InferenceResult{}, huberrors.NewPermanentError(a.provider+" embedding", ErrNoText)
	}

	start := time.Now()

	vector, err := a.embedder.EmbedText(ctx, TextRequest{
		Target: payload.TargetType,
		Text:   text,
		Model:  model,
		UserID: payload.UserID,
	})
	if a.metrics != nil {
		a.metrics.RecordRequest(ctx, a.provider, StatusLabel(err), time.Since(start))
	}

	if err != nil {
		return models.InferenceResult{}, err
	}

	return models.InferenceResult{Vector: vector}, nil
}
