// Package googleai embeds text through the Gemini API.
package googleai

import (
	"context"
	"errors"
	"fmt"
	"math"

	"google.golang.org/genai"

	"github.com/streamlane/embedhub/internal/huberrors"
	"github.com/streamlane/embedhub/internal/inference"
	"github.com/streamlane/embedhub/internal/models"
)

// ProviderName labels Gemini calls in metrics and errors.
const ProviderName = "google"

const defaultModel = "gemini-embedding-001"

var (
	ErrInvalidDims           = errors.New("googleai: embedding dimensions out of range")
	ErrNoEmbeddingInResponse = errors.New("googleai: no embedding in response")
)

// Gemini task types. Search queries are embedded as queries, everything else as documents
// so the two sides of a retrieval land in the same space.
const (
	taskRetrievalQuery    = "RETRIEVAL_QUERY"
	taskRetrievalDocument = "RETRIEVAL_DOCUMENT"
)

// Embedder implements inference.TextEmbedder.
type Embedder struct {
	models     *genai.Models
	dimensions int32
}

// NewEmbedder creates an embedder. A zero dimensions leaves the model default.
func NewEmbedder(ctx context.Context, apiKey string, dimensions int) (*Embedder, error) {
	if dimensions < 0 || dimensions > math.MaxInt32 {
		return nil, huberrors.NewFatalError("gemini embedding", ErrInvalidDims)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("googleai client: %w", err)
	}

	return &Embedder{models: client.Models, dimensions: int32(dimensions)}, nil //nolint:gosec // range checked above
}

func taskType(target models.TargetType) string {
	if target == models.TargetSearch {
		return taskRetrievalQuery
	}

	return taskRetrievalDocument
}

// EmbedText calls EmbedContent with a single text part.
func (e *Embedder) EmbedText(ctx context.Context, req inference.TextRequest) ([]float32, error) {
	model := req.Model
	if model == "" {
		model = defaultModel
	}

	cfg := &genai.EmbedContentConfig{TaskType: taskType(req.Target)}
	if e.dimensions > 0 {
		cfg.OutputDimensionality = &e.dimensions
	}

	contents := []*genai.Content{genai.NewContentFromText(req.Text, genai.RoleUser)}

	resp, err := e.models.EmbedContent(ctx, model, contents, cfg)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return nil, inference.StatusError(ProviderName, apiErr.Code, apiErr.Status, apiErr.Message)
		}

		return nil, fmt.Errorf("gemini embedding: %w", err)
	}

	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, ErrNoEmbeddingInResponse
	}

	return append([]float32(nil), resp.Embeddings[0].Values...), nil
}
