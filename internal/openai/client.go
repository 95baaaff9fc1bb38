// Package openai embeds text through the OpenAI embeddings API.
package openai

import (
	"context"
	"errors"
	"fmt"

	openaisdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"

	"github.com/streamlane/embedhub/internal/inference"
)

// ProviderName labels OpenAI calls in metrics and errors.
const ProviderName = "openai"

// ErrNoEmbeddingInResponse is returned when the API answers without data.
var ErrNoEmbeddingInResponse = errors.New("openai: no embedding in response")

// Embedder implements inference.TextEmbedder. A zero dimensions leaves the model default.
type Embedder struct {
	sdk        openaisdk.Client
	dimensions int
}

// NewEmbedder creates an embedder. requestOpts go to the SDK (option.WithBaseURL in tests).
func NewEmbedder(apiKey string, dimensions int, requestOpts ...option.RequestOption) *Embedder {
	opts := append([]option.RequestOption{option.WithAPIKey(apiKey)}, requestOpts...)

	return &Embedder{sdk: openaisdk.NewClient(opts...), dimensions: dimensions}
}

// EmbedText calls /v1/embeddings. The end user of a search query is passed as the
// request's user field.
func (e *Embedder) EmbedText(ctx context.Context, req inference.TextRequest) ([]float32, error) {
	model := req.Model
	if model == "" {
		model = openaisdk.EmbeddingModelTextEmbedding3Small
	}

	params := openaisdk.EmbeddingNewParams{
		Input: openaisdk.EmbeddingNewParamsInputUnion{OfString: param.NewOpt(req.Text)},
		Model: model,
	}
	if e.dimensions > 0 {
		params.Dimensions = param.NewOpt(int64(e.dimensions))
	}

	if req.UserID != nil {
		params.User = param.NewOpt(req.UserID.String())
	}

	resp, err := e.sdk.Embeddings.New(ctx, params)
	if err != nil {
		var apiErr *openaisdk.Error
		if errors.As(err, &apiErr) {
			return nil, inference.StatusError(ProviderName, apiErr.StatusCode, apiErr.Code, apiErr.Message)
		}

		return nil, fmt.Errorf("openai embedding: %w", err)
	}

	if len(resp.Data) == 0 {
		return nil, ErrNoEmbeddingInResponse
	}

	src := resp.Data[0].Embedding
	vector := make([]float32, len(src))

	for i, v := range src {
		vector[i] = float32(v)
	}

	return vector, nil
}
