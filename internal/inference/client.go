// Package inference is the HTTP client for the remote embedding inference service.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/streamlane/embedhub/internal/huberrors"
	"github.com/streamlane/embedhub/internal/models"
	"github.com/streamlane/embedhub/internal/observability"
)

const (
	providerName       = "http"
	defaultTimeout     = 30 * time.Second
	defaultRetryMax    = 3
	maxErrorBodyBytes  = 4 << 10
	maxResultBodyBytes = 8 << 20
)

// ClientOptions configures the inference client.
type ClientOptions struct {
	// BaseURL of the inference service, e.g. http://inference:8080. The client posts to /v1/embed.
	BaseURL string
	APIKey  string
	// Timeout bounds each attempt (default 30s).
	Timeout time.Duration
	// RetryMax is the number of in-call retries for 429, 5xx and connection errors (default 3).
	// Retries beyond this are left to the job retry manager. Negative disables retries.
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// Metrics may be nil.
	Metrics observability.InferenceMetrics
}

// Client calls the inference service. It implements orchestrator.InferenceClient.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *retryablehttp.Client
	metrics    observability.InferenceMetrics
}

type embedRequest struct {
	Model      string         `json:"model"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Text       string         `json:"text,omitempty"`
	UserID     *string        `json:"user_id,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type embedResponse struct {
	Vector []float32     `json:"vector"`
	Scores models.Scores `json:"scores"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewClient creates an inference client.
func NewClient(opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	switch {
	case opts.RetryMax == 0:
		opts.RetryMax = defaultRetryMax
	case opts.RetryMax < 0:
		opts.RetryMax = 0
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = opts.RetryMax
	retryClient.HTTPClient.Timeout = opts.Timeout
	retryClient.Logger = nil // we log at the executor
	// Hand back the last response after retries so the status can be classified.
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	if opts.RetryWaitMin > 0 {
		retryClient.RetryWaitMin = opts.RetryWaitMin
	}

	if opts.RetryWaitMax > 0 {
		retryClient.RetryWaitMax = opts.RetryWaitMax
	}

	return &Client{
		endpoint:   strings.TrimSuffix(opts.BaseURL, "/") + "/v1/embed",
		apiKey:     opts.APIKey,
		httpClient: retryClient,
		metrics:    opts.Metrics,
	}
}

// Compute requests the vector and scores for payload from model.
func (c *Client) Compute(ctx context.Context, payload models.InferencePayload, model string) (models.InferenceResult, error) {
	start := time.Now()

	result, err := c.compute(ctx, payload, model)
	if c.metrics != nil {
		c.metrics.RecordRequest(ctx, providerName, StatusLabel(err), time.Since(start))
	}

	return result, err
}

func (c *Client) compute(ctx context.Context, payload models.InferencePayload, model string) (models.InferenceResult, error) {
	body := embedRequest{
		Model:      model,
		TargetType: string(payload.TargetType),
		TargetID:   payload.TargetID.String(),
		Text:       payload.Text,
		Attributes: payload.Attributes,
	}

	if payload.UserID != nil {
		id := payload.UserID.String()
		body.UserID = &id
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return models.InferenceResult{}, huberrors.NewPermanentError("encode inference request", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(raw))
	if err != nil {
		return models.InferenceResult{}, huberrors.NewFatalError("build inference request", err)
	}

	req.Header.Set("Content-Type", "application/json")

	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.InferenceResult{}, fmt.Errorf("inference request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Debug("Failed to close inference response body", "error", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return models.InferenceResult{}, decodeError(resp)
	}

	var out embedResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResultBodyBytes)).Decode(&out); err != nil {
		return models.InferenceResult{}, fmt.Errorf("decode inference response: %w", err)
	}

	return models.InferenceResult{Vector: out.Vector, Scores: out.Scores}, nil
}

func decodeError(resp *http.Response) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		slog.Debug("Failed to read inference error body", "error", err)
	}

	var body errorResponse
	if len(data) > 0 && json.Unmarshal(data, &body) != nil {
		body.Error.Message = strings.TrimSpace(string(data))
	}

	return StatusError(providerName, resp.StatusCode, body.Error.Code, body.Error.Message)
}

func isFatal(err error) bool     { return errors.Is(err, huberrors.ErrFatal) }
func isPermanent(err error) bool { return errors.Is(err, huberrors.ErrPermanent) }
