package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// InferenceMetrics records calls to the external inference service.
type InferenceMetrics interface {
	RecordRequest(ctx context.Context, provider, status string, duration time.Duration)
}

type inferenceMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

// NewInferenceMetrics creates InferenceMetrics. Returns (nil, nil) when meter is nil (metrics disabled).
func NewInferenceMetrics(meter metric.Meter) (InferenceMetrics, error) {
	if meter == nil {
		//nolint:nilnil // intentional: callers use "if metrics != nil" when metrics disabled
		return nil, nil
	}

	requests, err := meter.Int64Counter(
		MetricNameInferenceRequests,
		metric.WithDescription("Inference calls by provider and status"),
	)
	if err != nil {
		return nil, fmt.Errorf("create inference requests counter: %w", err)
	}

	duration, err := meter.Float64Histogram(
		MetricNameInferenceDuration,
		metric.WithDescription("Inference call latency (seconds)"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create inference duration histogram: %w", err)
	}

	return &inferenceMetrics{requests: requests, duration: duration}, nil
}

func (m *inferenceMetrics) RecordRequest(ctx context.Context, provider, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String(AttrProvider, provider),
		attribute.String(AttrStatus, NormalizeReason(status, AllowedInferenceStatuses)),
	)
	m.requests.Add(ctx, 1, attrs)
	m.duration.Record(ctx, duration.Seconds(), attrs)
}
