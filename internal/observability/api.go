package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Reasons on embedhub_api_rejections_total.
const (
	RejectionUnauthorized = "unauthorized"
	RejectionBodyTooLarge = "body_too_large"
)

// APIMetrics counts requests the admin API middleware turns away before any handler runs.
// Request counts and latencies come from otelhttp.
type APIMetrics interface {
	RecordRequestBodyTooLarge(ctx context.Context)
	RecordAuthFailure(ctx context.Context)
}

type apiMetrics struct {
	rejections metric.Int64Counter
	// Pre-built attribute sets; the reason values are fixed.
	unauthorized metric.AddOption
	tooLarge     metric.AddOption
}

// NewAPIMetrics creates APIMetrics. Returns (nil, nil) when meter is nil (metrics disabled).
func NewAPIMetrics(meter metric.Meter) (APIMetrics, error) {
	if meter == nil {
		//nolint:nilnil // intentional: callers use "if metrics != nil" when metrics disabled
		return nil, nil
	}

	rejections, err := meter.Int64Counter(
		MetricNameAPIRejections,
		metric.WithDescription("Admin API requests rejected by middleware, by reason (401, 413)"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create api rejections counter: %w", err)
	}

	return &apiMetrics{
		rejections:   rejections,
		unauthorized: metric.WithAttributeSet(attribute.NewSet(attribute.String(AttrReason, RejectionUnauthorized))),
		tooLarge:     metric.WithAttributeSet(attribute.NewSet(attribute.String(AttrReason, RejectionBodyTooLarge))),
	}, nil
}

func (a *apiMetrics) RecordRequestBodyTooLarge(ctx context.Context) {
	a.rejections.Add(ctx, 1, a.tooLarge)
}

func (a *apiMetrics) RecordAuthFailure(ctx context.Context) {
	a.rejections.Add(ctx, 1, a.unauthorized)
}
