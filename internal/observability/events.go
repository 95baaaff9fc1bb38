package observability

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EventMetrics records the job-event publisher (accepted and dropped events, fan-out latency,
// buffered events) and the River maintenance queue depth.
type EventMetrics interface {
	RecordEventPublished(ctx context.Context, eventType string)
	RecordEventDiscarded(ctx context.Context, eventType string)
	RecordFanOutDuration(ctx context.Context, duration time.Duration, eventType string)
	SetChannelDepth(depth int)
	SetRiverQueueDepth(depth int)
}

type eventMetrics struct {
	published      metric.Int64Counter
	discarded      metric.Int64Counter
	fanOutDuration metric.Float64Histogram

	// Gauges are observed together from one registered callback.
	channelDepth    atomic.Int64
	riverQueueDepth atomic.Int64
	registration    metric.Registration
}

// NewEventMetrics creates EventMetrics and registers the depth gauges. Returns (nil, nil)
// when meter is nil (metrics disabled).
func NewEventMetrics(meter metric.Meter) (EventMetrics, error) {
	if meter == nil {
		//nolint:nilnil // intentional: callers use "if metrics != nil" when metrics disabled
		return nil, nil
	}

	m := &eventMetrics{}

	var err error

	m.published, err = meter.Int64Counter(
		MetricNameEventsPublished,
		metric.WithDescription("Job lifecycle events accepted by the publisher"),
	)
	if err != nil {
		return nil, fmt.Errorf("create events published counter: %w", err)
	}

	m.discarded, err = meter.Int64Counter(
		MetricNameEventsDiscarded,
		metric.WithDescription("Job lifecycle events dropped because the publisher channel was full"),
	)
	if err != nil {
		return nil, fmt.Errorf("create events discarded counter: %w", err)
	}

	m.fanOutDuration, err = meter.Float64Histogram(
		MetricNameFanOutDuration,
		metric.WithDescription("Time to hand one job event to every provider (seconds)"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create fan-out duration histogram: %w", err)
	}

	channelGauge, err := meter.Int64ObservableGauge(
		MetricNameEventChannelDepth,
		metric.WithDescription("Job events buffered in the publisher channel (sampled)"),
	)
	if err != nil {
		return nil, fmt.Errorf("create channel depth gauge: %w", err)
	}

	riverGauge, err := meter.Int64ObservableGauge(
		MetricNameRiverQueueDepth,
		metric.WithDescription("Maintenance jobs waiting in River (available, retryable, scheduled)"),
	)
	if err != nil {
		return nil, fmt.Errorf("create river queue depth gauge: %w", err)
	}

	m.registration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(channelGauge, m.channelDepth.Load())
		o.ObserveInt64(riverGauge, m.riverQueueDepth.Load())

		return nil
	}, channelGauge, riverGauge)
	if err != nil {
		return nil, fmt.Errorf("register event gauges: %w", err)
	}

	return m, nil
}

func attrEventType(eventType string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String(AttrEventType, NormalizeEventType(eventType)))
}

func (m *eventMetrics) RecordEventPublished(ctx context.Context, eventType string) {
	m.published.Add(ctx, 1, attrEventType(eventType))
}

func (m *eventMetrics) RecordEventDiscarded(ctx context.Context, eventType string) {
	m.discarded.Add(ctx, 1, attrEventType(eventType))
}

func (m *eventMetrics) RecordFanOutDuration(ctx context.Context, duration time.Duration, eventType string) {
	m.fanOutDuration.Record(ctx, duration.Seconds(), attrEventType(eventType))
}

func (m *eventMetrics) SetChannelDepth(depth int) {
	m.channelDepth.Store(int64(depth))
}

func (m *eventMetrics) SetRiverQueueDepth(depth int) {
	m.riverQueueDepth.Store(int64(depth))
}
