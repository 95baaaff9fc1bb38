package observability

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// JobMetrics records orchestrator metrics (scheduler, executor, aggregator).
// Methods accept ctx for future exemplar support.
type JobMetrics interface {
	RecordEnqueued(ctx context.Context, jobType string)
	RecordDequeue(ctx context.Context, found bool)
	RecordTransition(ctx context.Context, jobType, from, to string)
	RecordRecovered(ctx context.Context, reason string)
	RecordItemOutcome(ctx context.Context, jobType, targetType, outcome string, duration time.Duration)
	RecordBatchDuration(ctx context.Context, jobType string, duration time.Duration)
	SetQueueDepth(depth int)
}

type jobMetrics struct {
	enqueued      metric.Int64Counter
	dequeues      metric.Int64Counter
	transitions   metric.Int64Counter
	recovered     metric.Int64Counter
	itemOutcomes  metric.Int64Counter
	itemDuration  metric.Float64Histogram
	batchDuration metric.Float64Histogram
	queueDepth    atomic.Int64
	depthGauge    metric.Int64ObservableGauge
}

// NewJobMetrics creates JobMetrics. Returns (nil, nil) when meter is nil (metrics disabled).
func NewJobMetrics(meter metric.Meter) (JobMetrics, error) {
	if meter == nil {
		//nolint:nilnil // intentional: callers use "if metrics != nil" when metrics disabled
		return nil, nil
	}

	enqueued, err := meter.Int64Counter(
		MetricNameJobsEnqueued,
		metric.WithDescription("Total embedding jobs admitted by the scheduler"),
	)
	if err != nil {
		return nil, fmt.Errorf("create jobs enqueued counter: %w", err)
	}

	dequeues, err := meter.Int64Counter(
		MetricNameJobDequeues,
		metric.WithDescription("Dequeue attempts by result (found / empty)"),
	)
	if err != nil {
		return nil, fmt.Errorf("create dequeues counter: %w", err)
	}

	transitions, err := meter.Int64Counter(
		MetricNameJobTransitions,
		metric.WithDescription("Job state machine transitions"),
	)
	if err != nil {
		return nil, fmt.Errorf("create transitions counter: %w", err)
	}

	recovered, err := meter.Int64Counter(
		MetricNameJobsRecovered,
		metric.WithDescription("RUNNING jobs with an expired lease routed to RETRYING or FAILED"),
	)
	if err != nil {
		return nil, fmt.Errorf("create recovered counter: %w", err)
	}

	itemOutcomes, err := meter.Int64Counter(
		MetricNameItemOutcomes,
		metric.WithDescription("Processed job items by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("create item outcomes counter: %w", err)
	}

	itemDuration, err := meter.Float64Histogram(
		MetricNameItemDuration,
		metric.WithDescription("Per-item processing time (seconds)"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create item duration histogram: %w", err)
	}

	batchDuration, err := meter.Float64Histogram(
		MetricNameBatchDuration,
		metric.WithDescription("Per-batch processing time (seconds)"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create batch duration histogram: %w", err)
	}

	m := &jobMetrics{
		enqueued:      enqueued,
		dequeues:      dequeues,
		transitions:   transitions,
		recovered:     recovered,
		itemOutcomes:  itemOutcomes,
		itemDuration:  itemDuration,
		batchDuration: batchDuration,
	}

	depthGauge, err := meter.Int64ObservableGauge(
		MetricNameJobQueueDepth,
		metric.WithDescription("Jobs in PENDING or RETRYING"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.queueDepth.Load())

			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create queue depth gauge: %w", err)
	}

	m.depthGauge = depthGauge

	return m, nil
}

func (m *jobMetrics) RecordEnqueued(ctx context.Context, jobType string) {
	m.enqueued.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrJobType, NormalizeJobType(jobType))))
}

func (m *jobMetrics) RecordDequeue(ctx context.Context, found bool) {
	status := "empty"
	if found {
		status = "found"
	}

	m.dequeues.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrStatus, status)))
}

func (m *jobMetrics) RecordTransition(ctx context.Context, jobType, from, to string) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrJobType, NormalizeJobType(jobType)),
		attribute.String(AttrFrom, NormalizeJobStatus(from)),
		attribute.String(AttrTo, NormalizeJobStatus(to)),
	))
}

func (m *jobMetrics) RecordRecovered(ctx context.Context, reason string) {
	reason = NormalizeReason(reason, AllowedRecoveryReasons)
	m.recovered.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrReason, reason)))
}

func (m *jobMetrics) RecordItemOutcome(ctx context.Context, jobType, targetType, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String(AttrJobType, NormalizeJobType(jobType)),
		attribute.String(AttrTargetType, NormalizeTargetType(targetType)),
		attribute.String(AttrOutcome, NormalizeOutcome(outcome)),
	)
	m.itemOutcomes.Add(ctx, 1, attrs)
	m.itemDuration.Record(ctx, duration.Seconds(), attrs)
}

func (m *jobMetrics) RecordBatchDuration(ctx context.Context, jobType string, duration time.Duration) {
	m.batchDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String(AttrJobType, NormalizeJobType(jobType))))
}

func (m *jobMetrics) SetQueueDepth(depth int) {
	m.queueDepth.Store(int64(depth))
}
