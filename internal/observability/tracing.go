package observability

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/streamlane/embedhub/internal/orchestrator"

// Span attribute keys.
const (
	attrJobID          = attribute.Key("embedhub.job.id")
	attrJobType        = attribute.Key("embedhub.job.type")
	attrJobRun         = attribute.Key("embedhub.job.run")
	attrBatchFirstSeq  = attribute.Key("embedhub.batch.first_seq")
	attrBatchSize      = attribute.Key("embedhub.batch.size")
	attrBatchReattempt = attribute.Key("embedhub.batch.reattempt")
)

// newTraceExporter builds the exporter named by OTEL_TRACES_EXPORTER. ok is false for names
// that disable tracing. The OTLP exporter reads its endpoint from OTEL_EXPORTER_OTLP_*.
func newTraceExporter(ctx context.Context, name string) (exp sdktrace.SpanExporter, ok bool, err error) {
	switch name {
	case "otlp":
		exp, err = otlptracehttp.New(ctx)
	case "stdout":
		exp, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("create %s trace exporter: %w", name, err)
	}

	return exp, true, nil
}

func tracer() trace.Tracer { return otel.Tracer(tracerName) }

// StartJobSpan starts the span covering one run of a job. With tracing disabled the
// global provider hands out no-op spans.
func StartJobSpan(ctx context.Context, jobID uuid.UUID, jobType string, run int) (context.Context, trace.Span) {
	return tracer().Start(ctx, "embedding_job.execute", trace.WithAttributes(
		attrJobID.String(jobID.String()),
		attrJobType.String(jobType),
		attrJobRun.Int(run),
	))
}

// StartBatchSpan starts a child span for one batch of items.
func StartBatchSpan(ctx context.Context, firstSeq, size int, reattempt bool) (context.Context, trace.Span) {
	return tracer().Start(ctx, "embedding_job.batch", trace.WithAttributes(
		attrBatchFirstSeq.Int(firstSeq),
		attrBatchSize.Int(size),
		attrBatchReattempt.Bool(reattempt),
	))
}

// EndSpan records err, if any, as the span status and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.End()
}
