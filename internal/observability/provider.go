package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	prometheusexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/streamlane/embedhub/internal/config"
)

const (
	// MeterScope is the instrumentation scope for orchestrator metrics.
	MeterScope         = "github.com/streamlane/embedhub"
	defaultServiceName = "embedhub-orchestrator"
)

// Duration histograms record in seconds; OTel default boundaries are millisecond-oriented.
var durationHistogramBounds = []float64{0, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300}

// newResource uses a single schema URL; merging with resource.Default() can conflict across semconv versions.
func newResource(serviceName string) *resource.Resource {
	if serviceName == "" {
		serviceName = defaultServiceName
	}

	return resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(serviceName))
}

func durationView() sdkmetric.View {
	return sdkmetric.NewView(
		sdkmetric.Instrument{Name: "embedhub_*_duration_seconds"},
		sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: durationHistogramBounds}},
	)
}

const metricExportInterval = 60 * time.Second

// newMetricReader builds the reader named by OTEL_METRICS_EXPORTER: "otlp" pushes
// periodically to OTEL_EXPORTER_OTLP_ENDPOINT, "prometheus" is pulled through the returned
// handler. Other names disable metrics (nil reader).
func newMetricReader(name string) (sdkmetric.Reader, http.Handler, error) {
	switch name {
	case "otlp":
		exp, err := otlpmetrichttp.New(context.Background())
		if err != nil {
			return nil, nil, fmt.Errorf("create OTLP metric exporter: %w", err)
		}

		return sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(metricExportInterval)), nil, nil
	case "prometheus":
		reg := prometheus.NewRegistry()

		exp, err := prometheusexporter.New(prometheusexporter.WithRegisterer(reg))
		if err != nil {
			return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
		}

		return exp, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}), nil
	default:
		return nil, nil, nil
	}
}

// NewMeterProvider returns the MeterProvider for cfg and, for the Prometheus exporter, the
// /metrics handler. Both are nil when metrics are off.
func NewMeterProvider(cfg *config.Config) (*sdkmetric.MeterProvider, http.Handler, error) {
	if cfg == nil {
		return nil, nil, nil
	}

	reader, handler, err := newMetricReader(cfg.OtelMetricsExporter)
	if err != nil || reader == nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(newResource(cfg.ServiceName)),
		sdkmetric.WithReader(reader),
		sdkmetric.WithView(durationView()),
	)

	return provider, handler, nil
}

// ShutdownMeterProvider flushes and shuts down the MeterProvider. Safe to call with nil.
func ShutdownMeterProvider(ctx context.Context, provider *sdkmetric.MeterProvider) error {
	if provider == nil {
		return nil
	}

	if err := provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("meter provider shutdown: %w", err)
	}

	return nil
}

// NewTracerProvider returns a TracerProvider for OTEL_TRACES_EXPORTER ("otlp" or "stdout")
// sampling per OTEL_TRACES_SAMPLER, or nil when tracing is off.
func NewTracerProvider(cfg *config.Config) (*sdktrace.TracerProvider, error) {
	if cfg == nil {
		//nolint:nilnil // tracing disabled, caller checks for nil
		return nil, nil
	}

	exp, ok, err := newTraceExporter(context.Background(), cfg.OtelTracesExporter)
	if err != nil || !ok {
		return nil, err
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(newResource(cfg.ServiceName)),
		sdktrace.WithSampler(newSampler(cfg.OtelTracesSampler, cfg.OtelTracesSamplerArg)),
		sdktrace.WithBatcher(exp),
	), nil
}

// ShutdownTracerProvider flushes and shuts down the TracerProvider. Safe to call with nil.
func ShutdownTracerProvider(ctx context.Context, provider *sdktrace.TracerProvider) error {
	if provider == nil {
		return nil
	}

	if err := provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("tracer provider shutdown: %w", err)
	}

	return nil
}
