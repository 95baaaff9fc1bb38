package observability

import (
	"log/slog"
	"strconv"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// newSampler maps an OTEL_TRACES_SAMPLER name and its argument to a Sampler.
// Empty or unknown names fall back to parentbased_always_on, the SDK default.
func newSampler(name, arg string) sdktrace.Sampler {
	switch name {
	case "always_on":
		return sdktrace.AlwaysSample()
	case "always_off":
		return sdktrace.NeverSample()
	case "traceidratio":
		return sdktrace.TraceIDRatioBased(traceIDRatio(arg))
	case "parentbased_traceidratio":
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(traceIDRatio(arg)))
	case "parentbased_always_off":
		return sdktrace.ParentBased(sdktrace.NeverSample())
	case "", "parentbased_always_on":
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	default:
		slog.Warn("unknown trace sampler, using parentbased_always_on", "sampler", name)

		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
}

// traceIDRatio parses a sampling ratio in [0, 1]; anything else samples everything.
func traceIDRatio(arg string) float64 {
	f, err := strconv.ParseFloat(arg, 64)
	if err != nil || f < 0 || f > 1 {
		return 1
	}

	return f
}
