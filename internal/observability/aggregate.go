package observability

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the collectors the orchestrator wires into its components. A nil *Metrics
// means metrics are off; components take the single interface they need and accept nil.
type Metrics struct {
	Jobs      JobMetrics
	Inference InferenceMetrics
	Events    EventMetrics
	Cache     CacheMetrics
	API       APIMetrics
}

// NewMetrics registers every collector on meter. Returns (nil, nil) when meter is nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		//nolint:nilnil // intentional: callers use "if metrics != nil" when metrics disabled
		return nil, nil
	}

	m := &Metrics{}

	collectors := []struct {
		name  string
		build func() error
	}{
		{"job", func() (err error) { m.Jobs, err = NewJobMetrics(meter); return err }},
		{"inference", func() (err error) { m.Inference, err = NewInferenceMetrics(meter); return err }},
		{"event", func() (err error) { m.Events, err = NewEventMetrics(meter); return err }},
		{"cache", func() (err error) { m.Cache, err = NewCacheMetrics(meter); return err }},
		{"api", func() (err error) { m.API, err = NewAPIMetrics(meter); return err }},
	}

	for _, c := range collectors {
		if err := c.build(); err != nil {
			return nil, fmt.Errorf("%s metrics: %w", c.name, err)
		}
	}

	return m, nil
}
