package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// CacheMetrics records lookups against the in-process caches, labelled by cache name and
// result (hit or miss), plus loads from the backing store that failed.
type CacheMetrics interface {
	RecordLookup(ctx context.Context, cacheName string, hit bool)
	RecordLoadFailure(ctx context.Context, cacheName string)
}

type cacheMetrics struct {
	lookups      metric.Int64Counter
	loadFailures metric.Int64Counter
}

// NewCacheMetrics creates CacheMetrics. Returns (nil, nil) when meter is nil (metrics disabled).
func NewCacheMetrics(meter metric.Meter) (CacheMetrics, error) {
	if meter == nil {
		//nolint:nilnil // intentional: callers use "if metrics != nil" when metrics disabled
		return nil, nil
	}

	lookups, err := meter.Int64Counter(
		MetricNameCacheLookups,
		metric.WithDescription("Cache lookups by cache and result (hit, miss). "+
			"Hit ratio = rate(result=hit) / rate(all) per cache."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create cache lookups counter: %w", err)
	}

	loadFailures, err := meter.Int64Counter(
		MetricNameCacheLoadFailures,
		metric.WithDescription("Cache misses whose load from the backing store failed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create cache load failures counter: %w", err)
	}

	return &cacheMetrics{lookups: lookups, loadFailures: loadFailures}, nil
}

func (c *cacheMetrics) RecordLookup(ctx context.Context, cacheName string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}

	c.lookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrCache, NormalizeCacheName(cacheName)),
		attribute.String(AttrResult, result),
	))
}

func (c *cacheMetrics) RecordLoadFailure(ctx context.Context, cacheName string) {
	c.loadFailures.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrCache, NormalizeCacheName(cacheName))))
}
