package observability

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewSampler(t *testing.T) {
	tests := []struct {
		name       string
		sampler    string
		arg        string
		wantPrefix string
	}{
		{name: "always on", sampler: "always_on", wantPrefix: "AlwaysOnSampler"},
		{name: "always off", sampler: "always_off", wantPrefix: "AlwaysOffSampler"},
		{name: "ratio", sampler: "traceidratio", arg: "0.25", wantPrefix: "TraceIDRatioBased{0.25}"},
		{name: "ratio out of range", sampler: "traceidratio", arg: "3", wantPrefix: "AlwaysOnSampler"},
		{name: "parent based ratio", sampler: "parentbased_traceidratio", arg: "0.5", wantPrefix: "ParentBased{root:TraceIDRatioBased{0.5}"},
		{name: "parent based off", sampler: "parentbased_always_off", wantPrefix: "ParentBased{root:AlwaysOffSampler"},
		{name: "empty", wantPrefix: "ParentBased{root:AlwaysOnSampler"},
		{name: "unknown", sampler: "sometimes", wantPrefix: "ParentBased{root:AlwaysOnSampler"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc := newSampler(tt.sampler, tt.arg).Description()
			assert.True(t, strings.HasPrefix(desc, tt.wantPrefix), "description %q", desc)
		})
	}
}

func TestTraceIDRatio(t *testing.T) {
	assert.InDelta(t, 0.1, traceIDRatio("0.1"), 1e-9)
	assert.InDelta(t, 1.0, traceIDRatio(""), 1e-9)
	assert.InDelta(t, 1.0, traceIDRatio("-0.2"), 1e-9)
	assert.InDelta(t, 0.0, traceIDRatio("0"), 1e-9)
}
