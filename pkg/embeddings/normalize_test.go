package embeddings

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func magnitude(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}

	return math.Sqrt(sum)
}

func TestNormalizeL2(t *testing.T) {
	tests := []struct {
		name string
		in   []float32
		want []float32
	}{
		{name: "3-4-5 triangle", in: []float32{3, 4}, want: []float32{0.6, 0.8}},
		{name: "already unit", in: []float32{0, 1, 0}, want: []float32{0, 1, 0}},
		{name: "negative components", in: []float32{-2, 0}, want: []float32{-1, 0}},
		{name: "zero stays zero", in: []float32{0, 0, 0}, want: []float32{0, 0, 0}},
		{name: "empty", in: []float32{}, want: []float32{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			NormalizeL2(tt.in)
			assert.InDeltaSlice(t, tt.want, tt.in, 1e-6)
		})
	}
}

func TestNormalized_CopiesInput(t *testing.T) {
	in := []float32{1, 2, 2}
	out := Normalized(in)

	assert.Equal(t, []float32{1, 2, 2}, in)
	assert.InDelta(t, 1.0, magnitude(out), 1e-6)
}

func TestValidate(t *testing.T) {
	inf := float32(math.Inf(1))

	tests := []struct {
		name    string
		vector  []float32
		dims    int
		wantErr error
	}{
		{name: "ok with dims", vector: []float32{0.1, 0.2}, dims: 2},
		{name: "dims 0 skips length check", vector: []float32{0.1, 0.2, 0.3}},
		{name: "nil", wantErr: ErrEmptyVector},
		{name: "infinite", vector: []float32{inf, 1}, wantErr: ErrNonFiniteVector},
		{name: "NaN", vector: []float32{1, float32(math.NaN())}, wantErr: ErrNonFiniteVector},
		{name: "all zero", vector: []float32{0, 0}, wantErr: ErrZeroVector},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.vector, tt.dims)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}

			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("wrong length", func(t *testing.T) {
		var dimErr *DimensionError
		require.ErrorAs(t, Validate([]float32{1, 2, 3}, 4), &dimErr)
		assert.Equal(t, DimensionError{Got: 3, Want: 4}, *dimErr)
		assert.Equal(t, "embedding has 3 dimensions, want 4", dimErr.Error())
	})
}
