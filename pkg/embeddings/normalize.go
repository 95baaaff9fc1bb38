// Package embeddings provides checks and L2 normalisation for embedding vectors.
package embeddings

import (
	"errors"
	"fmt"
	"math"
)

// Vector check errors.
var (
	ErrEmptyVector     = errors.New("embedding vector is empty")
	ErrNonFiniteVector = errors.New("embedding vector contains NaN or Inf")
	ErrZeroVector      = errors.New("embedding vector has zero magnitude")
)

// DimensionError reports a vector whose length differs from the configured dimensions.
type DimensionError struct {
	Got  int
	Want int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("embedding has %d dimensions, want %d", e.Got, e.Want)
}

// NormalizeL2 scales vector to unit length in place. A zero vector is left unchanged.
func NormalizeL2(vector []float32) {
	var sumSquares float64
	for _, v := range vector {
		sumSquares += float64(v) * float64(v)
	}

	if sumSquares == 0 {
		return
	}

	magnitude := math.Sqrt(sumSquares)
	for i := range vector {
		vector[i] = float32(float64(vector[i]) / magnitude)
	}
}

// Normalized returns a unit-length copy of vector, leaving the input untouched.
func Normalized(vector []float32) []float32 {
	out := make([]float32, len(vector))
	copy(out, vector)
	NormalizeL2(out)

	return out
}

// Validate checks that vector can be stored: non-empty, finite, non-zero, and of length
// dims when dims > 0.
func Validate(vector []float32, dims int) error {
	if len(vector) == 0 {
		return ErrEmptyVector
	}

	if dims > 0 && len(vector) != dims {
		return &DimensionError{Got: len(vector), Want: dims}
	}

	var sumSquares float64

	for _, v := range vector {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return ErrNonFiniteVector
		}

		sumSquares += f * f
	}

	if sumSquares == 0 {
		return ErrZeroVector
	}

	return nil
}
