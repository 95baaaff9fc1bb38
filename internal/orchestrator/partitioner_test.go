package orchestrator

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPartition(t *testing.T) {
	tests := []struct {
		name      string
		total     int
		batchSize int
		from      int
		want      []Batch
	}{
		{
			name:      "even split",
			total:     6,
			batchSize: 3,
			want:      []Batch{{0, 3}, {3, 3}},
		},
		{
			name:      "short final batch",
			total:     10,
			batchSize: 3,
			want:      []Batch{{0, 3}, {3, 3}, {6, 3}, {9, 1}},
		},
		{
			name:      "resume from offset",
			total:     10,
			batchSize: 3,
			from:      6,
			want:      []Batch{{6, 3}, {9, 1}},
		},
		{
			name:      "zero items yields nothing",
			total:     0,
			batchSize: 3,
		},
		{
			name:      "offset past end yields nothing",
			total:     4,
			batchSize: 2,
			from:      4,
		},
		{
			name:      "invalid batch size treated as one",
			total:     2,
			batchSize: 0,
			want:      []Batch{{0, 1}, {1, 1}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := slices.Collect(Partition(tt.total, tt.batchSize, tt.from))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPartition_Restartable(t *testing.T) {
	seq := Partition(7, 2, 0)

	first := slices.Collect(seq)
	second := slices.Collect(seq)
	assert.Equal(t, first, second)

	var seen []Batch
	for b := range seq {
		seen = append(seen, b)
		if len(seen) == 2 {
			break
		}
	}

	assert.Equal(t, []Batch{{0, 2}, {2, 2}}, seen)
}

func TestPartition_CoversEveryItemOnce(t *testing.T) {
	for total := range 20 {
		for batchSize := 1; batchSize <= 7; batchSize++ {
			covered := make([]int, total)

			for b := range Partition(total, batchSize, 0) {
				assert.LessOrEqual(t, b.Count, batchSize)

				for i := b.Offset; i < b.End(); i++ {
					covered[i]++
				}
			}

			for i, n := range covered {
				assert.Equal(t, 1, n, "total=%d batch=%d item=%d", total, batchSize, i)
			}
		}
	}
}

func TestResumeOffset(t *testing.T) {
	tests := []struct {
		processed, batchSize, want int
	}{
		{0, 3, 0},
		{2, 3, 0},
		{3, 3, 3},
		{7, 3, 6},
		{10, 5, 10},
		{4, 0, 0},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ResumeOffset(tt.processed, tt.batchSize),
			"ResumeOffset(%d, %d)", tt.processed, tt.batchSize)
	}
}
