package orchestrator

import "iter"

// Batch is a half-open slice [Offset, Offset+Count) of a job's item set.
type Batch struct {
	Offset int
	Count  int
}

// End returns the first offset past the batch.
func (b Batch) End() int { return b.Offset + b.Count }

// Partition yields the batches covering [from, total) in ascending offset order.
// The sequence is lazy and can be re-created from any offset, so a resumed job
// restarts at ResumeOffset instead of 0. total <= 0 yields nothing.
func Partition(total, batchSize, from int) iter.Seq[Batch] {
	if batchSize < 1 {
		batchSize = 1
	}

	if from < 0 {
		from = 0
	}

	return func(yield func(Batch) bool) {
		for offset := from; offset < total; offset += batchSize {
			if !yield(Batch{Offset: offset, Count: min(batchSize, total-offset)}) {
				return
			}
		}
	}
}

// ResumeOffset returns the offset of the batch that contains the first unprocessed item.
// Batches run in ascending order, so every batch before it is fully recorded.
func ResumeOffset(processed, batchSize int) int {
	if batchSize < 1 || processed <= 0 {
		return 0
	}

	return (processed / batchSize) * batchSize
}
