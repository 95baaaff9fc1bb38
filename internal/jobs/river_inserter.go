package jobs

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

// Unfinished states in which a queued sweep absorbs an identical request. River requires
// JobStatePending in any ByState list.
var sweepUniqueStates = []rivertype.JobState{
	rivertype.JobStatePending,
	rivertype.JobStateAvailable,
	rivertype.JobStateRunning,
	rivertype.JobStateRetryable,
	rivertype.JobStateScheduled,
}

// SweepRequest is the outcome of asking River for a stale sweep.
type SweepRequest struct {
	// RiverJobID identifies the queued sweep, which is the existing one for a duplicate.
	RiverJobID int64
	Duplicate  bool
}

// SweepInserter queues stale sweeps from outside the orchestrator process.
type SweepInserter struct {
	client *river.Client[pgx.Tx]
}

// NewSweepInserter wraps an insert-only River client.
func NewSweepInserter(client *river.Client[pgx.Tx]) *SweepInserter {
	return &SweepInserter{client: client}
}

// InsertStaleSweep queues a sweep unless one with the same args has not finished yet.
func (s *SweepInserter) InsertStaleSweep(ctx context.Context, args StaleSweepArgs) (SweepRequest, error) {
	res, err := s.client.Insert(ctx, args, &river.InsertOpts{
		UniqueOpts: river.UniqueOpts{ByArgs: true, ByState: sweepUniqueStates},
	})
	if err != nil {
		return SweepRequest{}, fmt.Errorf("insert stale sweep: %w", err)
	}

	return SweepRequest{RiverJobID: res.Job.ID, Duplicate: res.UniqueSkippedAsDuplicate}, nil
}
