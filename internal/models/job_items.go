package models

import (
	"time"

	"github.com/google/uuid"
)

// ItemState is the recorded outcome of one job item.
type ItemState string

const (
	ItemPending         ItemState = "pending"
	ItemSucceeded       ItemState = "succeeded"
	ItemSkipped         ItemState = "skipped"
	ItemFailed          ItemState = "failed"
	ItemFailedPermanent ItemState = "failed_permanent"
)

// Recorded reports whether the item already counts towards processed_items.
func (s ItemState) Recorded() bool { return s != ItemPending }

// Retriable reports whether a later pass may re-attempt the item.
func (s ItemState) Retriable() bool { return s == ItemFailed }

// JobItem is one entry of a job's materialised, ordered item set.
// Seq is the item's offset within the job and the coordinate batches are cut on.
type JobItem struct {
	JobID    uuid.UUID `json:"job_id"`
	Seq      int       `json:"seq"`
	Target   TargetRef `json:"target"`
	State    ItemState `json:"state"`
	Attempts int       `json:"attempts"`
	// Run is the job's retry_count when the item was last recorded.
	Run       int       `json:"run"`
	LastError *string   `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ItemOutcome is the result of processing one item.
type ItemOutcome string

const (
	OutcomeSuccess   ItemOutcome = "success"
	OutcomeSkipped   ItemOutcome = "skipped"
	OutcomeFailure   ItemOutcome = "failure"
	OutcomePermanent ItemOutcome = "permanent_failure"
)

// ItemState maps the outcome to the ledger state it records.
func (o ItemOutcome) ItemState() ItemState {
	switch o {
	case OutcomeSuccess:
		return ItemSucceeded
	case OutcomeSkipped:
		return ItemSkipped
	case OutcomePermanent:
		return ItemFailedPermanent
	default:
		return ItemFailed
	}
}

// Failed reports whether the outcome counts against failed_items.
func (o ItemOutcome) Failed() bool { return o == OutcomeFailure || o == OutcomePermanent }

// ItemResult is reported to the progress aggregator for one processed item.
type ItemResult struct {
	Seq      int
	Outcome  ItemOutcome
	Duration time.Duration
	Err      error
	// Reattempt is set when the item was previously recorded as failed; its count moves
	// between failed and success without changing processed.
	Reattempt bool
}
