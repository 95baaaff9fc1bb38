// Package jobs provides the River workers for periodic orchestrator maintenance.
package jobs

import "github.com/streamlane/embedhub/internal/models"

// StaleSweepArgs contains the arguments for a stale embedding sweep.
type StaleSweepArgs struct {
	// TargetTypes limits the sweep; empty means every collection.
	TargetTypes []models.TargetType `json:"target_types,omitempty"`

	// Limit caps the items each enqueued INCREMENTAL_UPDATE job resolves.
	Limit int `json:"limit,omitempty"`

	// Priority of the enqueued jobs (lower runs first).
	Priority int `json:"priority,omitempty"`
}

// Kind returns the job type identifier for River
func (StaleSweepArgs) Kind() string { return "stale_sweep" }

// LeaseReaperArgs triggers recovery of RUNNING jobs whose worker stopped heartbeating.
type LeaseReaperArgs struct{}

// Kind returns the job type identifier for River
func (LeaseReaperArgs) Kind() string { return "lease_reaper" }
