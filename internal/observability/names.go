// Package observability provides OpenTelemetry metrics and tracing for the orchestrator.
package observability

import (
	"github.com/streamlane/embedhub/internal/datatypes"
	"github.com/streamlane/embedhub/internal/models"
)

// Metric names (Prometheus / OpenTelemetry).
const (
	MetricNameJobTransitions    = "embedhub_job_transitions_total"
	MetricNameJobsEnqueued      = "embedhub_jobs_enqueued_total"
	MetricNameJobDequeues       = "embedhub_job_dequeues_total"
	MetricNameJobsRecovered     = "embedhub_jobs_recovered_total"
	MetricNameItemOutcomes      = "embedhub_job_item_outcomes_total"
	MetricNameItemDuration      = "embedhub_job_item_duration_seconds"
	MetricNameBatchDuration     = "embedhub_job_batch_duration_seconds"
	MetricNameJobQueueDepth     = "embedhub_job_queue_depth"
	MetricNameInferenceRequests = "embedhub_inference_requests_total"
	MetricNameInferenceDuration = "embedhub_inference_duration_seconds"
	MetricNameEventsPublished   = "embedhub_events_published_total"
	MetricNameEventsDiscarded   = "embedhub_events_discarded_total"
	MetricNameFanOutDuration    = "embedhub_event_fan_out_duration_seconds"
	MetricNameEventChannelDepth = "embedhub_event_channel_depth"
	MetricNameRiverQueueDepth   = "embedhub_river_queue_depth"
	MetricNameCacheLookups      = "embedhub_cache_lookups_total"
	MetricNameCacheLoadFailures = "embedhub_cache_load_failures_total"
	MetricNameAPIRejections     = "embedhub_api_rejections_total"
)

// Attribute keys.
const (
	AttrEventType  = "event_type"
	AttrReason     = "reason"
	AttrStatus     = "status"
	AttrJobType    = "job_type"
	AttrFrom       = "from"
	AttrTo         = "to"
	AttrTargetType = "target_type"
	AttrOutcome    = "outcome"
	AttrProvider   = "provider"
	AttrCache      = "cache"
	AttrResult     = "result"
)

// AllowedInferenceStatuses for embedhub_inference_requests_total.
var AllowedInferenceStatuses = map[string]bool{
	"success":     true,
	"transient":   true,
	"permanent":   true,
	"fatal":       true,
	"rate_waited": true,
}

// AllowedRecoveryReasons for embedhub_jobs_recovered_total.
var AllowedRecoveryReasons = map[string]bool{
	"retrying":  true,
	"failed":    true,
	"cancelled": true,
}

// AllowedCacheNames for embedhub_cache_lookups_total.
var AllowedCacheNames = map[string]bool{
	"model_registry": true,
}

// NormalizeEventType returns eventType if it is a known lifecycle event, otherwise "unknown".
func NormalizeEventType(eventType string) string {
	if _, ok := datatypes.ParseEventType(eventType); ok {
		return eventType
	}

	return "unknown"
}

// NormalizeJobType returns jobType if known, otherwise "unknown".
func NormalizeJobType(jobType string) string {
	if models.JobType(jobType).Valid() {
		return jobType
	}

	return "unknown"
}

// NormalizeJobStatus returns status if known, otherwise "unknown".
func NormalizeJobStatus(status string) string {
	if models.JobStatus(status).Valid() {
		return status
	}

	return "unknown"
}

// NormalizeTargetType returns targetType if known, otherwise "unknown".
func NormalizeTargetType(targetType string) string {
	if models.TargetType(targetType).Valid() {
		return targetType
	}

	return "unknown"
}

// NormalizeOutcome returns outcome if it is a known item outcome, otherwise "unknown".
func NormalizeOutcome(outcome string) string {
	switch models.ItemOutcome(outcome) {
	case models.OutcomeSuccess, models.OutcomeSkipped, models.OutcomeFailure, models.OutcomePermanent:
		return outcome
	}

	return "unknown"
}

// NormalizeReason returns reason if in allowed, otherwise "other".
func NormalizeReason(reason string, allowed map[string]bool) string {
	if allowed[reason] {
		return reason
	}

	return "other"
}

// NormalizeCacheName returns name if allowed, otherwise "other".
func NormalizeCacheName(name string) string {
	return NormalizeReason(name, AllowedCacheNames)
}
