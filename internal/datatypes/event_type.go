// Package datatypes defines shared types for job lifecycle events.
package datatypes

import (
	"errors"
	"fmt"
	"strings"
)

// Event type parse errors.
var (
	ErrInvalidEventType   = errors.New("invalid event type")
	ErrDuplicateEventType = errors.New("duplicate event type")
)

// EventType is a job lifecycle event. String() gives the wire name.
type EventType uint8

const (
	JobEnqueued EventType = iota
	JobStarted
	JobRetrying
	JobCompleted
	JobFailed
	JobCancelRequested
	JobCancelled
)

var eventTypeNames = [...]string{
	JobEnqueued:        "job.enqueued",
	JobStarted:         "job.started",
	JobRetrying:        "job.retrying",
	JobCompleted:       "job.completed",
	JobFailed:          "job.failed",
	JobCancelRequested: "job.cancel_requested",
	JobCancelled:       "job.cancelled",
}

// String returns the wire name, or "" for an unknown value.
func (et EventType) String() string {
	if int(et) >= len(eventTypeNames) {
		return ""
	}

	return eventTypeNames[et]
}

// ParseEventType converts a wire name to an EventType.
func ParseEventType(s string) (EventType, bool) {
	for i, name := range eventTypeNames {
		if name == s {
			return EventType(i), true
		}
	}

	return 0, false
}

// AllEventTypes returns every event type in declaration order.
func AllEventTypes() []EventType {
	out := make([]EventType, len(eventTypeNames))
	for i := range eventTypeNames {
		out[i] = EventType(i)
	}

	return out
}

// ParseEventTypes parses a comma-separated list (e.g. from NATS_EVENT_TYPES).
// An empty list means every event type.
func ParseEventTypes(csv string) ([]EventType, error) {
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return AllEventTypes(), nil
	}

	parts := strings.Split(csv, ",")
	out := make([]EventType, 0, len(parts))
	seen := make(map[EventType]bool, len(parts))

	for _, p := range parts {
		p = strings.TrimSpace(p)

		et, ok := ParseEventType(p)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrInvalidEventType, p)
		}

		if seen[et] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateEventType, p)
		}

		seen[et] = true
		out = append(out, et)
	}

	return out, nil
}
