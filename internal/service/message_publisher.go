// Package service holds the orchestrator's supporting services: job event fan-out and the
// cached model registry.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamlane/embedhub/internal/datatypes"
	"github.com/streamlane/embedhub/internal/observability"
)

const (
	defaultEventBufferSize      = 1024
	defaultPerEventTimeout      = 10 * time.Second
	channelDepthSampleFrequency = 64
)

// Event is a job lifecycle event handed to every registered provider.
type Event struct {
	ID        uuid.UUID           // UUID v7, time-ordered
	Type      datatypes.EventType // e.g. JobEnqueued, JobCompleted
	Timestamp int64               // Unix seconds
	Data      any                 // job snapshot
}

// eventProvider receives a full Event.
type eventProvider interface {
	PublishEvent(ctx context.Context, event Event)
}

// MessagePublisherManager fans job events out to registered providers from a single worker
// goroutine. PublishEvent never blocks: when the buffer is full the event is dropped.
type MessagePublisherManager struct {
	eventChan       chan Event
	providers       []eventProvider
	perEventTimeout time.Duration
	metrics         observability.EventMetrics
	wg              sync.WaitGroup
	published       uint64
	mu              sync.Mutex
	closed          bool
}

// NewMessagePublisherManager creates a manager and starts its worker. bufferSize and
// perEventTimeout fall back to defaults when <= 0. metrics may be nil.
func NewMessagePublisherManager(bufferSize int, perEventTimeout time.Duration, metrics observability.EventMetrics) *MessagePublisherManager {
	if bufferSize <= 0 {
		bufferSize = defaultEventBufferSize
	}

	if perEventTimeout <= 0 {
		perEventTimeout = defaultPerEventTimeout
	}

	m := &MessagePublisherManager{
		eventChan:       make(chan Event, bufferSize),
		perEventTimeout: perEventTimeout,
		metrics:         metrics,
	}

	m.wg.Add(1)
	go m.startWorker()

	return m
}

// RegisterProvider registers a provider. Must only be called during startup, before any
// events are published.
func (m *MessagePublisherManager) RegisterProvider(provider eventProvider) {
	m.providers = append(m.providers, provider)
}

// PublishEvent enqueues an event for every provider.
func (m *MessagePublisherManager) PublishEvent(ctx context.Context, eventType datatypes.EventType, data any) {
	event := Event{
		ID:        uuid.Must(uuid.NewV7()),
		Type:      eventType,
		Timestamp: time.Now().Unix(),
		Data:      data,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		slog.Warn("Event publisher shut down, event dropped", "event_type", eventType.String())

		return
	}

	select {
	case m.eventChan <- event:
		slog.Debug("Event published to channel", "event_id", event.ID, "event_type", eventType.String())

		if m.metrics != nil {
			m.metrics.RecordEventPublished(ctx, eventType.String())
		}
	default:
		slog.Warn("Event channel full, event dropped", "event_id", event.ID, "event_type", eventType.String())

		if m.metrics != nil {
			m.metrics.RecordEventDiscarded(ctx, eventType.String())
		}
	}

	m.published++
	if m.metrics != nil && m.published%channelDepthSampleFrequency == 0 {
		m.metrics.SetChannelDepth(len(m.eventChan))
	}
}

func (m *MessagePublisherManager) startWorker() {
	defer m.wg.Done()

	for event := range m.eventChan {
		// One stuck provider must not freeze the worker forever.
		ctx, cancel := context.WithTimeout(context.Background(), m.perEventTimeout)
		start := time.Now()

		for _, provider := range m.providers {
			provider.PublishEvent(ctx, event)
		}

		cancel()

		if m.metrics != nil {
			m.metrics.RecordFanOutDuration(context.Background(), time.Since(start), event.Type.String())
		}
	}
}

// Shutdown stops accepting events and waits for the buffer to drain.
func (m *MessagePublisherManager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()

		return
	}

	m.closed = true
	close(m.eventChan)
	m.mu.Unlock()

	m.wg.Wait()
}
