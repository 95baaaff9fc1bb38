package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/streamlane/embedhub/internal/datatypes"
)

// natsConn is the subset of *nats.Conn the provider uses.
type natsConn interface {
	Publish(subject string, data []byte) error
}

// eventEnvelope is the wire payload of a job event.
type eventEnvelope struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data"`
}

// NATSProvider publishes job events to "<prefix>.<event type>", e.g. embedhub.jobs.job.completed.
type NATSProvider struct {
	conn    natsConn
	prefix  string
	enabled map[datatypes.EventType]bool
}

// NewNATSProvider creates a provider over conn. Only eventTypes are published; empty means all.
func NewNATSProvider(conn natsConn, prefix string, eventTypes []datatypes.EventType) *NATSProvider {
	if len(eventTypes) == 0 {
		eventTypes = datatypes.AllEventTypes()
	}

	enabled := make(map[datatypes.EventType]bool, len(eventTypes))
	for _, et := range eventTypes {
		enabled[et] = true
	}

	return &NATSProvider{
		conn:    conn,
		prefix:  strings.TrimSuffix(prefix, "."),
		enabled: enabled,
	}
}

// Subject returns the subject an event type is published on.
func (p *NATSProvider) Subject(eventType datatypes.EventType) string {
	if p.prefix == "" {
		return eventType.String()
	}

	return p.prefix + "." + eventType.String()
}

// PublishEvent publishes event; failures are logged and dropped.
func (p *NATSProvider) PublishEvent(_ context.Context, event Event) {
	if !p.enabled[event.Type] {
		return
	}

	payload, err := json.Marshal(eventEnvelope{
		ID:        event.ID.String(),
		Type:      event.Type.String(),
		Timestamp: event.Timestamp,
		Data:      event.Data,
	})
	if err != nil {
		slog.Error("Failed to marshal job event", "event_id", event.ID, "error", err)

		return
	}

	subject := p.Subject(event.Type)
	if err := p.conn.Publish(subject, payload); err != nil {
		slog.Error("Failed to publish job event", "subject", subject, "event_id", event.ID, "error", err)
	}
}

// ConnectNATS dials url with reconnect handling that logs connection changes.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return conn, nil
}

// LogProvider writes every job event to the structured log.
type LogProvider struct{}

// PublishEvent logs event at info level.
func (LogProvider) PublishEvent(ctx context.Context, event Event) {
	slog.InfoContext(ctx, "job event", "event_id", event.ID, "event_type", event.Type.String(), "timestamp", event.Timestamp)
}
