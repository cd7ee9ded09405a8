package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"energy-monitoring/internal/audit"
)

const DefaultSubject = "energy.devices.events"

// eventMessage is the wire form of a published audit event.
type eventMessage struct {
	ID        string          `json:"id"`
	DeviceID  int64           `json:"device_id"`
	Severity  string          `json:"severity"`
	EventType string          `json:"event_type"`
	Message   string          `json:"message"`
	Source    string          `json:"source"`
	Metadata  json.RawMessage `json:"metadata"`
	CreatedAt time.Time       `json:"created_at"`
}

// NATSPublisher publishes audit events as JSON to a NATS subject.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

// NewNATSPublisher connects to url.
func NewNATSPublisher(url, subject string, opts ...nats.Option) (*NATSPublisher, error) {
	if url == "" {
		return nil, errors.New("nats publisher: empty url")
	}
	if subject == "" {
		subject = DefaultSubject
	}
	defaults := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSPublisher{conn: nc, subject: subject}, nil
}

// PublishEvent publishes one event on <subject>.<severity>.
func (p *NATSPublisher) PublishEvent(_ context.Context, event audit.Event) error {
	data, err := json.Marshal(eventMessage{
		ID:        event.ID,
		DeviceID:  event.DeviceID,
		Severity:  event.Severity,
		EventType: event.EventType,
		Message:   event.Message,
		Source:    event.Source,
		Metadata:  event.Metadata,
		CreatedAt: event.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	return p.conn.Publish(p.subject+"."+event.Severity, data)
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}
