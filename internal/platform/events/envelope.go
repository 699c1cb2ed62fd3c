// Package events publishes order lifecycle events to Pub/Sub or Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types published on the order-events topic.
const (
	TypeOrderCreated           = "order.created"
	TypeOrderPaid              = "order.paid"
	TypeOrderRefunded          = "order.refunded"
	TypeRefundExceptionCreated = "refund_exception.created"
	TypeConsentExportCompleted = "consent_export.completed"
	envelopeVersion            = 1
	defaultProducer            = "storefront-api"
)

// Envelope wraps every event payload.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload and stamps a fresh event id.
func NewEnvelope(eventType, correlationID string, payload any, occurredAt time.Time) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("events: marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  envelopeVersion,
		OccurredAt:    occurredAt.UTC(),
		Producer:      defaultProducer,
		CorrelationID: correlationID,
		Payload:       data,
	}, nil
}

// Publisher delivers envelopes to a broker.
type Publisher interface {
	Publish(ctx context.Context, envelope Envelope) error
	Close() error
}

// NoopPublisher drops events. Used when the events backend is "none".
type NoopPublisher struct{}

// Publish implements Publisher.
func (NoopPublisher) Publish(context.Context, Envelope) error { return nil }

// Close implements Publisher.
func (NoopPublisher) Close() error { return nil }
