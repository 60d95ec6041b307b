package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event types emitted by the payment bridge.
const (
	TypeOrderCompleted = "payment.order.completed.v1"
	TypeOrderFailed    = "payment.order.failed.v1"
)

// Subject is the NATS subject settlement events are published on.
const Subject = "payments.settlement"

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	OrderCode     string          `json:"order_code"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event for an order
func NewEvent(eventType, orderCode string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:         ulid.Make().String(),
		Type:       eventType,
		Version:    1,
		OccurredAt: time.Now().UTC(),
		OrderCode:  orderCode,
		Data:       dataBytes,
	}, nil
}

// WithCorrelation attaches the request correlation ID
func (e *Event) WithCorrelation(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// OrderSettled is the payload published when a webhook settles an order.
type OrderSettled struct {
	OrderCode     string    `json:"order_code"`
	TransactionID string    `json:"transaction_id"`
	StatusID      string    `json:"status_id"`
	AmountMinor   int64     `json:"amount_minor"`
	ProcessedAt   time.Time `json:"processed_at"`
}

// Publisher publishes events to a message broker
type Publisher interface {
	Publish(ctx context.Context, subject string, event *Event) error
}
