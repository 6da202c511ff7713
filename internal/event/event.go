package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is an immutable record of something that happened to an aggregate.
// EventName is a compile-time constant per concrete type; EventID is assigned
// once at creation and doubles as the idempotency token for queue delivery.
type Event interface {
	EventName() string
	EventID() string
	AggregateID() string
	OccurredAt() time.Time
}

// Base carries the identity fields shared by every concrete event.
// Embed it and implement EventName on the concrete type.
type Base struct {
	ID        string    `json:"event_id"`
	Aggregate string    `json:"aggregate_id"`
	At        time.Time `json:"occurred_at"`
}

// NewBase assigns a fresh event ID and creation timestamp.
func NewBase(aggregateID string) Base {
	return Base{
		ID:        uuid.NewString(),
		Aggregate: aggregateID,
		At:        time.Now().UTC(),
	}
}

func (b Base) EventID() string {
	return b.ID
}

func (b Base) AggregateID() string {
	return b.Aggregate
}

func (b Base) OccurredAt() time.Time {
	return b.At
}

// Envelope is the wire shape shared by the pub/sub channel payload and the
// queue job body: the stable event name plus the concrete event's own JSON.
type Envelope struct {
	EventName string          `json:"event_name"`
	EventID   string          `json:"event_id"`
	EventData json.RawMessage `json:"event_data"`
}

// Marshal wraps an event in its wire envelope.
func Marshal(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshaling event %s: %w", e.EventName(), err)
	}

	return json.Marshal(Envelope{
		EventName: e.EventName(),
		EventID:   e.EventID(),
		EventData: data,
	})
}
