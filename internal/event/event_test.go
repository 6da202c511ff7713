package event

import (
	"errors"
	"testing"
)

type ticketGranted struct {
	Base
	Amount int `json:"amount"`
}

func (ticketGranted) EventName() string { return "ticket.granted" }

func TestNewBase_AssignsIdentityOnce(t *testing.T) {
	a := NewBase("user-1")
	b := NewBase("user-1")

	if a.EventID() == "" {
		t.Fatal("event ID should be assigned at creation")
	}
	if a.EventID() == b.EventID() {
		t.Error("event IDs must be globally unique")
	}
	if a.AggregateID() != "user-1" {
		t.Errorf("AggregateID = %q, want %q", a.AggregateID(), "user-1")
	}
	if a.OccurredAt().IsZero() {
		t.Error("OccurredAt should be assigned at creation")
	}
}

func TestRegistry_RoundTrip(t *testing.T) {
	r := NewRegistry()
	r.Register("ticket.granted", DecodeJSON[ticketGranted]())

	original := ticketGranted{Base: NewBase("u1"), Amount: 3}

	raw, err := Marshal(original)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	decoded, err := r.Decode(raw)
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}

	granted, ok := decoded.(ticketGranted)
	if !ok {
		t.Fatalf("decoded to %T, want ticketGranted", decoded)
	}
	if granted.Amount != 3 {
		t.Errorf("Amount = %d, want 3", granted.Amount)
	}
	if granted.EventID() != original.EventID() {
		t.Errorf("EventID = %q, want %q", granted.EventID(), original.EventID())
	}
	if granted.AggregateID() != "u1" {
		t.Errorf("AggregateID = %q, want %q", granted.AggregateID(), "u1")
	}
}

func TestRegistry_UnknownEventName(t *testing.T) {
	r := NewRegistry()

	_, err := r.Decode([]byte(`{"event_name":"nobody.registered","event_id":"e1","event_data":{}}`))
	if !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestRegistry_MalformedEnvelope(t *testing.T) {
	r := NewRegistry()
	r.Register("ticket.granted", DecodeJSON[ticketGranted]())

	if _, err := r.Decode([]byte("not json at all")); err == nil {
		t.Error("expected error for malformed envelope")
	}
}

func TestRegistry_MalformedEventData(t *testing.T) {
	r := NewRegistry()
	r.Register("ticket.granted", DecodeJSON[ticketGranted]())

	raw := []byte(`{"event_name":"ticket.granted","event_id":"e1","event_data":"not-an-object"}`)
	if _, err := r.Decode(raw); err == nil {
		t.Error("expected error for malformed event data")
	}
}
