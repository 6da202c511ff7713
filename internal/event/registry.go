package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownEvent means a payload named an event type nobody registered.
// Callers treat it like any other decode failure: log and drop the message.
var ErrUnknownEvent = errors.New("unknown event name")

// DecodeFunc reconstructs a concrete event from its wire payload.
type DecodeFunc func(data json.RawMessage) (Event, error)

// Registry maps stable event names to their decoders. It replaces reflection
// on event constructors: dispatch is a table lookup keyed by the name carried
// in the envelope. Register everything at startup, before any bus starts
// decoding; the map is not guarded for concurrent mutation.
type Registry struct {
	decoders map[string]DecodeFunc
}

func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]DecodeFunc)}
}

// Register binds a decoder to an event name. Registering the same name twice
// overwrites the previous decoder.
func (r *Registry) Register(name string, fn DecodeFunc) {
	r.decoders[name] = fn
}

// Decode parses a wire envelope and reconstructs the concrete event.
func (r *Registry) Decode(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshaling envelope: %w", err)
	}
	return r.DecodeEvent(env.EventName, env.EventData)
}

// DecodeEvent reconstructs a concrete event from its name and payload. Used
// directly by the queue backend, whose job body already carries the two apart.
func (r *Registry) DecodeEvent(name string, data json.RawMessage) (Event, error) {
	fn, ok := r.decoders[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}

	e, err := fn(data)
	if err != nil {
		return nil, fmt.Errorf("decoding event %s: %w", name, err)
	}
	return e, nil
}

// DecodeJSON returns a DecodeFunc that unmarshals the payload into T.
func DecodeJSON[T Event]() DecodeFunc {
	return func(data json.RawMessage) (Event, error) {
		var e T
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	}
}
