package event

// AggregateRoot is the embeddable base for aggregates. Business methods record
// events as a side effect of a state transition; nothing is delivered until
// the persistence layer has committed the mutation and drained the buffer.
//
// An aggregate instance is confined to the request that loaded it, so the
// buffer needs no locking.
type AggregateRoot struct {
	events []Event
}

// Record appends an event to the buffer in occurrence order.
func (a *AggregateRoot) Record(e Event) {
	a.events = append(a.events, e)
}

// PullEvents returns the buffered events and clears the buffer. A second call
// without intervening Records returns nil, which is what guarantees each event
// is emitted at most once per persistence cycle.
func (a *AggregateRoot) PullEvents() []Event {
	events := a.events
	a.events = nil
	return events
}
