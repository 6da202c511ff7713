package bus

import (
	"context"
	"sync"

	"github.com/tenantry/eventbus/internal/event"
)

// Handler consumes one delivered event. Implementations are registered as
// comparable interface values, so the same instance subscribed twice counts
// once and can be removed individually.
//
// Queue-backend handlers must be idempotent with respect to EventID: the
// queue gives at-least-once delivery.
type Handler interface {
	Handle(ctx context.Context, e event.Event) error
}

// Bus decouples event producers from consumers. Emit returns once the backend
// has accepted the event (fanned out or durably enqueued), not once handlers
// have run, and always succeeds for events with zero subscribers.
type Bus interface {
	Emit(ctx context.Context, e event.Event) error

	// Subscribe registers h for every future emit of eventName. The first
	// subscription for a name lazily provisions backend resources; subscribing
	// an already-registered handler is a no-op.
	Subscribe(ctx context.Context, eventName string, h Handler) error

	// Unsubscribe removes one handler. Removing the last handler for a name
	// tears down the backend resources provisioned for it.
	Unsubscribe(ctx context.Context, eventName string, h Handler) error

	// Close drains in-flight work and releases all backend resources.
	Close(ctx context.Context) error
}

// handlerSet is the per-event-name handler registry shared by both backends.
type handlerSet struct {
	mu       sync.Mutex
	handlers map[string]map[Handler]struct{}
}

func newHandlerSet() *handlerSet {
	return &handlerSet{handlers: make(map[string]map[Handler]struct{})}
}

// add registers h under name and reports whether it was the first handler for
// that name. Duplicate registrations do not change the set.
func (s *handlerSet) add(name string, h Handler) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.handlers[name]
	if !ok {
		set = make(map[Handler]struct{})
		s.handlers[name] = set
	}
	if _, dup := set[h]; dup {
		return false
	}
	set[h] = struct{}{}
	return len(set) == 1
}

// remove deletes h from name's set and reports whether the set became empty.
func (s *handlerSet) remove(name string, h Handler) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.handlers[name]
	if !ok {
		return false
	}
	if _, present := set[h]; !present {
		return false
	}
	delete(set, h)
	if len(set) == 0 {
		delete(s.handlers, name)
		return true
	}
	return false
}

// lastOf reports whether h is the only handler registered for name.
func (s *handlerSet) lastOf(name string, h Handler) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.handlers[name]
	if !ok {
		return false
	}
	_, present := set[h]
	return present && len(set) == 1
}

// reset drops every registration.
func (s *handlerSet) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = make(map[string]map[Handler]struct{})
}

// list returns a snapshot of the handlers registered for name.
func (s *handlerSet) list(name string) []Handler {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.handlers[name]
	out := make([]Handler, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	return out
}
