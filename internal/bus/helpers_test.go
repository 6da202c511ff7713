package bus

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/tenantry/eventbus/internal/event"
)

type ticketGranted struct {
	event.Base
	Amount int `json:"amount"`
}

func (ticketGranted) EventName() string { return "ticket.granted" }

func testRegistry() *event.Registry {
	r := event.NewRegistry()
	r.Register("ticket.granted", event.DecodeJSON[ticketGranted]())
	return r
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recordingHandler records every event it receives.
type recordingHandler struct {
	mu     sync.Mutex
	events []event.Event
}

func (h *recordingHandler) Handle(_ context.Context, e event.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func (h *recordingHandler) last() event.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.events) == 0 {
		return nil
	}
	return h.events[len(h.events)-1]
}

// failingHandler always errors and timestamps each attempt.
type failingHandler struct {
	mu       sync.Mutex
	attempts []time.Time
}

func (h *failingHandler) Handle(_ context.Context, _ event.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts = append(h.attempts, time.Now())
	return errors.New("handler always fails")
}

func (h *failingHandler) times() []time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]time.Time, len(h.attempts))
	copy(out, h.attempts)
	return out
}

// slowHandler counts events but takes a while with each one.
type slowHandler struct {
	mu      sync.Mutex
	delay   time.Duration
	handled int
}

func (h *slowHandler) Handle(_ context.Context, _ event.Event) error {
	time.Sleep(h.delay)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled++
	return nil
}

func (h *slowHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handled
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
