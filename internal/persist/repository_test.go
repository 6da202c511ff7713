package persist

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/tenantry/eventbus/internal/bus"
	"github.com/tenantry/eventbus/internal/event"
)

type ticketGranted struct {
	event.Base
	Amount int `json:"amount"`
}

func (ticketGranted) EventName() string { return "ticket.granted" }

type account struct {
	event.AggregateRoot `json:"-"`

	ID      string `json:"id"`
	Balance int    `json:"balance"`
}

func (a *account) AggregateID() string   { return a.ID }
func (a *account) AggregateKind() string { return "account" }

func (a *account) grant(amount int) {
	a.Balance += amount
	a.Record(ticketGranted{Base: event.NewBase(a.ID), Amount: amount})
}

type fakeSnapshots struct {
	saves int
	kind  string
	id    string
	state []byte
	err   error
}

func (f *fakeSnapshots) SaveSnapshot(_ context.Context, kind, id string, state []byte) error {
	if f.err != nil {
		return f.err
	}
	f.saves++
	f.kind, f.id, f.state = kind, id, state
	return nil
}

// recordingBus captures emitted events; it satisfies bus.Bus.
type recordingBus struct {
	emitted []event.Event
	emitErr error
}

func (b *recordingBus) Emit(_ context.Context, e event.Event) error {
	if b.emitErr != nil {
		return b.emitErr
	}
	b.emitted = append(b.emitted, e)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string, bus.Handler) error   { return nil }
func (b *recordingBus) Unsubscribe(context.Context, string, bus.Handler) error { return nil }
func (b *recordingBus) Close(context.Context) error                            { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSave_CommitsThenEmits(t *testing.T) {
	snapshots := &fakeSnapshots{}
	b := &recordingBus{}
	repo := NewRepository(snapshots, b, testLogger())

	acc := &account{ID: "user-1"}
	acc.grant(3)
	acc.grant(2)

	if err := repo.Save(context.Background(), acc); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	if snapshots.saves != 1 {
		t.Errorf("snapshot saved %d times, want 1", snapshots.saves)
	}
	if snapshots.kind != "account" || snapshots.id != "user-1" {
		t.Errorf("saved %s/%s, want account/user-1", snapshots.kind, snapshots.id)
	}

	var state account
	if err := json.Unmarshal(snapshots.state, &state); err != nil {
		t.Fatalf("snapshot state is not valid JSON: %v", err)
	}
	if state.Balance != 5 {
		t.Errorf("persisted balance = %d, want 5", state.Balance)
	}

	if len(b.emitted) != 2 {
		t.Fatalf("emitted %d events, want 2", len(b.emitted))
	}
	first, ok := b.emitted[0].(ticketGranted)
	if !ok || first.Amount != 3 {
		t.Errorf("first emitted event = %#v, want amount 3", b.emitted[0])
	}
}

func TestSave_DrainsBufferOncePerCycle(t *testing.T) {
	snapshots := &fakeSnapshots{}
	b := &recordingBus{}
	repo := NewRepository(snapshots, b, testLogger())

	acc := &account{ID: "user-1"}
	acc.grant(3)

	if err := repo.Save(context.Background(), acc); err != nil {
		t.Fatalf("first save failed: %v", err)
	}
	if err := repo.Save(context.Background(), acc); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	if len(b.emitted) != 1 {
		t.Errorf("emitted %d events after two saves, want 1 (buffer drains once)", len(b.emitted))
	}
}

func TestSave_EmitFailureDoesNotUndoCommit(t *testing.T) {
	snapshots := &fakeSnapshots{}
	b := &recordingBus{emitErr: errors.New("store unreachable")}
	repo := NewRepository(snapshots, b, testLogger())

	acc := &account{ID: "user-1"}
	acc.grant(3)

	if err := repo.Save(context.Background(), acc); err != nil {
		t.Errorf("save should succeed despite emit failure, got %v", err)
	}
	if snapshots.saves != 1 {
		t.Errorf("snapshot saved %d times, want 1", snapshots.saves)
	}
}

func TestSave_StoreFailureSkipsEmit(t *testing.T) {
	boom := errors.New("connection refused")
	snapshots := &fakeSnapshots{err: boom}
	b := &recordingBus{}
	repo := NewRepository(snapshots, b, testLogger())

	acc := &account{ID: "user-1"}
	acc.grant(3)

	if err := repo.Save(context.Background(), acc); !errors.Is(err, boom) {
		t.Fatalf("save should surface the store error, got %v", err)
	}
	if len(b.emitted) != 0 {
		t.Errorf("emitted %d events after a failed commit, want 0", len(b.emitted))
	}
	// The events stay buffered for the retried save.
	if got := len(acc.PullEvents()); got != 1 {
		t.Errorf("buffer holds %d events after failed save, want 1", got)
	}
}
