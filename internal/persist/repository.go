package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tenantry/eventbus/internal/bus"
	"github.com/tenantry/eventbus/internal/event"
)

// Aggregate is what the repository needs from a business aggregate: identity
// plus the drain-once event buffer. State is serialized by marshaling the
// aggregate itself.
type Aggregate interface {
	AggregateID() string
	AggregateKind() string
	PullEvents() []event.Event
}

// SnapshotStore persists serialized aggregate state.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, kind, id string, state []byte) error
}

// Repository commits aggregate state and then emits the events buffered
// during the mutation.
type Repository struct {
	snapshots SnapshotStore
	bus       bus.Bus
	logger    *slog.Logger
}

func NewRepository(snapshots SnapshotStore, b bus.Bus, logger *slog.Logger) *Repository {
	return &Repository{
		snapshots: snapshots,
		bus:       b,
		logger:    logger,
	}
}

// Save persists the snapshot, then drains the buffer and emits each event.
// The two steps are separate on purpose: a crash between them loses the
// buffered events, and an emit failure does not undo the committed state.
// Handlers that need stronger guarantees rely on the queue backend's
// at-least-once contract, not on this seam.
func (r *Repository) Save(ctx context.Context, agg Aggregate) error {
	state, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("marshaling aggregate %s: %w", agg.AggregateID(), err)
	}

	if err := r.snapshots.SaveSnapshot(ctx, agg.AggregateKind(), agg.AggregateID(), state); err != nil {
		return fmt.Errorf("saving aggregate %s: %w", agg.AggregateID(), err)
	}

	for _, e := range agg.PullEvents() {
		if err := r.bus.Emit(ctx, e); err != nil {
			r.logger.Error("failed to emit event after commit",
				"event_name", e.EventName(),
				"event_id", e.EventID(),
				"aggregate_id", e.AggregateID(),
				"error", err,
			)
		}
	}
	return nil
}
