package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tenantry/eventbus/internal/event"
	"github.com/tenantry/eventbus/internal/lock"
)

const dedupLockTTL = 30 * time.Second

// PubSub is the ephemeral fan-out backend: one Redis channel per event name,
// every subscribed instance receives every published message independently.
// A short-TTL distributed lock keyed by event name + aggregate ID picks one
// instance to run the handlers for each occurrence; the rest skip silently.
//
// Delivery is at-most-once, best effort. If the lock winner crashes before
// its handlers finish, the occurrence is lost — there is no redelivery. Use
// the queue backend for business-critical side effects.
type PubSub struct {
	redisClient *redis.Client
	registry    *event.Registry
	locks       *lock.Lock
	logger      *slog.Logger
	handlers    *handlerSet

	mu   sync.Mutex
	subs map[string]*channelSub
}

type channelSub struct {
	pubsub *redis.PubSub
	done   chan struct{}
}

func NewPubSub(redisClient *redis.Client, registry *event.Registry, locks *lock.Lock, logger *slog.Logger) *PubSub {
	return &PubSub{
		redisClient: redisClient,
		registry:    registry,
		locks:       locks,
		logger:      logger,
		handlers:    newHandlerSet(),
		subs:        make(map[string]*channelSub),
	}
}

// Emit publishes the event to its name's channel. A publish failure is
// returned immediately; there is no retry on this backend.
func (b *PubSub) Emit(ctx context.Context, e event.Event) error {
	payload, err := event.Marshal(e)
	if err != nil {
		return err
	}

	if err := b.redisClient.Publish(ctx, e.EventName(), payload).Err(); err != nil {
		return fmt.Errorf("publishing event %s: %w", e.EventName(), err)
	}
	return nil
}

// Subscribe registers h for eventName. The first handler for a name opens the
// channel subscription and starts its reader goroutine. The registration is
// published only once the subscription is confirmed, so no handler can end up
// registered against a channel that never opened.
func (b *PubSub) Subscribe(ctx context.Context, eventName string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[eventName]; ok {
		b.handlers.add(eventName, h)
		return nil
	}

	ps := b.redisClient.Subscribe(ctx, eventName)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("subscribing to channel %s: %w", eventName, err)
	}

	sub := &channelSub{pubsub: ps, done: make(chan struct{})}
	b.subs[eventName] = sub
	b.handlers.add(eventName, h)
	go b.listen(eventName, sub)

	b.logger.Info("channel subscription opened", "event_name", eventName)
	return nil
}

// Unsubscribe removes h. When the last handler for a name is removed, the
// channel subscription is closed and the reader goroutine stops.
func (b *PubSub) Unsubscribe(_ context.Context, eventName string, h Handler) error {
	if last := b.handlers.remove(eventName, h); !last {
		return nil
	}

	b.mu.Lock()
	sub, ok := b.subs[eventName]
	delete(b.subs, eventName)
	b.mu.Unlock()
	if !ok {
		return nil
	}

	if err := sub.pubsub.Close(); err != nil {
		return fmt.Errorf("closing channel %s: %w", eventName, err)
	}
	<-sub.done

	b.logger.Info("channel subscription closed", "event_name", eventName)
	return nil
}

// Close tears down every channel subscription.
func (b *PubSub) Close(_ context.Context) error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*channelSub)
	b.mu.Unlock()

	var firstErr error
	for eventName, sub := range subs {
		if err := sub.pubsub.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing channel %s: %w", eventName, err)
		}
		<-sub.done
	}
	b.handlers.reset()
	return firstErr
}

// listen drains the channel until the subscription is closed.
func (b *PubSub) listen(eventName string, sub *channelSub) {
	defer close(sub.done)

	for msg := range sub.pubsub.Channel() {
		b.dispatch(context.Background(), eventName, []byte(msg.Payload))
	}
}

// dispatch decodes one wire message, races the other instances for the
// occurrence's dedup lock, and runs the handler set if it wins.
func (b *PubSub) dispatch(ctx context.Context, eventName string, payload []byte) {
	e, err := b.registry.Decode(payload)
	if err != nil {
		b.logger.Error("dropping undecodable message", "event_name", eventName, "error", err)
		return
	}

	// One winner per occurrence across all instances. Zero retries: losing
	// the race means another instance is handling it.
	dedupKey := e.EventName() + ":" + e.AggregateID()
	if _, err := b.locks.Acquire(ctx, dedupKey, dedupLockTTL, 0, 0); err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return
		}
		b.logger.Error("dedup lock acquire failed", "event_name", eventName, "event_id", e.EventID(), "error", err)
		return
	}
	// The lock is deliberately left to expire via TTL. Releasing it here
	// would let an instance whose copy of the message arrives late re-run
	// the handlers for the same occurrence.

	for _, h := range b.handlers.list(eventName) {
		if err := h.Handle(ctx, e); err != nil {
			b.logger.Error("handler failed",
				"event_name", eventName,
				"event_id", e.EventID(),
				"error", err,
			)
		}
	}
}
