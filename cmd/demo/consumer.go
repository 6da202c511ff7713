package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tenantry/eventbus/internal/event"
)

// BalanceProjection is a queue-backend consumer updating a read model. It may
// see the same event more than once (at-least-once delivery), so a real
// projection would key its writes by event ID.
type BalanceProjection struct {
	logger *slog.Logger
	total  atomic.Int64
}

func NewBalanceProjection(logger *slog.Logger) *BalanceProjection {
	return &BalanceProjection{logger: logger}
}

func (p *BalanceProjection) Handle(_ context.Context, e event.Event) error {
	granted, ok := e.(TicketGranted)
	if !ok {
		return fmt.Errorf("unexpected event type %s", e.EventName())
	}

	p.total.Add(int64(granted.Amount))
	p.logger.Info("balance projection updated",
		"aggregate_id", granted.AggregateID(),
		"amount", granted.Amount,
		"running_total", p.total.Load(),
	)
	return nil
}

// LiveCounter is a pub/sub consumer: a best-effort counter where a lost
// occurrence is acceptable.
type LiveCounter struct {
	logger *slog.Logger
	count  atomic.Int64
}

func NewLiveCounter(logger *slog.Logger) *LiveCounter {
	return &LiveCounter{logger: logger}
}

func (c *LiveCounter) Handle(_ context.Context, e event.Event) error {
	c.logger.Info("live counter tick",
		"event_name", e.EventName(),
		"aggregate_id", e.AggregateID(),
		"count", c.count.Add(1),
	)
	return nil
}
