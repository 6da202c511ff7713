package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tenantry/eventbus/internal/bus"
	"github.com/tenantry/eventbus/internal/config"
	"github.com/tenantry/eventbus/internal/event"
	"github.com/tenantry/eventbus/internal/lock"
	"github.com/tenantry/eventbus/internal/persist"
	"github.com/tenantry/eventbus/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	redisStore, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisStore.Close()
	logger.Info("connected to Redis")

	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()

	if err := pgStore.Bootstrap(ctx); err != nil {
		logger.Error("failed to bootstrap schema", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to PostgreSQL")

	// All event types are registered before any backend starts decoding.
	registry := event.NewRegistry()
	registry.Register(TicketGrantedName, event.DecodeJSON[TicketGranted]())

	locks := lock.New(redisStore.Client(), logger, cfg.LockTTL)

	queueBus := bus.NewQueue(redisStore.Client(), registry, logger, bus.QueueOptions{
		Concurrency: cfg.QueueConcurrency,
		MaxAttempts: cfg.QueueMaxAttempts,
		BackoffBase: cfg.QueueBackoff,
	})
	pubsubBus := bus.NewPubSub(redisStore.Client(), registry, locks, logger)

	// Durable read model on the queue backend, best-effort counter on pub/sub.
	projection := NewBalanceProjection(logger)
	if err := queueBus.Subscribe(ctx, TicketGrantedName, projection); err != nil {
		logger.Error("failed to subscribe projection", "error", err)
		os.Exit(1)
	}

	counter := NewLiveCounter(logger)
	if err := pubsubBus.Subscribe(ctx, TicketGrantedName, counter); err != nil {
		logger.Error("failed to subscribe counter", "error", err)
		os.Exit(1)
	}

	// Surface terminal queue failures for alerting.
	go func() {
		for failed := range queueBus.Failed() {
			logger.Error("dead job needs attention",
				"event_name", failed.EventName,
				"event_id", failed.EventID,
				"attempts", failed.Attempts,
				"last_error", failed.Error,
			)
		}
	}()

	repo := persist.NewRepository(pgStore, queueBus, logger)

	// Simulate a business command: mutate the aggregate, commit, emit.
	account := &TicketAccount{ID: "user-1"}
	account.Grant(3)
	if err := repo.Save(ctx, account); err != nil {
		logger.Error("failed to save account", "error", err)
		os.Exit(1)
	}

	// The same occurrence fanned out live to every instance; only the dedup
	// lock winner ticks its counter.
	if err := pubsubBus.Emit(ctx, TicketGranted{Base: event.NewBase(account.ID), Amount: 3}); err != nil {
		logger.Error("failed to publish", "error", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := queueBus.Close(shutdownCtx); err != nil {
		logger.Error("failed to close queue bus", "error", err)
	}
	if err := pubsubBus.Close(shutdownCtx); err != nil {
		logger.Error("failed to close pubsub bus", "error", err)
	}

	logger.Info("stopped")
}
