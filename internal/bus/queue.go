package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/tenantry/eventbus/internal/event"
)

const (
	queueKeyPrefix  = "event-"
	pollBatchSize   = 10
	jobHistoryLimit = 100
)

// QueueJob is the durable job body stored in Redis, one job per emitted
// event. The job ID is the event ID, which is what makes re-emits idempotent.
type QueueJob struct {
	EventName string          `json:"event_name"`
	EventID   string          `json:"event_id"`
	EventData json.RawMessage `json:"event_data"`
	Attempt   int             `json:"attempt"`
}

// FailedJob is reported on the monitor channel after a job exhausts its
// retry budget. It exists for alerting, not control flow; the job is not
// automatically redelivered.
type FailedJob struct {
	EventName string    `json:"event_name"`
	EventID   string    `json:"event_id"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error"`
	FailedAt  time.Time `json:"failed_at"`
}

// QueueOptions tune the queue backend. Zero values take the defaults below.
type QueueOptions struct {
	Concurrency  int           // workers per event type (default 5)
	MaxAttempts  int           // total attempts per job (default 3)
	BackoffBase  time.Duration // first retry delay, doubling per attempt (default 2s)
	PollInterval time.Duration // dispatcher poll period (default 100ms)
	DedupTTL     time.Duration // dedup marker lifetime (default 24h)
}

func (o QueueOptions) withDefaults() QueueOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = 5
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.DedupTTL <= 0 {
		o.DedupTTL = 24 * time.Hour
	}
	return o
}

// Lua script for idempotent enqueue.
// 1. Claim the per-job dedup marker (expires after DedupTTL)
// 2. Only the claimer adds the job to the pending sorted set
// A duplicate event ID returns 0 and leaves the queue untouched.
var enqueueScript = redis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
    redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
    return 1
end
return 0
`)

// Queue is the durable work-queue backend: one logical queue per event name,
// jobs scored by ready-time in a sorted set, a bounded worker pool per queue,
// and bounded retries with exponential backoff. Delivery is at-least-once.
type Queue struct {
	redisClient *redis.Client
	registry    *event.Registry
	logger      *slog.Logger
	opts        QueueOptions
	handlers    *handlerSet

	mu      sync.Mutex
	workers map[string]*queueWorker
	closed  bool

	failed chan FailedJob
}

type queueWorker struct {
	eventName string
	jobs      chan QueueJob
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewQueue(redisClient *redis.Client, registry *event.Registry, logger *slog.Logger, opts QueueOptions) *Queue {
	return &Queue{
		redisClient: redisClient,
		registry:    registry,
		logger:      logger,
		opts:        opts.withDefaults(),
		handlers:    newHandlerSet(),
		workers:     make(map[string]*queueWorker),
		failed:      make(chan FailedJob, 64),
	}
}

// Failed is the monitor channel: one entry per job that exhausted its retry
// budget. Sends are non-blocking, a slow reader loses notifications, not jobs
// (the failed history list in Redis keeps the record).
func (q *Queue) Failed() <-chan FailedJob {
	return q.failed
}

func pendingKey(eventName string) string {
	return queueKeyPrefix + eventName
}

func jobKey(eventName, eventID string) string {
	return queueKeyPrefix + eventName + ":job:" + eventID
}

func failedKey(eventName string) string {
	return queueKeyPrefix + eventName + ":failed"
}

func completedKey(eventName string) string {
	return queueKeyPrefix + eventName + ":completed"
}

// recordHistory appends to a bounded per-queue history list.
func (q *Queue) recordHistory(ctx context.Context, key string, entry any) {
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	pipe := q.redisClient.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, jobHistoryLimit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error("failed to record job history", "key", key, "error", err)
	}
}

// Emit durably enqueues one job for the event. Emitting an event whose ID is
// already known is a no-op success, so an emit retried after a commit glitch
// cannot double a job. Zero subscribers is fine: the job waits in the queue
// until a worker exists.
func (q *Queue) Emit(ctx context.Context, e event.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling event %s: %w", e.EventName(), err)
	}

	job := QueueJob{
		EventName: e.EventName(),
		EventID:   e.EventID(),
		EventData: data,
		Attempt:   1,
	}
	member, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job %s: %w", e.EventID(), err)
	}

	enqueued, err := enqueueScript.Run(ctx, q.redisClient,
		[]string{jobKey(e.EventName(), e.EventID()), pendingKey(e.EventName())},
		e.EventID(),
		q.opts.DedupTTL.Milliseconds(),
		float64(time.Now().UnixMicro()),
		string(member),
	).Int64()
	if err != nil {
		return fmt.Errorf("enqueuing event %s: %w", e.EventID(), err)
	}

	if enqueued == 0 {
		q.logger.Debug("duplicate event ignored",
			"event_name", e.EventName(),
			"event_id", e.EventID(),
		)
	}
	return nil
}

// Subscribe registers h for eventName. The first handler for a name starts
// that name's dispatcher and worker pool.
func (q *Queue) Subscribe(_ context.Context, eventName string, h Handler) error {
	if first := q.handlers.add(eventName, h); !first {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.handlers.remove(eventName, h)
		return fmt.Errorf("queue bus is closed")
	}
	if _, ok := q.workers[eventName]; ok {
		return nil
	}

	q.workers[eventName] = q.startWorker(eventName)
	q.logger.Info("queue worker started",
		"event_name", eventName,
		"concurrency", q.opts.Concurrency,
	)
	return nil
}

// Unsubscribe removes h. When the last handler for a name is removed, the
// name's worker is stopped after draining in-flight jobs.
func (q *Queue) Unsubscribe(_ context.Context, eventName string, h Handler) error {
	if !q.handlers.lastOf(eventName, h) {
		q.handlers.remove(eventName, h)
		return nil
	}

	q.mu.Lock()
	w, ok := q.workers[eventName]
	delete(q.workers, eventName)
	q.mu.Unlock()

	// Drain before dropping the registration: jobs already claimed off the
	// sorted set still need the handler set, or they would complete as
	// no-ops and be lost.
	if ok {
		w.stop()
		q.logger.Info("queue worker stopped", "event_name", eventName)
	}

	q.handlers.remove(eventName, h)
	return nil
}

// Close stops every worker (draining in-flight jobs) and closes the monitor
// channel. Jobs still pending in Redis survive for the next process.
func (q *Queue) Close(_ context.Context) error {
	q.mu.Lock()
	workers := q.workers
	q.workers = make(map[string]*queueWorker)
	alreadyClosed := q.closed
	q.closed = true
	q.mu.Unlock()

	// Drain before dropping registrations: in-flight jobs still need their
	// handler set.
	for _, w := range workers {
		w.stop()
	}

	q.handlers.reset()
	if !alreadyClosed {
		close(q.failed)
	}
	return nil
}

func (q *Queue) startWorker(eventName string) *queueWorker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &queueWorker{
		eventName: eventName,
		jobs:      make(chan QueueJob, q.opts.Concurrency*2),
		cancel:    cancel,
	}

	w.wg.Add(1)
	go q.dispatch(ctx, w)
	for i := 0; i < q.opts.Concurrency; i++ {
		w.wg.Add(1)
		go q.work(w)
	}
	return w
}

// stop halts the dispatcher; workers drain whatever was already claimed.
func (w *queueWorker) stop() {
	w.cancel()
	w.wg.Wait()
}

// dispatch polls the pending sorted set and feeds claimed jobs to the pool.
func (q *Queue) dispatch(ctx context.Context, w *queueWorker) {
	defer w.wg.Done()
	defer close(w.jobs)

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.poll(ctx, w)
		}
	}
}

// poll claims a batch of ready jobs. The ZRem is the claim: if it removes
// nothing, another instance's dispatcher got there first.
func (q *Queue) poll(ctx context.Context, w *queueWorker) {
	now := float64(time.Now().UnixMicro())

	results, err := q.redisClient.ZRangeByScoreWithScores(ctx, pendingKey(w.eventName), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   formatFloat(now),
		Count: pollBatchSize,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			q.logger.Error("failed to poll queue", "event_name", w.eventName, "error", err)
		}
		return
	}

	for _, z := range results {
		member := z.Member.(string)

		removed, err := q.redisClient.ZRem(ctx, pendingKey(w.eventName), member).Result()
		if err != nil {
			q.logger.Error("failed to claim job", "event_name", w.eventName, "error", err)
			continue
		}
		if removed == 0 {
			continue
		}

		var job QueueJob
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			q.logger.Error("dropping unparsable job", "event_name", w.eventName, "error", err)
			continue
		}

		w.jobs <- job
	}
}

// work processes jobs until the channel is closed. It uses a fresh context so
// in-flight jobs finish (and can schedule retries) during shutdown.
func (q *Queue) work(w *queueWorker) {
	defer w.wg.Done()

	for job := range w.jobs {
		q.process(context.Background(), job)
	}
}

// process runs the full handler set for one job and applies the retry policy.
func (q *Queue) process(ctx context.Context, job QueueJob) {
	e, err := q.registry.DecodeEvent(job.EventName, job.EventData)
	if err != nil {
		q.logger.Error("dropping undecodable job",
			"event_name", job.EventName,
			"event_id", job.EventID,
			"error", err,
		)
		return
	}

	var g errgroup.Group
	for _, h := range q.handlers.list(job.EventName) {
		g.Go(func() error {
			return h.Handle(ctx, e)
		})
	}

	if err := g.Wait(); err != nil {
		q.retryOrFail(ctx, job, err)
		return
	}

	q.recordHistory(ctx, completedKey(job.EventName), map[string]any{
		"event_id":     job.EventID,
		"attempt":      job.Attempt,
		"completed_at": time.Now().UTC(),
	})
	q.logger.Info("job completed",
		"event_name", job.EventName,
		"event_id", job.EventID,
		"attempt", job.Attempt,
	)
}

// retryOrFail requeues the job with exponential backoff, or records a
// terminal failure once the attempt budget is gone.
func (q *Queue) retryOrFail(ctx context.Context, job QueueJob, cause error) {
	if job.Attempt < q.opts.MaxAttempts {
		delay := q.opts.BackoffBase << uint(job.Attempt-1)

		retry := job
		retry.Attempt++
		member, err := json.Marshal(retry)
		if err != nil {
			q.logger.Error("failed to marshal retry job", "event_id", job.EventID, "error", err)
			return
		}

		err = q.redisClient.ZAdd(ctx, pendingKey(job.EventName), redis.Z{
			Score:  float64(time.Now().Add(delay).UnixMicro()),
			Member: string(member),
		}).Err()
		if err != nil {
			q.logger.Error("failed to requeue job", "event_id", job.EventID, "error", err)
			return
		}

		q.logger.Warn("job failed, retrying",
			"event_name", job.EventName,
			"event_id", job.EventID,
			"attempt", job.Attempt,
			"max_attempts", q.opts.MaxAttempts,
			"retry_in", delay,
			"error", cause,
		)
		return
	}

	record := FailedJob{
		EventName: job.EventName,
		EventID:   job.EventID,
		Attempts:  job.Attempt,
		Error:     cause.Error(),
		FailedAt:  time.Now().UTC(),
	}

	// Keep a bounded failure history in Redis for inspection.
	q.recordHistory(ctx, failedKey(job.EventName), record)

	q.logger.Error("job failed permanently",
		"event_name", job.EventName,
		"event_id", job.EventID,
		"attempts", job.Attempt,
		"error", cause,
	)

	select {
	case q.failed <- record:
	default:
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
