package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/phrazzld/recipe-forge/internal/metrics"
)

// Config tunes a queue.
type Config struct {
	// VisibilityTimeout is how long a dequeued task may stay unsettled before
	// the reaper returns it to the pending list.
	VisibilityTimeout time.Duration

	// MaxDeliveries caps redeliveries of a single task. A task whose attempt
	// count would exceed it goes to the dead-letter list instead. Zero means
	// no cap.
	MaxDeliveries int
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() Config {
	return Config{
		VisibilityTimeout: 5 * time.Minute,
		MaxDeliveries:     5,
	}
}

// Stats is a point-in-time view of a queue.
type Stats struct {
	Pending  int64 `json:"pending"`
	InFlight int64 `json:"inflight"`
	Dead     int64 `json:"dead"`
}

// Depth is the number of tasks not yet settled.
func (s Stats) Depth() int64 {
	return s.Pending + s.InFlight
}

// requeueScript moves one processing member back to a target list.
// KEYS[1] processing, KEYS[2] inflight, KEYS[3] target list.
// ARGV[1] member currently in processing, ARGV[2] member to push.
// Returns 1 when moved, 0 when the member was no longer in processing.
var requeueScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
if removed == 0 then
  return 0
end
redis.call('RPUSH', KEYS[3], ARGV[2])
return 1
`)

// RedisQueue is one logical durable FIFO.
type RedisQueue struct {
	rdb    redis.UniversalClient
	name   string
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	pendingKey    string
	processingKey string
	inflightKey   string
	deadKey       string
}

// New creates the queue called name.
func New(rdb redis.UniversalClient, name string, cfg Config, logger *slog.Logger) *RedisQueue {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultConfig().VisibilityTimeout
	}
	prefix := "queue:" + name
	return &RedisQueue{
		rdb:           rdb,
		name:          name,
		cfg:           cfg,
		logger:        logger.With("component", "queue", "queue", name),
		now:           time.Now,
		pendingKey:    prefix + ":pending",
		processingKey: prefix + ":processing",
		inflightKey:   prefix + ":inflight",
		deadKey:       prefix + ":dead",
	}
}

// Name returns the logical queue name.
func (q *RedisQueue) Name() string {
	return q.name
}

// Enqueue wraps payload in a new task and appends it to the tail of the queue.
func (q *RedisQueue) Enqueue(ctx context.Context, payload any) (string, error) {
	t, err := newTask(q.name, payload, q.now())
	if err != nil {
		return "", err
	}

	raw, err := encodeTask(t)
	if err != nil {
		return "", err
	}

	if err := q.rdb.RPush(ctx, q.pendingKey, raw).Err(); err != nil {
		return "", fmt.Errorf("failed to enqueue %s task: %w", q.name, err)
	}

	metrics.TasksEnqueuedTotal.WithLabelValues(q.name).Inc()
	q.logger.Debug("task enqueued", "task_id", t.ID)
	return t.ID, nil
}

// Dequeue blocks up to timeout for a task and moves it into the processing
// list. It returns ErrNoTask when the timeout elapses. Redis rounds blocking
// timeouts below one second up to one second.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Task, error) {
	raw, err := q.rdb.BLMove(ctx, q.pendingKey, q.processingKey, "LEFT", "RIGHT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoTask
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue from %s: %w", q.name, err)
	}

	t, err := decodeTask(raw)
	if err != nil {
		q.bury(ctx, raw, err)
		return nil, err
	}

	deadline := q.now().Add(q.cfg.VisibilityTimeout).UnixMilli()
	if err := q.rdb.ZAdd(ctx, q.inflightKey, redis.Z{Score: float64(deadline), Member: raw}).Err(); err != nil {
		// The reaper adopts processing members without a deadline, so the
		// task is not lost; it just gets a fresh window later.
		q.logger.Warn("failed to record visibility deadline",
			"task_id", t.ID,
			"error", err)
	}

	return t, nil
}

// Ack permanently removes a dequeued task. Acknowledging a task that has
// already been settled or redelivered is a no-op.
func (q *RedisQueue) Ack(ctx context.Context, t *Task) error {
	if t == nil || t.raw == "" {
		return ErrNotDequeued
	}

	pipe := q.rdb.TxPipeline()
	removed := pipe.LRem(ctx, q.processingKey, 1, t.raw)
	pipe.ZRem(ctx, q.inflightKey, t.raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack %s task %s: %w", q.name, t.ID, err)
	}

	if removed.Val() == 0 {
		q.logger.Debug("acked task was no longer in processing", "task_id", t.ID)
	}
	return nil
}

// Nack returns a dequeued task to the tail of the queue with its attempt
// count incremented. It reports whether this call performed the move.
func (q *RedisQueue) Nack(ctx context.Context, t *Task) (bool, error) {
	if t == nil || t.raw == "" {
		return false, ErrNotDequeued
	}
	return q.requeue(ctx, t)
}

// requeue moves the delivery t.raw back to pending (or dead when it has
// exhausted its deliveries).
func (q *RedisQueue) requeue(ctx context.Context, t *Task) (bool, error) {
	next := *t
	next.raw = ""
	next.Attempts = t.Attempts + 1

	target := q.pendingKey
	dead := q.cfg.MaxDeliveries > 0 && next.Attempts > q.cfg.MaxDeliveries
	if dead {
		target = q.deadKey
	}

	raw, err := encodeTask(&next)
	if err != nil {
		return false, err
	}

	moved, err := requeueScript.Run(ctx, q.rdb,
		[]string{q.processingKey, q.inflightKey, target},
		t.raw, raw,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to requeue %s task %s: %w", q.name, t.ID, err)
	}
	if moved == 0 {
		return false, nil
	}

	if dead {
		metrics.TasksDeadLetteredTotal.WithLabelValues(q.name).Inc()
		q.logger.Warn("task exceeded max deliveries, moved to dead-letter list",
			"task_id", t.ID,
			"attempts", next.Attempts)
	}
	return true, nil
}

// bury moves an undecodable processing entry to the dead-letter list.
func (q *RedisQueue) bury(ctx context.Context, raw string, cause error) {
	if _, err := requeueScript.Run(ctx, q.rdb,
		[]string{q.processingKey, q.inflightKey, q.deadKey},
		raw, raw,
	).Result(); err != nil {
		q.logger.Error("failed to bury malformed task", "error", err)
		return
	}
	metrics.TasksDeadLetteredTotal.WithLabelValues(q.name).Inc()
	q.logger.Error("malformed task moved to dead-letter list", "error", cause)
}

// RequeueExpired performs one reaper pass: processing members without a
// deadline are given one, and every member whose deadline has passed is
// returned to the queue. It returns the number of tasks moved.
func (q *RedisQueue) RequeueExpired(ctx context.Context) (int, error) {
	now := q.now()

	if err := q.adoptOrphans(ctx, now); err != nil {
		return 0, err
	}

	expired, err := q.rdb.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan expired %s tasks: %w", q.name, err)
	}

	moved := 0
	for _, raw := range expired {
		t, err := decodeTask(raw)
		if err != nil {
			q.bury(ctx, raw, err)
			continue
		}

		ok, err := q.requeue(ctx, t)
		if err != nil {
			return moved, err
		}
		if ok {
			moved++
			metrics.TasksRedeliveredTotal.WithLabelValues(q.name).Inc()
			q.logger.Info("visibility timeout expired, task requeued",
				"task_id", t.ID,
				"attempts", t.Attempts+1)
		}
	}
	return moved, nil
}

// adoptOrphans gives a deadline to processing members that lack one, which
// happens when a worker dies between the move and recording its deadline.
func (q *RedisQueue) adoptOrphans(ctx context.Context, now time.Time) error {
	members, err := q.rdb.LRange(ctx, q.processingKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to list %s processing tasks: %w", q.name, err)
	}
	if len(members) == 0 {
		return nil
	}

	deadline := float64(now.Add(q.cfg.VisibilityTimeout).UnixMilli())
	pipe := q.rdb.Pipeline()
	for _, m := range members {
		pipe.ZAddNX(ctx, q.inflightKey, redis.Z{Score: deadline, Member: m})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to adopt %s processing tasks: %w", q.name, err)
	}
	return nil
}

// RunReaper calls RequeueExpired every interval until ctx is cancelled.
func (q *RedisQueue) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	q.logger.Info("visibility reaper started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			q.logger.Info("visibility reaper stopped")
			return
		case <-ticker.C:
			if _, err := q.RequeueExpired(ctx); err != nil && ctx.Err() == nil {
				q.logger.Error("visibility reaper pass failed", "error", err)
			}
		}
	}
}

// Stats reports the queue's current sizes.
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	pending := pipe.LLen(ctx, q.pendingKey)
	processing := pipe.LLen(ctx, q.processingKey)
	dead := pipe.LLen(ctx, q.deadKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("failed to read %s stats: %w", q.name, err)
	}

	s := Stats{
		Pending:  pending.Val(),
		InFlight: processing.Val(),
		Dead:     dead.Val(),
	}
	metrics.QueueDepth.WithLabelValues(q.name).Set(float64(s.Depth()))
	return s, nil
}

// Depth is Stats().Depth().
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	s, err := q.Stats(ctx)
	if err != nil {
		return 0, err
	}
	return s.Depth(), nil
}

// DeadLetters returns up to limit tasks from the dead-letter list.
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	return q.rdb.LRange(ctx, q.deadKey, 0, limit-1).Result()
}

func newTask(name string, payload any, now time.Time) (*Task, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", name, err)
	}
	return &Task{
		ID:        uuid.NewString(),
		Type:      name,
		Payload:   data,
		CreatedAt: now.UTC(),
	}, nil
}
