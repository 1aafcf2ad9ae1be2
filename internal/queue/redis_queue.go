package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"sla-engine/internal/config"
)

// Request is one queued retry of a named job.
type Request struct {
	ID         string
	Job        string
	Attempt    int
	LastError  string
	EnqueuedAt time.Time
}

// RedisQueue coordinates ready, in-flight, and scheduled retry requests in Redis.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	metaPrefix    string
	dlqKey        string
	visibilityTTL time.Duration
}

// NewClient builds a Redis client from config.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue builds a retry queue on client. Leases expire after visibility.
func NewRedisQueue(client *redis.Client, visibility time.Duration) *RedisQueue {
	if visibility == 0 {
		visibility = 5 * time.Minute
	}
	return &RedisQueue{
		client:        client,
		readyKey:      "sla:retry:ready",
		inflightKey:   "sla:retry:inflight",
		scheduledKey:  "sla:retry:scheduled",
		metaPrefix:    "sla:retry:meta:",
		dlqKey:        "sla:retry:dlq",
		visibilityTTL: visibility,
	}
}

func (q *RedisQueue) metaKey(id string) string {
	return q.metaPrefix + id
}

// Enqueue adds a retry request for job to the ready queue.
func (q *RedisQueue) Enqueue(ctx context.Context, job string) (Request, error) {
	req := Request{ID: uuid.New().String(), Job: job, EnqueuedAt: time.Now().UTC()}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(req.ID), "job", job, "attempt", 0, "enqueued_at", req.EnqueuedAt.UnixMilli())
	pipe.RPush(ctx, q.readyKey, req.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return Request{}, fmt.Errorf("enqueue %s: %w", job, err)
	}
	return req, nil
}

// Schedule acks an in-flight request and re-queues it for runAt with its updated attempt count.
func (q *RedisQueue) Schedule(ctx context.Context, req Request, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, req.ID)
	pipe.HSet(ctx, q.metaKey(req.ID), "attempt", req.Attempt, "last_error", req.LastError)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: req.ID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled requests into the ready queue. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	return q.moveDue(ctx, q.scheduledKey, now, limit)
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error) {
	return q.moveDue(ctx, q.inflightKey, now, limit)
}

func (q *RedisQueue) moveDue(ctx context.Context, key string, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, key, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops the next ready request and places it into in-flight
// with a visibility timeout. ok is false when nothing is ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (req Request, ok bool, err error) {
	keys := []string{q.readyKey, q.inflightKey}
	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return Request{}, false, nil
	}
	if err != nil {
		return Request{}, false, err
	}
	id, isString := res.(string)
	if !isString {
		return Request{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	meta, err := q.client.HGetAll(ctx, q.metaKey(id)).Result()
	if err != nil {
		return Request{}, false, fmt.Errorf("read request %s: %w", id, err)
	}
	req = Request{ID: id, Job: meta["job"], LastError: meta["last_error"]}
	req.Attempt, _ = strconv.Atoi(meta["attempt"])
	if ms, perr := strconv.ParseInt(meta["enqueued_at"], 10, 64); perr == nil {
		req.EnqueuedAt = time.UnixMilli(ms).UTC()
	}
	return req, true, nil
}

// Ack removes a request from in-flight tracking and drops its meta record.
func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.Del(ctx, q.metaKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPush acks a request and appends its job name and last error to the
// dead-letter list for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, req Request) error {
	entry := fmt.Sprintf("%s %s attempts=%d: %s", req.ID, req.Job, req.Attempt, req.LastError)
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, req.ID)
	pipe.Del(ctx, q.metaKey(req.ID))
	pipe.RPush(ctx, q.dlqKey, entry)
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPeek reads the oldest dead-lettered entries.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// Depth returns how many requests are ready or waiting on a backoff.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey)
	scheduled := pipe.ZCard(ctx, q.scheduledKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return ready.Val() + scheduled.Val(), nil
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local id = redis.call('LPOP', KEYS[i])
  if id then
    redis.call('ZADD', inflight, ARGV[1], id)
    return id
  end
end
return nil
`)
