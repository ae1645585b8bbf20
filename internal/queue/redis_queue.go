package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"job-scoring-pipeline/internal/config"
	"job-scoring-pipeline/internal/models"
)

// RedisQueue coordinates the ready, in-flight and scheduled scoring queues in Redis.
// Members of every list and set are task keys (scoring-<jobId>); the task payload
// lives in a hash that exists for as long as the task is live, which is what makes
// enqueue idempotent.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	taskPrefix    string
	abandonedKey  string
	visibilityTTL time.Duration
}

// Stats is a point-in-time view of queue depth.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Abandoned int64 `json:"abandoned"`
}

// AbandonedTask is the record kept for a task that exhausted its attempts.
type AbandonedTask struct {
	JobID       string    `json:"jobId"`
	TenantID    string    `json:"tenantId"`
	Attempts    int       `json:"attempts"`
	Error       string    `json:"error"`
	AbandonedAt time.Time `json:"abandonedAt"`
}

// NewClient opens a Redis client from config.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue builds a queue on an existing client.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	abandoned := cfg.AbandonedList
	if abandoned == "" {
		abandoned = "queue:abandoned"
	}
	return &RedisQueue{
		client:        client,
		readyKey:      "queue:ready:scoring",
		inflightKey:   "queue:inflight",
		scheduledKey:  "queue:scheduled",
		taskPrefix:    "queue:task:",
		abandonedKey:  abandoned,
		visibilityTTL: visibility,
	}
}

func (q *RedisQueue) taskKey(key string) string {
	return q.taskPrefix + key
}

// Enqueue adds a scoring task unless one with the same key is already live.
// It reports whether the task was added.
func (q *RedisQueue) Enqueue(ctx context.Context, task models.DispatchTask) (bool, error) {
	key := task.Key()
	res, err := enqueueScript.Run(ctx, q.client,
		[]string{q.taskKey(key), q.readyKey},
		task.JobID, task.Title, task.Description, task.TenantID, key,
	).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", key, err)
	}
	return res == 1, nil
}

// DequeueWithLease pops the next task and places it in-flight with a visibility timeout.
// It returns nil when the ready queue is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (*models.DispatchTask, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli(),
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	key, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	fields, err := q.client.HGetAll(ctx, q.taskKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", key, err)
	}
	if len(fields) == 0 {
		// payload vanished; drop the orphaned lease
		_ = q.client.ZRem(ctx, q.inflightKey, key).Err()
		return nil, fmt.Errorf("task %s has no payload", key)
	}
	attempts, _ := strconv.Atoi(fields["attempts"])
	return &models.DispatchTask{
		JobID:       fields["jobId"],
		Title:       fields["title"],
		Description: fields["description"],
		TenantID:    fields["tenantId"],
		Attempts:    attempts,
	}, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight task. Leases that
// were already acked, retried or reclaimed are not recreated.
func (q *RedisQueue) ExtendLease(ctx context.Context, key string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: key,
	}).Err()
}

// Ack removes a task from in-flight tracking and deletes its payload, freeing the key.
func (q *RedisQueue) Ack(ctx context.Context, key string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, key)
	pipe.Del(ctx, q.taskKey(key))
	_, err := pipe.Exec(ctx)
	return err
}

// Retry records the attempt count and moves an in-flight task to the scheduled set.
// A task that was already acked is left alone and ErrTaskGone is returned.
func (q *RedisQueue) Retry(ctx context.Context, key string, attempts int, runAt time.Time) error {
	res, err := retryScript.Run(ctx, q.client,
		[]string{q.taskKey(key), q.inflightKey, q.scheduledKey},
		attempts, runAt.UnixMilli(), key,
	).Int()
	if err != nil {
		return fmt.Errorf("retry %s: %w", key, err)
	}
	if res == 0 {
		return ErrTaskGone
	}
	return nil
}

// Abandon acks the task and keeps a record of it on the abandoned list.
func (q *RedisQueue) Abandon(ctx context.Context, task models.DispatchTask, attempts int, cause error) error {
	rec := AbandonedTask{
		JobID:       task.JobID,
		TenantID:    task.TenantID,
		Attempts:    attempts,
		AbandonedAt: time.Now().UTC(),
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := task.Key()
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, key)
	pipe.Del(ctx, q.taskKey(key))
	pipe.RPush(ctx, q.abandonedKey, raw)
	_, err = pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled tasks into the ready queue. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	keys, err := q.moveDue(ctx, q.scheduledKey, now, limit)
	return len(keys), err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	return q.moveDue(ctx, q.inflightKey, now, limit)
}

// moveDue pushes members of zset scored at or before now onto the ready list. A member
// is pushed only by the caller whose ZREM removed it, so concurrent maintainers never
// duplicate a task.
func (q *RedisQueue) moveDue(ctx context.Context, zset string, now time.Time, limit int64) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	keys, err := moveDueScript.Run(ctx, q.client,
		[]string{zset, q.readyKey},
		now.UnixMilli(), limit,
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return keys, err
}

// AbandonedPeek reads the oldest abandoned task records.
func (q *RedisQueue) AbandonedPeek(ctx context.Context, count int64) ([]AbandonedTask, error) {
	raw, err := q.client.LRange(ctx, q.abandonedKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]AbandonedTask, 0, len(raw))
	for _, r := range raw {
		var rec AbandonedTask
		if err := json.Unmarshal([]byte(r), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Stats returns the depth of every queue structure.
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.readyKey)
	active := pipe.ZCard(ctx, q.inflightKey)
	delayed := pipe.ZCard(ctx, q.scheduledKey)
	abandoned := pipe.LLen(ctx, q.abandonedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, err
	}
	return Stats{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Abandoned: abandoned.Val(),
	}, nil
}

// Ping checks connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// ErrTaskGone is returned when a task's payload no longer exists, usually because
// another lease of the same task already acked it.
var ErrTaskGone = errors.New("task no longer exists")

var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'jobId', ARGV[1], 'title', ARGV[2], 'description', ARGV[3], 'tenantId', ARGV[4], 'attempts', '0')
redis.call('RPUSH', KEYS[2], ARGV[5])
return 1
`)

var dequeueScript = redis.NewScript(`
local key = redis.call('LPOP', KEYS[1])
if key then
  redis.call('ZADD', KEYS[2], ARGV[1], key)
  return key
end
return nil
`)

var moveDueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local moved = {}
for _, key in ipairs(due) do
  if redis.call('ZREM', KEYS[1], key) == 1 then
    redis.call('RPUSH', KEYS[2], key)
    table.insert(moved, key)
  end
end
return moved
`)

var retryScript = redis.NewScript(`
redis.call('ZREM', KEYS[2], ARGV[3])
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'attempts', ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[3])
return 1
`)
