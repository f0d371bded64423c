package queue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"count-orchestrator/internal/entity"
)

// RedisConfig tunes the Redis-backed queue.
type RedisConfig struct {
	Prefix     string // key prefix, default "tasks"
	LeaseTTL   time.Duration
	MaxRetries int
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.Prefix == "" {
		c.Prefix = "tasks"
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

// redisQueue implements Queue on Redis lists, one queue/processing pair per
// pipeline stage.
//
// Claim: RPOPLPUSH <stage>.queue -> <stage>.processing (lease)
// Ack:   LREM from <stage>.processing
// Lease deadlines and reclaim attempts live in hashes; ReclaimExpired is
// the reaper that moves timed-out items back to the queue tail.
type redisQueue struct {
	rdb *redis.Client
	cfg RedisConfig
}

func NewRedisQueue(rdb *redis.Client, cfg RedisConfig) Queue {
	return &redisQueue{rdb: rdb, cfg: cfg.withDefaults()}
}

func (q *redisQueue) queueKey(stage entity.Stage) string {
	return q.cfg.Prefix + ":" + stage.String()
}

func (q *redisQueue) processingKey(stage entity.Stage) string {
	return q.cfg.Prefix + ":" + stage.String() + ":processing"
}

func (q *redisQueue) enqueuedKey() string { return q.cfg.Prefix + ":enqueued" }
func (q *redisQueue) deadlineKey() string { return q.cfg.Prefix + ":deadlines" }
func (q *redisQueue) attemptsKey() string { return q.cfg.Prefix + ":attempts" }

func (q *redisQueue) Enqueue(ctx context.Context, stage entity.Stage, taskID uuid.UUID) error {
	id := taskID.String()
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.enqueuedKey(), id, time.Now().UnixMilli())
	pipe.LPush(ctx, q.queueKey(stage), id)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *redisQueue) Claim(ctx context.Context, stage entity.Stage, max int) ([]Claimed, error) {
	var out []Claimed
	for i := 0; i < max; i++ {
		id, err := q.rdb.RPopLPush(ctx, q.queueKey(stage), q.processingKey(stage)).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return out, err
		}

		taskID, err := uuid.Parse(id)
		if err != nil {
			// garbage entry: drop it rather than wedge the lane
			_ = q.rdb.LRem(ctx, q.processingKey(stage), 1, id).Err()
			continue
		}

		deadline := time.Now().Add(q.cfg.LeaseTTL).UnixMilli()
		if err := q.rdb.HSet(ctx, q.deadlineKey(), id, deadline).Err(); err != nil {
			return out, err
		}

		out = append(out, Claimed{TaskID: taskID, EnqueuedAt: q.enqueuedAt(ctx, id)})
	}
	return out, nil
}

func (q *redisQueue) enqueuedAt(ctx context.Context, id string) time.Time {
	raw, err := q.rdb.HGet(ctx, q.enqueuedKey(), id).Result()
	if err != nil {
		return time.Now()
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Now()
	}
	return time.UnixMilli(ms)
}

func (q *redisQueue) Oldest(ctx context.Context, stage entity.Stage) (time.Time, bool, error) {
	// LPUSH head / RPOPLPUSH tail: the tail is the oldest entry.
	id, err := q.rdb.LIndex(ctx, q.queueKey(stage), -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return q.enqueuedAt(ctx, id), true, nil
}

// WaitAny polls the stage lanes in short slots. A blocking pop would claim
// the item as a side effect, so this stays a bounded poll.
func (q *redisQueue) WaitAny(ctx context.Context, d time.Duration) error {
	deadline := time.Now().Add(d)
	for {
		for _, stage := range entity.PipelineStages {
			n, err := q.rdb.LLen(ctx, q.queueKey(stage)).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (q *redisQueue) Ack(ctx context.Context, stage entity.Stage, taskID uuid.UUID) error {
	id := taskID.String()
	if err := q.rdb.LRem(ctx, q.processingKey(stage), 1, id).Err(); err != nil {
		return err
	}
	pipe := q.rdb.TxPipeline()
	pipe.HDel(ctx, q.enqueuedKey(), id)
	pipe.HDel(ctx, q.deadlineKey(), id)
	pipe.HDel(ctx, q.attemptsKey(), id)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *redisQueue) Remove(ctx context.Context, stage entity.Stage, taskID uuid.UUID) error {
	id := taskID.String()
	if err := q.rdb.LRem(ctx, q.queueKey(stage), 1, id).Err(); err != nil {
		return err
	}
	pipe := q.rdb.TxPipeline()
	pipe.HDel(ctx, q.enqueuedKey(), id)
	pipe.HDel(ctx, q.attemptsKey(), id)
	_, err := pipe.Exec(ctx)
	return err
}

// ReclaimExpired scans the processing lists and moves timed-out items back
// to the queue tail (so they are claimed next). An item past MaxRetries is
// removed and reported dead instead.
func (q *redisQueue) ReclaimExpired(ctx context.Context) (int, []uuid.UUID, error) {
	now := time.Now().UnixMilli()
	requeued := 0
	var dead []uuid.UUID

	for _, stage := range entity.PipelineStages {
		ids, err := q.rdb.LRange(ctx, q.processingKey(stage), 0, -1).Result()
		if err != nil {
			return requeued, dead, err
		}

		for _, id := range ids {
			raw, err := q.rdb.HGet(ctx, q.deadlineKey(), id).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				return requeued, dead, err
			}
			deadline, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || deadline > now {
				continue
			}

			attempts, err := q.rdb.HIncrBy(ctx, q.attemptsKey(), id, 1).Result()
			if err != nil {
				return requeued, dead, err
			}

			if err := q.rdb.LRem(ctx, q.processingKey(stage), 1, id).Err(); err != nil {
				return requeued, dead, err
			}
			_ = q.rdb.HDel(ctx, q.deadlineKey(), id).Err()

			if attempts > int64(q.cfg.MaxRetries) {
				pipe := q.rdb.TxPipeline()
				pipe.HDel(ctx, q.enqueuedKey(), id)
				pipe.HDel(ctx, q.attemptsKey(), id)
				_, _ = pipe.Exec(ctx)

				if taskID, perr := uuid.Parse(id); perr == nil {
					dead = append(dead, taskID)
				}
				continue
			}

			if err := q.rdb.RPush(ctx, q.queueKey(stage), id).Err(); err != nil {
				return requeued, dead, err
			}
			requeued++
		}
	}
	return requeued, dead, nil
}
