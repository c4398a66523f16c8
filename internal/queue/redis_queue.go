package queue

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// dedupeTTL bounds how long a job ID is remembered for de-duplication.
const dedupeTTL = 24 * time.Hour

// RedisQueue pushes jobs onto a per-type Redis list consumed by the worker
// process. Duplicate job IDs within the dedupe window are dropped.
type RedisQueue struct {
	client *redis.Client
	prefix string
}

func NewRedisQueue(addr string, password string, db int) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisQueue{client: client, prefix: "jobs"}
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	if job.ID != "" {
		ok, err := q.client.SetNX(ctx, q.prefix+":seen:"+job.ID, 1, dedupeTTL).Result()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.prefix+":"+job.Type, payload).Err()
}
