package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Job is one asynchronous unit of work handed off after a sale commits.
// ID doubles as the idempotency key: enqueueing the same ID twice is a no-op,
// which makes retried commits safe for at-least-once delivery.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	MaxAttempts int             `json:"max_attempts"`
	Backoff     time.Duration   `json:"backoff"`
}

type Queue interface {
	Enqueue(ctx context.Context, job Job) error
}

type NoopQueue struct{}

func (NoopQueue) Enqueue(_ context.Context, _ Job) error {
	return nil
}

// MemoryQueue collects jobs in-process. Used in tests and when Redis is not
// configured; jobs enqueued here are lost on restart.
type MemoryQueue struct {
	mu   sync.Mutex
	seen map[string]bool
	jobs []Job
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{seen: make(map[string]bool)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if job.ID != "" && q.seen[job.ID] {
		return nil
	}
	if job.ID != "" {
		q.seen[job.ID] = true
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *MemoryQueue) Jobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, len(q.jobs))
	copy(out, q.jobs)
	return out
}
