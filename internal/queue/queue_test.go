package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryQueueDedupesByJobID(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	job := Job{ID: "post-process-sale-1", Type: "sale.post-process", MaxAttempts: 3, Backoff: 5 * time.Second}
	require.NoError(t, q.Enqueue(ctx, job))
	require.NoError(t, q.Enqueue(ctx, job))

	require.Len(t, q.Jobs(), 1)
}

func TestMemoryQueueKeepsDistinctJobs(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Job{ID: "a", Type: "sale.post-process"}))
	require.NoError(t, q.Enqueue(ctx, Job{ID: "b", Type: "federation.relay", MaxAttempts: 10}))

	jobs := q.Jobs()
	require.Len(t, jobs, 2)
	require.Equal(t, 10, jobs[1].MaxAttempts)
}

func TestMemoryQueueAllowsAnonymousJobs(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Job{Type: "sale.post-process"}))
	require.NoError(t, q.Enqueue(ctx, Job{Type: "sale.post-process"}))
	require.Len(t, q.Jobs(), 2)
}
