package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewQueue(rdb, nil), mr
}

func TestEnqueueDequeue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, JobTypeCompletion, map[string]string{"session_id": "s1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, JobTypeCompletion, job.Type)
	assert.Equal(t, 0, job.Attempt)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, "s1", payload["session_id"])
}

func TestDequeueSkipsGarbage(t *testing.T) {
	q, mr := newTestQueue(t)
	_, err := mr.Push(QueueCompletions, "not json")
	require.NoError(t, err)

	job, err := q.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestRetryThenDeadLetter(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, JobTypeCompletion, struct{}{})
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)

	for attempt := 1; attempt < MaxRetries; attempt++ {
		dead, err := q.Retry(ctx, job)
		require.NoError(t, err)
		assert.False(t, dead)
		job, err = q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, attempt, job.Attempt)
	}

	dead, err := q.Retry(ctx, job)
	require.NoError(t, err)
	assert.True(t, dead)

	dlq, err := mr.List(QueueDLQ)
	require.NoError(t, err)
	assert.Len(t, dlq, 1)
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
