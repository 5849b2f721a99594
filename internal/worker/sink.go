package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/aura-interview/voice-engine/internal/models"
	"github.com/aura-interview/voice-engine/pkg/queue"
)

// QueueSink hands completion payloads to the worker through the Redis queue.
type QueueSink struct {
	queue  *queue.Queue
	logger *zap.Logger
}

// NewQueueSink creates a sink enqueueing onto q.
func NewQueueSink(q *queue.Queue, logger *zap.Logger) *QueueSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueueSink{queue: q, logger: logger}
}

// Complete enqueues payload as a completion job.
func (s *QueueSink) Complete(ctx context.Context, payload models.CompletionPayload) error {
	id, err := s.queue.Enqueue(ctx, queue.JobTypeCompletion, payload)
	if err != nil {
		return err
	}
	s.logger.Info("completion enqueued", zap.String("session_id", payload.SessionID), zap.String("job_id", id))
	return nil
}
