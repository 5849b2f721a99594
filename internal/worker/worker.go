package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aura-interview/voice-engine/internal/metrics"
	"github.com/aura-interview/voice-engine/internal/models"
	"github.com/aura-interview/voice-engine/pkg/queue"
)

// ResultStore persists interview results.
type ResultStore interface {
	Save(ctx context.Context, res *models.InterviewResult) error
}

// Archiver stores a transcript document and returns its URL.
type Archiver interface {
	ArchiveTranscript(ctx context.Context, sessionID string, endedAt time.Time, doc []byte) (string, error)
}

var errBadPayload = errors.New("invalid completion payload")

// CompletionProcessor consumes completion jobs: archive transcript, store result.
type CompletionProcessor struct {
	store   ResultStore
	archive Archiver
	queue   *queue.Queue
	metrics *metrics.Collector
	logger  *zap.Logger

	// PollTimeout bounds each blocking dequeue; Backoff is the pause after a failure.
	PollTimeout time.Duration
	Backoff     time.Duration
}

// NewCompletionProcessor creates a processor. archive may be nil, in which
// case transcripts are stored only in the database.
func NewCompletionProcessor(store ResultStore, archive Archiver, q *queue.Queue, m *metrics.Collector, logger *zap.Logger) *CompletionProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CompletionProcessor{
		store:       store,
		archive:     archive,
		queue:       q,
		metrics:     m,
		logger:      logger.With(zap.String("component", "completion_worker")),
		PollTimeout: 5 * time.Second,
		Backoff:     queue.RetryBackoff,
	}
}

// Process executes one completion job.
func (p *CompletionProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeCompletion {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload models.CompletionPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("%w: %v", errBadPayload, err)
	}
	if payload.SessionID == "" || payload.UserID == "" {
		return fmt.Errorf("%w: missing session or user", errBadPayload)
	}
	if payload.EndedAt.IsZero() {
		payload.EndedAt = job.CreatedAt
	}
	if payload.Mode == "" {
		payload.Mode = models.ModeRealtime
	}

	res := &models.InterviewResult{
		SessionID:  payload.SessionID,
		UserID:     payload.UserID,
		JobRole:    payload.JobRole,
		Difficulty: payload.Difficulty,
		Mode:       payload.Mode,
		Feedback:   payload.Feedback,
		Transcript: payload.Transcript,
		TurnCount:  len(payload.Transcript),
		StartedAt:  payload.StartedAt,
		EndedAt:    payload.EndedAt,
	}

	if p.archive != nil && len(payload.Transcript) > 0 {
		doc, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal transcript: %w", err)
		}
		url, err := p.archive.ArchiveTranscript(ctx, payload.SessionID, payload.EndedAt, doc)
		if err != nil {
			return fmt.Errorf("archive transcript: %w", err)
		}
		res.TranscriptURL = &url
	}

	if err := p.store.Save(ctx, res); err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	p.logger.Info("interview result stored", zap.String("session_id", payload.SessionID), zap.Int("turns", res.TurnCount))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *CompletionProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("completion worker stopping")
			return
		default:
		}
		if err := p.next(ctx); err != nil && ctx.Err() == nil {
			p.sleep(ctx)
		}
	}
}

// next handles at most one job. It returns an error when the job failed or
// the queue could not be read.
func (p *CompletionProcessor) next(ctx context.Context) error {
	job, err := p.queue.Dequeue(ctx, p.PollTimeout)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("dequeue error", zap.Error(err))
		}
		return err
	}
	if job == nil {
		return nil
	}

	p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	err = p.Process(ctx, job)
	if err == nil {
		p.metrics.CompletionJob("stored")
		return nil
	}
	p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
	if errors.Is(err, errBadPayload) {
		job.Attempt = queue.MaxRetries
	}
	dead, reErr := p.queue.Retry(ctx, job)
	switch {
	case reErr != nil:
		p.logger.Error("retry enqueue failed", zap.Error(reErr))
		p.metrics.CompletionJob("lost")
	case dead:
		p.metrics.CompletionJob("dead_lettered")
	default:
		p.metrics.CompletionJob("retried")
	}
	return err
}

func (p *CompletionProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.Backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
