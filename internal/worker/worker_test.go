package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-interview/voice-engine/internal/metrics"
	"github.com/aura-interview/voice-engine/internal/models"
	"github.com/aura-interview/voice-engine/pkg/queue"
)

type fakeStore struct {
	mu    sync.Mutex
	saved []*models.InterviewResult
	err   error
}

func (f *fakeStore) Save(_ context.Context, res *models.InterviewResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, res)
	return nil
}

type fakeArchive struct {
	docs map[string][]byte
}

func (f *fakeArchive) ArchiveTranscript(_ context.Context, sessionID string, _ time.Time, doc []byte) (string, error) {
	f.docs[sessionID] = doc
	return "https://bucket/" + sessionID + ".json", nil
}

type harness struct {
	mr      *miniredis.Miniredis
	queue   *queue.Queue
	sink    *QueueSink
	store   *fakeStore
	archive *fakeArchive
	metrics *metrics.Collector
	proc    *CompletionProcessor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	h := &harness{
		mr:      mr,
		queue:   queue.NewQueue(rdb, nil),
		store:   &fakeStore{},
		archive: &fakeArchive{docs: make(map[string][]byte)},
		metrics: metrics.NewCollector("test"),
	}
	h.sink = NewQueueSink(h.queue, nil)
	h.proc = NewCompletionProcessor(h.store, h.archive, h.queue, h.metrics, nil)
	h.proc.PollTimeout = time.Second
	h.proc.Backoff = time.Millisecond
	return h
}

func payload() models.CompletionPayload {
	return models.CompletionPayload{
		SessionID:  "s1",
		UserID:     "u1",
		JobRole:    "Software Engineer",
		Difficulty: models.DifficultyMid,
		Mode:       models.ModeRealtime,
		Feedback:   json.RawMessage(`{"overall_score":7,"summary":"Solid"}`),
		Transcript: []models.TranscriptEntry{
			{Speaker: models.SpeakerAI, Text: "Tell me about yourself."},
			{Speaker: models.SpeakerUser, Text: "I build APIs."},
		},
		EndedAt: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSinkToStore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.sink.Complete(ctx, payload()))

	require.NoError(t, h.proc.next(ctx))
	require.Len(t, h.store.saved, 1)
	res := h.store.saved[0]
	assert.Equal(t, "s1", res.SessionID)
	assert.Equal(t, "u1", res.UserID)
	assert.Equal(t, 2, res.TurnCount)
	assert.JSONEq(t, `{"overall_score":7,"summary":"Solid"}`, string(res.Feedback))
	require.NotNil(t, res.TranscriptURL)
	assert.Equal(t, "https://bucket/s1.json", *res.TranscriptURL)

	var archived models.CompletionPayload
	require.NoError(t, json.Unmarshal(h.archive.docs["s1"], &archived))
	assert.Len(t, archived.Transcript, 2)
}

func TestStoreFailureRetriesThenDeadLetters(t *testing.T) {
	h := newHarness(t)
	h.store.err = errors.New("db down")
	ctx := context.Background()
	require.NoError(t, h.sink.Complete(ctx, payload()))

	for i := 0; i < queue.MaxRetries; i++ {
		require.Error(t, h.proc.next(ctx))
	}
	n, err := h.queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	dlq, err := h.mr.List(queue.QueueDLQ)
	require.NoError(t, err)
	assert.Len(t, dlq, 1)
}

func TestMalformedPayloadDeadLettersImmediately(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.queue.Enqueue(ctx, queue.JobTypeCompletion, map[string]string{"job_role": "x"})
	require.NoError(t, err)

	require.Error(t, h.proc.next(ctx))
	dlq, err := h.mr.List(queue.QueueDLQ)
	require.NoError(t, err)
	assert.Len(t, dlq, 1)
	assert.Empty(t, h.store.saved)
}

func TestNoArchiveWithoutTranscript(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := payload()
	p.Transcript = nil
	require.NoError(t, h.sink.Complete(ctx, p))

	require.NoError(t, h.proc.next(ctx))
	require.Len(t, h.store.saved, 1)
	assert.Nil(t, h.store.saved[0].TranscriptURL)
	assert.Empty(t, h.archive.docs)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.proc.Run(ctx)
		close(done)
	}()
	require.NoError(t, h.sink.Complete(context.Background(), payload()))
	require.Eventually(t, func() bool {
		h.store.mu.Lock()
		defer h.store.mu.Unlock()
		return len(h.store.saved) == 1
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop")
	}
}
