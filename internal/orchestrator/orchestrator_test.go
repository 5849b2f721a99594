package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-interview/voice-engine/internal/models"
	"github.com/aura-interview/voice-engine/internal/registry"
	"github.com/aura-interview/voice-engine/internal/streaming"
)

type toolResponse struct {
	id, name string
	body     interface{}
}

type fakeClient struct {
	mu         sync.Mutex
	subs       map[int]chan streaming.Event
	next       int
	state      streaming.State
	connectErr error
	audio      [][]byte
	texts      []string
	interrupts int
	tools      []toolResponse
}

func newFakeClient() *fakeClient {
	return &fakeClient{subs: make(map[int]chan streaming.Event), state: streaming.StateDisconnected}
}

func (f *fakeClient) Subscribe(buffer int) (<-chan streaming.Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan streaming.Event, buffer)
	id := f.next
	f.next++
	f.subs[id] = ch
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(c)
		}
	}
}

func (f *fakeClient) emit(ev streaming.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (f *fakeClient) Connect(context.Context) error {
	f.mu.Lock()
	err := f.connectErr
	if err == nil {
		f.state = streaming.StateConnected
	}
	f.mu.Unlock()
	if err != nil {
		f.emit(streaming.ErrorEvent{Err: err, Code: "connect_failed", Retryable: true})
		return err
	}
	f.emit(streaming.ReadyEvent{Model: "test-model"})
	return nil
}

func (f *fakeClient) Disconnect() error {
	f.mu.Lock()
	prev := f.state
	f.state = streaming.StateDisconnected
	f.mu.Unlock()
	if prev != streaming.StateDisconnected {
		f.emit(streaming.DisconnectedEvent{Reason: "client disconnect"})
	}
	return nil
}

func (f *fakeClient) State() streaming.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeClient) SendAudio(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, pcm)
	return nil
}

func (f *fakeClient) SendText(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeClient) Interrupt() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts++
	return nil
}

func (f *fakeClient) SendAudioStreamEnd() error { return nil }

func (f *fakeClient) SendToolResponse(id, name string, body interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tools = append(f.tools, toolResponse{id, name, body})
	return nil
}

type fakeSessions struct {
	mu        sync.Mutex
	clients   map[string]*fakeClient
	configs   map[string]registry.SessionConfig
	ended     []string
	gets      int
	statuses  []models.SessionStatus
	createErr error
	prepare   func(*fakeClient)
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{clients: make(map[string]*fakeClient), configs: make(map[string]registry.SessionConfig)}
}

func (f *fakeSessions) GetOrCreate(_ context.Context, id string, cfg registry.SessionConfig) (registry.StreamClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	if c, ok := f.clients[id]; ok {
		return c, nil
	}
	c := newFakeClient()
	if f.prepare != nil {
		f.prepare(c)
	}
	f.clients[id] = c
	f.configs[id] = cfg
	return c, nil
}

func (f *fakeSessions) Get(id string) (registry.StreamClient, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	c, ok := f.clients[id]
	if !ok {
		return nil, false
	}
	return c, true
}

func (f *fakeSessions) Peek(id string) (registry.StreamClient, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[id]
	if !ok {
		return nil, false
	}
	return c, true
}

func (f *fakeSessions) SetStatus(_ string, status models.SessionStatus) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return true
}

func (f *fakeSessions) End(id string) {
	f.mu.Lock()
	c, ok := f.clients[id]
	delete(f.clients, id)
	f.ended = append(f.ended, id)
	f.mu.Unlock()
	if ok {
		_ = c.Disconnect()
	}
}

func (f *fakeSessions) client(id string) *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[id]
}

func (f *fakeSessions) endedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ended...)
}

func (f *fakeSessions) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

type fakeSink struct {
	payloads chan models.CompletionPayload
}

func (f *fakeSink) Complete(_ context.Context, p models.CompletionPayload) error {
	f.payloads <- p
	return nil
}

func waitFor(t *testing.T, s *Stream, match func(models.StreamEvent) bool) []models.StreamEvent {
	t.Helper()
	var seen []models.StreamEvent
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			seen = append(seen, ev)
			if match(ev) {
				return seen
			}
		case <-deadline:
			t.Fatalf("event not received; saw %+v", seen)
			return nil
		}
	}
}

func isControl(status string) func(models.StreamEvent) bool {
	return func(ev models.StreamEvent) bool {
		return ev.Type == models.EventControl && ev.Status == status
	}
}

func isError(code string) func(models.StreamEvent) bool {
	return func(ev models.StreamEvent) bool {
		return ev.Type == models.EventError && ev.Code == code
	}
}

func startStream(t *testing.T, o *Orchestrator, id string) *Stream {
	t.Helper()
	s := o.Open(id, "user-1")
	require.NoError(t, s.Handle(context.Background(), ClientMessage{Type: MessageStart, JobRole: "Software Engineer", Difficulty: "senior"}))
	waitFor(t, s, isControl(models.ControlConnected))
	return s
}

func TestStartConnectsAndRelaysReady(t *testing.T) {
	sessions := newFakeSessions()
	o := New(Options{Sessions: sessions}, nil)

	s := o.Open("s1", "user-1")
	require.NoError(t, s.Handle(context.Background(), ClientMessage{Type: MessageStart, JobRole: "Software Engineer", Difficulty: "senior"}))

	var connected, ready bool
	waitFor(t, s, func(ev models.StreamEvent) bool {
		connected = connected || isControl(models.ControlConnected)(ev)
		ready = ready || isControl(models.ControlReady)(ev)
		return connected && ready
	})
	assert.True(t, o.Active("s1"))

	cfg := sessions.configs["s1"]
	assert.Equal(t, "user-1", cfg.UserID)
	assert.Equal(t, models.DifficultySenior, cfg.Difficulty)
	assert.Contains(t, cfg.SystemInstruction, "Software Engineer")
	require.Eventually(t, func() bool {
		sessions.mu.Lock()
		defer sessions.mu.Unlock()
		return len(sessions.statuses) > 0 && sessions.statuses[0] == models.StatusActive
	}, time.Second, 5*time.Millisecond)
}

func TestSecondStartRejected(t *testing.T) {
	sessions := newFakeSessions()
	o := New(Options{Sessions: sessions}, nil)
	first := startStream(t, o, "s1")

	second := o.Open("s1", "user-1")
	err := second.Handle(context.Background(), ClientMessage{Type: MessageStart, JobRole: "Software Engineer"})
	assert.ErrorIs(t, err, ErrStreamActive)
	waitFor(t, second, isError("stream_active"))

	second.Close()
	assert.True(t, o.Active("s1"), "rejected stream must not release the first claim")
	assert.Empty(t, sessions.endedIDs())

	first.Close()
	assert.False(t, o.Active("s1"))
}

func TestStartRequiresJobRole(t *testing.T) {
	o := New(Options{Sessions: newFakeSessions()}, nil)
	s := o.Open("s1", "user-1")
	require.NoError(t, s.Handle(context.Background(), ClientMessage{Type: MessageStart}))
	waitFor(t, s, isError("bad_request"))
	assert.False(t, o.Active("s1"))
}

func TestStartSessionUnavailable(t *testing.T) {
	sessions := newFakeSessions()
	sessions.createErr = errors.New("credential backend down")
	o := New(Options{Sessions: sessions}, nil)
	s := o.Open("s1", "user-1")
	require.NoError(t, s.Handle(context.Background(), ClientMessage{Type: MessageStart, JobRole: "Designer"}))
	evs := waitFor(t, s, isError("session_unavailable"))
	require.NotNil(t, evs[len(evs)-1].Retryable)
	assert.True(t, *evs[len(evs)-1].Retryable)
	assert.False(t, o.Active("s1"))
}

func TestConnectFailureEndsSession(t *testing.T) {
	sessions := newFakeSessions()
	sessions.prepare = func(c *fakeClient) { c.connectErr = errors.New("dial refused") }
	o := New(Options{Sessions: sessions}, nil)
	s := o.Open("s1", "user-1")
	require.NoError(t, s.Handle(context.Background(), ClientMessage{Type: MessageStart, JobRole: "Designer"}))

	evs := waitFor(t, s, isControl(models.ControlSessionEnded))
	var sawError bool
	for _, ev := range evs {
		sawError = sawError || isError("connect_failed")(ev)
	}
	assert.True(t, sawError, "connect error relayed before session_ended")
	assert.Equal(t, []string{"s1"}, sessions.endedIDs())
	<-s.Done()
}

func TestTextInputEchoesAndThinks(t *testing.T) {
	sessions := newFakeSessions()
	o := New(Options{Sessions: sessions}, nil)
	s := startStream(t, o, "s1")

	require.NoError(t, s.Handle(context.Background(), ClientMessage{Type: MessageTextInput, Text: "Tell me about yourself"}))
	evs := waitFor(t, s, func(ev models.StreamEvent) bool { return ev.Type == models.EventThinking })
	var echo *models.StreamEvent
	for i := range evs {
		if evs[i].Type == models.EventTranscript {
			echo = &evs[i]
		}
	}
	require.NotNil(t, echo, "user text echoed before thinking")
	assert.Equal(t, models.SpeakerUser, echo.Speaker)
	assert.Equal(t, "Tell me about yourself", echo.Text)
	assert.True(t, echo.Final)
	assert.True(t, *evs[len(evs)-1].Thinking)
	assert.Equal(t, []string{"Tell me about yourself"}, sessions.client("s1").texts)

	sessions.client("s1").emit(streaming.AudioEvent{Data: []byte{1, 2}, MimeType: "audio/pcm;rate=24000", Seq: 4})
	evs = waitFor(t, s, func(ev models.StreamEvent) bool { return ev.Type == models.EventAudio })
	require.GreaterOrEqual(t, len(evs), 2)
	thinking := evs[len(evs)-2]
	require.Equal(t, models.EventThinking, thinking.Type)
	assert.False(t, *thinking.Thinking)
	audio := evs[len(evs)-1]
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{1, 2}), audio.Audio)
	assert.JSONEq(t, `{"mime_type":"audio/pcm;rate=24000","seq":4}`, string(audio.Data))
}

func TestAudioChunkForwarded(t *testing.T) {
	sessions := newFakeSessions()
	o := New(Options{Sessions: sessions}, nil)
	s := startStream(t, o, "s1")

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	require.NoError(t, s.Handle(context.Background(), ClientMessage{Type: MessageAudioChunk, Data: base64.StdEncoding.EncodeToString(pcm)}))
	require.NoError(t, s.Handle(context.Background(), ClientMessage{Type: MessageAudioChunk, Data: "%%%not-base64"}))

	c := sessions.client("s1")
	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.audio, 1)
	assert.Equal(t, pcm, c.audio[0])
}

func TestInputBeforeStartRejected(t *testing.T) {
	o := New(Options{Sessions: newFakeSessions()}, nil)
	s := o.Open("s1", "user-1")
	require.NoError(t, s.Handle(context.Background(), ClientMessage{Type: MessageTextInput, Text: "hello"}))
	waitFor(t, s, isError("not_started"))
}

func TestStopEndsSession(t *testing.T) {
	sessions := newFakeSessions()
	o := New(Options{Sessions: sessions}, nil)
	s := startStream(t, o, "s1")

	require.NoError(t, s.Handle(context.Background(), ClientMessage{Type: MessageControl, Action: ActionStop}))
	evs := waitFor(t, s, isControl(models.ControlSessionEnded))
	for _, ev := range evs {
		assert.NotEqual(t, models.ControlDisconnected, ev.Status, "own teardown is not relayed")
	}
	<-s.Done()
	assert.Equal(t, []string{"s1"}, sessions.endedIDs())
	assert.False(t, o.Active("s1"))

	// Stop again is a no-op.
	require.NoError(t, s.Handle(context.Background(), ClientMessage{Type: MessageControl, Action: ActionStop}))
	assert.Len(t, sessions.endedIDs(), 1)
}

func TestPingHasNoSideEffects(t *testing.T) {
	sessions := newFakeSessions()
	o := New(Options{Sessions: sessions}, nil)
	s := startStream(t, o, "s1")
	before := sessions.getCount()

	require.NoError(t, s.Handle(context.Background(), ClientMessage{Type: MessageControl, Action: ActionPing}))
	evs := waitFor(t, s, isControl(models.ControlPong))
	assert.Equal(t, string(streaming.StateConnected), evs[len(evs)-1].Message)
	assert.Equal(t, before, sessions.getCount())
}

func TestInterruptAcknowledged(t *testing.T) {
	sessions := newFakeSessions()
	o := New(Options{Sessions: sessions}, nil)
	s := startStream(t, o, "s1")

	require.NoError(t, s.Handle(context.Background(), ClientMessage{Type: MessageControl, Action: ActionInterrupt}))
	waitFor(t, s, isControl(models.ControlInterruptAck))
	assert.Equal(t, 1, sessions.client("s1").interrupts)
}

func TestReconnectExhaustedEndsStream(t *testing.T) {
	sessions := newFakeSessions()
	o := New(Options{Sessions: sessions}, nil)
	s := startStream(t, o, "s1")
	c := sessions.client("s1")

	c.emit(streaming.DisconnectedEvent{Reason: "going away", WillReconnect: true})
	waitFor(t, s, isControl(models.ControlDisconnected))
	assert.Empty(t, sessions.endedIDs(), "transient disconnect keeps the session")

	c.emit(streaming.ReconnectExhaustedEvent{Attempts: 3})
	c.emit(streaming.DisconnectedEvent{Reason: "going away"})
	evs := waitFor(t, s, isControl(models.ControlSessionEnded))
	require.GreaterOrEqual(t, len(evs), 3)
	assert.True(t, isError("reconnect_exhausted")(evs[len(evs)-3]))
	assert.True(t, isControl(models.ControlDisconnected)(evs[len(evs)-2]))
	<-s.Done()
	assert.Equal(t, []string{"s1"}, sessions.endedIDs())
}

func TestTranscriptDeltasFinalizeOnTurnComplete(t *testing.T) {
	sessions := newFakeSessions()
	o := New(Options{Sessions: sessions}, nil)
	s := startStream(t, o, "s1")
	c := sessions.client("s1")

	c.emit(streaming.TranscriptEvent{Speaker: models.SpeakerAI, Text: "Hel"})
	c.emit(streaming.TranscriptEvent{Speaker: models.SpeakerAI, Text: "lo"})
	c.emit(streaming.TurnCompleteEvent{})

	evs := waitFor(t, s, isControl(models.ControlTurnComplete))
	var final []string
	for _, ev := range evs {
		if ev.Type == models.EventTranscript && ev.Final {
			final = append(final, ev.Text)
		}
	}
	assert.Equal(t, []string{"Hello"}, final)
}

func TestCompleteInterviewSignalsCompletion(t *testing.T) {
	sessions := newFakeSessions()
	sink := &fakeSink{payloads: make(chan models.CompletionPayload, 1)}
	o := New(Options{Sessions: sessions, Completions: sink}, nil)
	s := startStream(t, o, "s1")
	c := sessions.client("s1")

	require.NoError(t, s.Handle(context.Background(), ClientMessage{Type: MessageTextInput, Text: "I build APIs"}))
	c.emit(streaming.TranscriptEvent{Speaker: models.SpeakerAI, Text: "Thanks for your time.", Final: true})
	feedback := `{"overall_score":8,"summary":"Solid"}`
	c.emit(streaming.FunctionCallEvent{ID: "call-1", Name: CompleteInterviewFunction, Args: json.RawMessage(feedback)})

	evs := waitFor(t, s, isControl(models.ControlSessionEnded))
	assert.JSONEq(t, feedback, string(evs[len(evs)-1].Data))

	select {
	case p := <-sink.payloads:
		assert.Equal(t, "s1", p.SessionID)
		assert.Equal(t, "user-1", p.UserID)
		assert.Equal(t, models.ModeRealtime, p.Mode)
		assert.JSONEq(t, feedback, string(p.Feedback))
		require.Len(t, p.Transcript, 2)
		assert.Equal(t, models.SpeakerUser, p.Transcript[0].Speaker)
		assert.Equal(t, "Thanks for your time.", p.Transcript[1].Text)
	case <-time.After(time.Second):
		t.Fatal("no completion payload")
	}
	c.mu.Lock()
	require.Len(t, c.tools, 1)
	assert.Equal(t, "call-1", c.tools[0].id)
	c.mu.Unlock()
	assert.Equal(t, []string{"s1"}, sessions.endedIDs())
}

func TestUnknownFunctionCallAnswered(t *testing.T) {
	sessions := newFakeSessions()
	o := New(Options{Sessions: sessions}, nil)
	startStream(t, o, "s1")
	c := sessions.client("s1")

	c.emit(streaming.FunctionCallEvent{ID: "x", Name: "lookup_weather"})
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.tools) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, sessions.endedIDs())
}

func TestCeilingForcesEnd(t *testing.T) {
	sessions := newFakeSessions()
	o := New(Options{Sessions: sessions, Ceiling: 150 * time.Millisecond}, nil)
	s := startStream(t, o, "s1")

	evs := waitFor(t, s, isControl(models.ControlSessionEnded))
	assert.Equal(t, "stream time limit reached", evs[len(evs)-1].Message)
	<-s.Done()
	assert.Equal(t, []string{"s1"}, sessions.endedIDs())
}

func TestCloseDetachesWithoutEnding(t *testing.T) {
	sessions := newFakeSessions()
	o := New(Options{Sessions: sessions}, nil)
	s := startStream(t, o, "s1")

	s.Close()
	s.Close()
	assert.False(t, o.Active("s1"))
	assert.Empty(t, sessions.endedIDs())

	again := startStream(t, o, "s1")
	assert.True(t, o.Active("s1"))
	again.Close()
}
