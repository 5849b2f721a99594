// Package orchestrator adapts a per-session request stream onto a streaming
// client held by the registry and relays backend events back in order.
package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-interview/voice-engine/config"
	"github.com/aura-interview/voice-engine/internal/metrics"
	"github.com/aura-interview/voice-engine/internal/models"
	"github.com/aura-interview/voice-engine/internal/registry"
	"github.com/aura-interview/voice-engine/internal/streaming"
	"github.com/aura-interview/voice-engine/internal/transcript"
)

const (
	defaultCeiling   = 30 * time.Minute
	defaultOutBuffer = 256
	relayBuffer      = 256
	completeTimeout  = 5 * time.Second
)

// Client message types.
const (
	MessageStart      = "start"
	MessageAudioChunk = "audioChunk"
	MessageTextInput  = "textInput"
	MessageControl    = "control"
)

// Control actions.
const (
	ActionStop      = "stop"
	ActionInterrupt = "interrupt"
	ActionPing      = "ping"
)

// CompleteInterviewFunction is the tool the model calls to finish the interview.
const CompleteInterviewFunction = models.CompleteInterviewFunction

// CompleteInterviewTool declares CompleteInterviewFunction to the backend.
var CompleteInterviewTool = streaming.FunctionDeclaration{
	Name:        CompleteInterviewFunction,
	Description: models.CompleteInterviewDescription,
	Parameters:  models.FeedbackSchema,
}

var (
	// ErrStreamActive is returned when another stream already holds the session.
	ErrStreamActive = errors.New("a stream is already attached to this session")
	// ErrNotStarted is returned for input received before start.
	ErrNotStarted = errors.New("stream not started")
)

// Sessions is the registry surface the orchestrator needs.
type Sessions interface {
	GetOrCreate(ctx context.Context, sessionID string, cfg registry.SessionConfig) (registry.StreamClient, error)
	Get(sessionID string) (registry.StreamClient, bool)
	Peek(sessionID string) (registry.StreamClient, bool)
	SetStatus(sessionID string, status models.SessionStatus) bool
	End(sessionID string)
}

// CompletionSink receives the session-completion signal.
type CompletionSink interface {
	Complete(ctx context.Context, payload models.CompletionPayload) error
}

// ClientMessage is one inbound frame from the session owner.
type ClientMessage struct {
	Type              string `json:"type"`
	JobRole           string `json:"jobRole,omitempty"`
	Difficulty        string `json:"difficulty,omitempty"`
	SystemInstruction string `json:"systemInstruction,omitempty"`
	Data              string `json:"data,omitempty"`
	Text              string `json:"text,omitempty"`
	Action            string `json:"action,omitempty"`
}

// Options configures an Orchestrator.
type Options struct {
	Sessions    Sessions
	Interview   *config.Interview
	Completions CompletionSink
	Metrics     *metrics.Collector
	Ceiling     time.Duration
	OutBuffer   int
}

// Orchestrator tracks which sessions have a stream attached.
type Orchestrator struct {
	sessions    Sessions
	interview   *config.Interview
	completions CompletionSink
	metrics     *metrics.Collector
	ceiling     time.Duration
	outBuffer   int
	logger      *zap.Logger

	mu     sync.Mutex
	active map[string]*Stream
}

// New creates an orchestrator.
func New(opts Options, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Interview == nil {
		opts.Interview = config.DefaultInterview()
	}
	if opts.Ceiling <= 0 {
		opts.Ceiling = defaultCeiling
	}
	if opts.OutBuffer <= 0 {
		opts.OutBuffer = defaultOutBuffer
	}
	return &Orchestrator{
		sessions:    opts.Sessions,
		interview:   opts.Interview,
		completions: opts.Completions,
		metrics:     opts.Metrics,
		ceiling:     opts.Ceiling,
		outBuffer:   opts.OutBuffer,
		logger:      logger.With(zap.String("component", "orchestrator")),
		active:      make(map[string]*Stream),
	}
}

// Open creates an unattached stream for sessionID. It claims the session only
// when a start message arrives.
func (o *Orchestrator) Open(sessionID, userID string) *Stream {
	return &Stream{
		o:         o,
		sessionID: sessionID,
		userID:    userID,
		logger:    o.logger.With(zap.String("session_id", sessionID)),
		out:       make(chan models.StreamEvent, o.outBuffer),
		done:      make(chan struct{}),
		asm:       transcript.NewAssembler(),
	}
}

// Active reports whether a stream is attached to sessionID.
func (o *Orchestrator) Active(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[sessionID]
	return ok
}

func (o *Orchestrator) claim(s *Stream) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cur, ok := o.active[s.sessionID]; ok && cur != s {
		return ErrStreamActive
	}
	o.active[s.sessionID] = s
	return nil
}

func (o *Orchestrator) release(s *Stream) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active[s.sessionID] == s {
		delete(o.active, s.sessionID)
	}
}

// Stream is one attached output stream. Events are delivered in order on
// Events until Done is closed.
type Stream struct {
	o         *Orchestrator
	sessionID string
	userID    string
	logger    *zap.Logger
	asm       *transcript.Assembler

	out       chan models.StreamEvent
	done      chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	started     bool
	ending      bool
	completed   bool
	thinking    bool
	cfg         registry.SessionConfig
	startedAt   time.Time
	unsubscribe func()
	relayDone   chan struct{}
	ceiling     *time.Timer
}

// Events returns the ordered output stream.
func (s *Stream) Events() <-chan models.StreamEvent { return s.out }

// Done is closed once the stream is finished.
func (s *Stream) Done() <-chan struct{} { return s.done }

// SessionID returns the session this stream serves.
func (s *Stream) SessionID() string { return s.sessionID }

// Handle processes one client message. Only ErrStreamActive is returned as an
// error; everything else is reported on the output stream.
func (s *Stream) Handle(ctx context.Context, msg ClientMessage) error {
	switch msg.Type {
	case MessageStart:
		return s.start(ctx, msg)
	case MessageAudioChunk:
		s.audio(msg.Data)
	case MessageTextInput:
		s.text(msg.Text)
	case MessageControl:
		s.control(msg.Action)
	default:
		s.logger.Warn("dropping unknown message", zap.String("type", msg.Type))
	}
	return nil
}

func (s *Stream) start(ctx context.Context, msg ClientMessage) error {
	s.mu.Lock()
	if s.started || s.ending {
		s.mu.Unlock()
		s.send(models.ErrorEvent("already_started", "stream already started", false))
		return nil
	}
	s.mu.Unlock()

	if err := s.o.claim(s); err != nil {
		s.send(models.ErrorEvent("stream_active", err.Error(), false))
		return err
	}

	role := strings.TrimSpace(msg.JobRole)
	if role == "" {
		s.o.release(s)
		s.send(models.ErrorEvent("bad_request", "jobRole is required", false))
		return nil
	}
	difficulty := models.ParseDifficulty(msg.Difficulty)
	instruction := msg.SystemInstruction
	if instruction == "" {
		instruction = s.o.interview.Instruction(role, string(difficulty))
	}
	cfg := registry.SessionConfig{
		UserID:            s.userID,
		JobRole:           role,
		Difficulty:        difficulty,
		SystemInstruction: instruction,
	}

	client, err := s.o.sessions.GetOrCreate(ctx, s.sessionID, cfg)
	if err != nil {
		s.o.release(s)
		s.logger.Warn("session unavailable", zap.Error(err))
		s.send(models.ErrorEvent("session_unavailable", err.Error(), true))
		return nil
	}

	events, unsubscribe := client.Subscribe(relayBuffer)
	relayDone := make(chan struct{})
	s.mu.Lock()
	s.started = true
	s.cfg = cfg
	s.startedAt = time.Now().UTC()
	s.unsubscribe = unsubscribe
	s.relayDone = relayDone
	s.ceiling = time.AfterFunc(s.o.ceiling, func() {
		s.logger.Info("stream ceiling reached")
		s.end("stream time limit reached", false, nil)
	})
	s.mu.Unlock()
	s.o.metrics.StreamAttached()
	go s.relay(events, relayDone)

	if err := client.Connect(ctx); err != nil {
		// The client reports connect_failed on its own event stream.
		s.logger.Warn("connect failed", zap.Error(err))
		s.end("connect failed", false, nil)
		return nil
	}
	s.send(models.ControlEvent(models.ControlConnected))
	return nil
}

func (s *Stream) isStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.ending
}

func (s *Stream) audio(data string) {
	if !s.isStarted() {
		s.send(models.ErrorEvent("not_started", ErrNotStarted.Error(), false))
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		s.logger.Warn("dropping undecodable audio chunk", zap.Error(err))
		return
	}
	client, ok := s.o.sessions.Get(s.sessionID)
	if !ok {
		s.send(models.ErrorEvent("session_not_found", "session is no longer registered", false))
		return
	}
	if err := client.SendAudio(pcm); err != nil {
		s.logger.Debug("audio not forwarded", zap.Error(err))
	}
}

func (s *Stream) text(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if !s.isStarted() {
		s.send(models.ErrorEvent("not_started", ErrNotStarted.Error(), false))
		return
	}
	client, ok := s.o.sessions.Get(s.sessionID)
	if !ok {
		s.send(models.ErrorEvent("session_not_found", "session is no longer registered", false))
		return
	}

	echo := models.TranscriptEvent(models.SpeakerUser, text, true)
	s.asm.Append(models.TranscriptEntry{Speaker: models.SpeakerUser, Text: text, Timestamp: echo.Timestamp})
	s.send(echo)

	if err := client.SendText(text); err != nil {
		s.send(models.ErrorEvent("send_failed", err.Error(), true))
		return
	}
	s.setThinking(true)
}

func (s *Stream) control(action string) {
	switch action {
	case ActionStop:
		s.end("stopped", false, nil)
	case ActionInterrupt:
		if client, ok := s.o.sessions.Get(s.sessionID); ok {
			if err := client.Interrupt(); err != nil {
				s.logger.Debug("interrupt not forwarded", zap.Error(err))
			}
		}
		s.flushAI()
		s.setThinking(false)
		s.send(models.ControlEvent(models.ControlInterruptAck))
	case ActionPing:
		state := string(streaming.StateDisconnected)
		if client, ok := s.o.sessions.Peek(s.sessionID); ok {
			state = string(client.State())
		}
		ev := models.ControlEvent(models.ControlPong)
		ev.Message = state
		s.send(ev)
	default:
		s.logger.Warn("dropping unknown control action", zap.String("action", action))
	}
}

func (s *Stream) relay(events <-chan streaming.Event, done chan struct{}) {
	defer close(done)
	for ev := range events {
		if s.closed() {
			continue
		}
		s.relayEvent(ev)
	}
}

func (s *Stream) relayEvent(ev streaming.Event) {
	switch e := ev.(type) {
	case streaming.ReadyEvent:
		s.o.sessions.SetStatus(s.sessionID, models.StatusActive)
		out := models.ControlEvent(models.ControlReady)
		out.Data, _ = json.Marshal(map[string]string{"model": e.Model})
		s.send(out)
	case streaming.AudioEvent:
		s.setThinking(false)
		out := models.StreamEvent{
			Type:      models.EventAudio,
			Audio:     base64.StdEncoding.EncodeToString(e.Data),
			Timestamp: time.Now().UTC(),
		}
		meta := map[string]interface{}{"mime_type": e.MimeType, "seq": e.Seq}
		if !e.SentAt.IsZero() {
			meta["sent_at"] = e.SentAt.UTC()
		}
		out.Data, _ = json.Marshal(meta)
		s.send(out)
	case streaming.TextEvent:
		s.setThinking(false)
		s.relayTranscript(models.SpeakerAI, e.Text, e.Final)
	case streaming.TranscriptEvent:
		if e.Speaker == models.SpeakerAI {
			s.setThinking(false)
		}
		s.relayTranscript(e.Speaker, e.Text, e.Final)
	case streaming.FunctionCallEvent:
		s.functionCall(e)
	case streaming.TurnCompleteEvent:
		s.flushAI()
		for _, entry := range s.asm.Flush(models.SpeakerUser) {
			s.send(models.TranscriptEvent(entry.Speaker, entry.Text, true))
		}
		s.setThinking(false)
		s.send(models.ControlEvent(models.ControlTurnComplete))
	case streaming.InterruptedEvent:
		s.flushAI()
		s.send(models.ControlEvent(models.ControlInterrupted))
	case streaming.ErrorEvent:
		msg := "upstream error"
		if e.Err != nil {
			msg = e.Err.Error()
		}
		code := e.Code
		if code == "" {
			code = "upstream_error"
		}
		s.send(models.ErrorEvent(code, msg, e.Retryable))
	case streaming.DisconnectedEvent:
		out := models.ControlEvent(models.ControlDisconnected)
		out.Message = e.Reason
		s.send(out)
		if !e.WillReconnect {
			s.end("disconnected", true, nil)
		}
	case streaming.ReconnectExhaustedEvent:
		s.send(models.ErrorEvent("reconnect_exhausted", "lost connection to the AI backend", false))
	}
}

func (s *Stream) relayTranscript(speaker models.Speaker, text string, final bool) {
	if text != "" {
		s.asm.Delta(speaker, "", text)
		s.send(models.TranscriptEvent(speaker, text, false))
	}
	if final {
		if entry, ok := s.asm.Done(speaker, "", ""); ok {
			s.send(models.TranscriptEvent(entry.Speaker, entry.Text, true))
		}
	}
}

func (s *Stream) flushAI() {
	for _, entry := range s.asm.Flush(models.SpeakerAI) {
		s.send(models.TranscriptEvent(entry.Speaker, entry.Text, true))
	}
}

func (s *Stream) functionCall(e streaming.FunctionCallEvent) {
	client, ok := s.o.sessions.Peek(s.sessionID)
	if e.Name != CompleteInterviewFunction {
		s.logger.Warn("unknown function call", zap.String("name", e.Name))
		if ok {
			_ = client.SendToolResponse(e.ID, e.Name, map[string]string{"error": "unknown function"})
		}
		return
	}

	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		return
	}
	s.completed = true
	cfg := s.cfg
	startedAt := s.startedAt
	s.mu.Unlock()

	if ok {
		_ = client.SendToolResponse(e.ID, e.Name, map[string]bool{"ok": true})
	}
	feedback := e.Args
	if len(feedback) == 0 {
		feedback = json.RawMessage(`{}`)
	}
	s.flushAI()
	s.asm.Flush(models.SpeakerUser)

	if s.o.completions != nil {
		payload := models.CompletionPayload{
			SessionID:  s.sessionID,
			UserID:     cfg.UserID,
			JobRole:    cfg.JobRole,
			Difficulty: cfg.Difficulty,
			Mode:       models.ModeRealtime,
			Feedback:   feedback,
			Transcript: s.asm.Entries(),
			StartedAt:  &startedAt,
			EndedAt:    time.Now().UTC(),
		}
		ctx, cancel := context.WithTimeout(context.Background(), completeTimeout)
		if err := s.o.completions.Complete(ctx, payload); err != nil {
			s.logger.Error("completion signal failed", zap.Error(err))
		}
		cancel()
	}
	s.end("interview complete", true, feedback)
}

func (s *Stream) setThinking(on bool) {
	s.mu.Lock()
	if s.thinking == on {
		s.mu.Unlock()
		return
	}
	s.thinking = on
	s.mu.Unlock()
	s.send(models.ThinkingEvent(on))
}

// end terminates the session through the registry and finishes the stream.
// fromRelay is set when called on the relay goroutine, which must not wait
// for itself.
func (s *Stream) end(reason string, fromRelay bool, data json.RawMessage) {
	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return
	}
	s.ending = true
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	relayDone := s.relayDone
	if s.ceiling != nil {
		s.ceiling.Stop()
	}
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
		if !fromRelay {
			<-relayDone
		}
	}
	s.o.sessions.End(s.sessionID)

	ev := models.ControlEvent(models.ControlSessionEnded)
	ev.Message = reason
	ev.Data = data
	s.send(ev)
	s.logger.Info("session ended", zap.String("reason", reason))
	s.Close()
}

// Close detaches the stream without ending the session. It is idempotent.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		unsubscribe := s.unsubscribe
		s.unsubscribe = nil
		started := s.started
		if s.ceiling != nil {
			s.ceiling.Stop()
		}
		s.mu.Unlock()

		if unsubscribe != nil {
			unsubscribe()
		}
		s.o.release(s)
		close(s.done)
		if started {
			s.o.metrics.StreamDetached()
		}
	})
}

func (s *Stream) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Stream) send(ev models.StreamEvent) bool {
	if s.closed() {
		return false
	}
	select {
	case s.out <- ev:
		s.o.metrics.StreamEvent(string(ev.Type))
		return true
	case <-s.done:
		return false
	}
}
