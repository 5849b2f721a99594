// Package session drives one voice interview from microphone acquisition
// through peer negotiation to an active conversation, with bounded retries
// and a text-mode fallback.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-interview/voice-engine/config"
	"github.com/aura-interview/voice-engine/internal/audio"
	"github.com/aura-interview/voice-engine/internal/fallback"
	"github.com/aura-interview/voice-engine/internal/metrics"
	"github.com/aura-interview/voice-engine/internal/models"
	"github.com/aura-interview/voice-engine/internal/transcript"
)

const (
	defaultMaxAttempts    = 3
	defaultBackoffBase    = time.Second
	defaultBackoffMax     = 10 * time.Second
	defaultConnectTimeout = 30 * time.Second
	defaultGraceDelay     = 500 * time.Millisecond
	defaultBudget         = 10 * time.Minute
	defaultPollInterval   = 100 * time.Millisecond
	endTimeout            = 5 * time.Second
)

// Microphone is the capture pipeline the machine owns. *audio.Pipeline
// satisfies it.
type Microphone interface {
	Start(ctx context.Context) error
	GetBuffer() []byte
	SetMuted(muted bool)
	Suspend()
	Resume()
	Level() audio.Level
	Close() error
}

// Backend is the application backend. *APIClient satisfies it.
type Backend interface {
	Probe(ctx context.Context) error
	FetchCredential(ctx context.Context, req CredentialRequest) (*Credential, error)
	ExchangeSDP(ctx context.Context, req SDPRequest) (string, error)
	Registered(ctx context.Context, sessionID string) (bool, error)
}

// SessionEnder is implemented by backends that accept an explicit end.
type SessionEnder interface {
	EndSession(ctx context.Context, sessionID string) error
}

// Config tunes a Machine. Zero values take defaults.
type Config struct {
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	ConnectTimeout  time.Duration
	GraceDelay      time.Duration
	InterviewBudget time.Duration
	FallbackEnabled bool
	PollInterval    time.Duration
	Voice           string
	Interview       *config.Interview
}

// ConfigFrom maps the env session settings onto a Config.
func ConfigFrom(c config.SessionConfig, voice string, iv *config.Interview) Config {
	return Config{
		MaxAttempts:     c.MaxAttempts,
		BackoffBase:     c.BackoffBase,
		BackoffMax:      c.BackoffMax,
		ConnectTimeout:  c.ConnectTimeout,
		GraceDelay:      c.GraceDelay,
		InterviewBudget: c.InterviewBudget,
		FallbackEnabled: c.FallbackEnabled,
		Voice:           voice,
		Interview:       iv,
	}
}

func (c *Config) defaults() {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaultBackoffMax
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.GraceDelay < 0 {
		c.GraceDelay = 0
	} else if c.GraceDelay == 0 {
		c.GraceDelay = defaultGraceDelay
	}
	if c.InterviewBudget <= 0 {
		c.InterviewBudget = defaultBudget
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.Interview == nil {
		c.Interview = config.DefaultInterview()
	}
}

// Options wires a Machine's collaborators. The machine takes ownership of
// the microphone and of every peer it creates.
type Options struct {
	Config  Config
	Backend Backend
	Peers   PeerFactory
	Mic     Microphone
	Metrics *metrics.Collector
	Now     func() time.Time
}

// StartRequest describes the interview to run.
type StartRequest struct {
	JobTitle    string
	ResumeText  string
	Difficulty  string
	Instruction string
}

// Machine is the client-side session state machine. Transitions are
// serialized under one lock; callbacks from an earlier attempt carry a stale
// generation and are ignored.
type Machine struct {
	cfg     Config
	backend Backend
	peers   PeerFactory
	mic     Microphone
	metrics *metrics.Collector
	logger  *zap.Logger
	now     func() time.Time

	life   context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu            sync.Mutex
	status        models.SessionStatus
	gen           uint64
	attempt       ConnectionAttempt
	req           StartRequest
	cred          *Credential
	peer          Peer
	mode          models.SessionMode
	attemptCancel context.CancelFunc
	attemptStart  time.Time
	startedAt     time.Time
	connectTimer  *time.Timer
	graceTimer    *time.Timer
	retryTimer    *time.Timer
	budgetTimer   *time.Timer
	pumpStop      chan struct{}
	responder     *fallback.Responder
	lastErr       *Error
	completed     bool
	transcript    *transcript.Assembler

	// audioMu orders mute changes against buffer reads.
	audioMu sync.Mutex
	muted   bool

	subsMu  sync.RWMutex
	subs    map[int]chan Event
	nextSub int
}

// NewMachine builds an idle machine.
func NewMachine(opts Options, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := opts.Config
	cfg.defaults()
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	life, cancel := context.WithCancel(context.Background())
	return &Machine{
		cfg:        cfg,
		backend:    opts.Backend,
		peers:      opts.Peers,
		mic:        opts.Mic,
		metrics:    opts.Metrics,
		logger:     logger.With(zap.String("component", "session")),
		now:        now,
		life:       life,
		cancel:     cancel,
		done:       make(chan struct{}),
		status:     models.StatusIdle,
		attempt:    ConnectionAttempt{Max: cfg.MaxAttempts, Base: cfg.BackoffBase, Cap: cfg.BackoffMax},
		mode:       models.ModeRealtime,
		transcript: transcript.NewAssembler(),
		subs:       make(map[int]chan Event),
	}
}

// Subscribe returns a channel of events and a function that detaches it.
// Events are dropped for a subscriber whose buffer is full.
func (m *Machine) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, id)
			close(ch)
			m.subsMu.Unlock()
		})
	}
}

func (m *Machine) emit(ev Event) {
	m.subsMu.RLock()
	defer m.subsMu.RUnlock()
	for id, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.logger.Warn("subscriber buffer full, event dropped", zap.Int("subscriber", id), zap.String("event", fmt.Sprintf("%T", ev)))
		}
	}
}

// Status returns the current state.
func (m *Machine) Status() models.SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Mode reports whether the session runs over realtime media or text.
func (m *Machine) Mode() models.SessionMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Attempts returns the connection attempts made since the last success.
func (m *Machine) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt.Count
}

// LastError returns the most recent failure, or nil.
func (m *Machine) LastError() *Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// SessionID returns the backend session id once a credential was issued.
func (m *Machine) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil {
		return ""
	}
	return m.cred.SessionID
}

// Transcript returns the finalized entries so far.
func (m *Machine) Transcript() []models.TranscriptEntry {
	return m.transcript.Entries()
}

// Done is closed once the machine has ended.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// setStatusLocked moves to next if the table allows it.
func (m *Machine) setStatusLocked(next models.SessionStatus, reason string) bool {
	from := m.status
	if _, err := Transition(from, next); err != nil {
		m.logger.Warn("transition rejected", zap.Error(err), zap.String("reason", reason))
		return false
	}
	m.status = next
	m.metrics.StateTransition(string(next))
	m.logger.Debug("state", zap.String("from", string(from)), zap.String("to", string(next)), zap.String("reason", reason))
	m.emit(StatusEvent{From: from, To: next, Reason: reason})
	return true
}

// advance moves an in-flight attempt forward. It reports false if the
// attempt has been superseded.
func (m *Machine) advance(gen uint64, next models.SessionStatus) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return false
	}
	return m.setStatusLocked(next, "")
}

// Start begins the interview. Connection proceeds in the background; watch
// Subscribe for progress.
func (m *Machine) Start(req StartRequest) error {
	req.JobTitle = strings.TrimSpace(req.JobTitle)
	if req.JobTitle == "" {
		return errors.New("job title is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.status {
	case models.StatusIdle:
	case models.StatusEnded:
		return ErrEnded
	default:
		return ErrAlreadyStarted
	}
	if req.Instruction == "" {
		req.Instruction = m.cfg.Interview.Instruction(req.JobTitle, string(models.ParseDifficulty(req.Difficulty)))
	}
	m.req = req
	m.startAttemptLocked("start")
	return nil
}

// startAttemptLocked enters requesting_mic under a fresh generation.
func (m *Machine) startAttemptLocked(reason string) {
	if !m.attempt.Next() {
		return
	}
	m.gen++
	if !m.setStatusLocked(models.StatusRequestingMic, reason) {
		return
	}
	gen := m.gen
	ctx, cancel := context.WithCancel(m.life)
	m.attemptCancel = cancel
	m.attemptStart = m.now()
	m.connectTimer = time.AfterFunc(m.cfg.ConnectTimeout, func() {
		m.connectTimeout(gen)
	})
	m.logger.Info("connection attempt", zap.Int("attempt", m.attempt.Count), zap.Int("max", m.attempt.Max))
	go m.connect(ctx, gen)
}

func (m *Machine) connectTimeout(gen uint64) {
	m.mu.Lock()
	connecting := gen == m.gen && m.status.Connecting()
	m.mu.Unlock()
	if connecting {
		m.fail(gen, networkError(CodeConnectTimeout, "connection attempt timed out", context.DeadlineExceeded))
	}
}

// connect runs the negotiation steps up to the point where the data channel
// is awaited.
func (m *Machine) connect(ctx context.Context, gen uint64) {
	m.mu.Lock()
	req := m.req
	m.mu.Unlock()

	if err := m.mic.Start(m.life); err != nil {
		m.fail(gen, Classify(err))
		return
	}
	if !m.advance(gen, models.StatusTestingAPI) {
		return
	}
	if err := m.backend.Probe(ctx); err != nil {
		m.fail(gen, Classify(err))
		return
	}
	if !m.advance(gen, models.StatusFetchingToken) {
		return
	}
	cred, err := m.backend.FetchCredential(ctx, CredentialRequest{
		JobTitle:   req.JobTitle,
		ResumeText: req.ResumeText,
		Difficulty: req.Difficulty,
	})
	if err != nil {
		m.fail(gen, Classify(err))
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.cred = cred
	ok := m.setStatusLocked(models.StatusCreatingOffer, "")
	m.mu.Unlock()
	if !ok {
		return
	}

	peer, err := m.peers.NewPeer(m.handlers(gen))
	if err != nil {
		m.fail(gen, networkError(CodeOfferFailed, "could not create the media connection", err))
		return
	}
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		_ = peer.Close()
		return
	}
	m.peer = peer
	m.mu.Unlock()

	offer, err := peer.CreateOffer(ctx)
	if err != nil {
		m.fail(gen, networkError(CodeOfferFailed, "could not create the media offer", err))
		return
	}
	if !m.advance(gen, models.StatusExchangingSDP) {
		return
	}
	answer, err := m.backend.ExchangeSDP(ctx, SDPRequest{
		SessionID: cred.SessionID,
		Token:     cred.Token,
		SDP:       offer,
		Model:     cred.Model,
	})
	if err != nil {
		m.fail(gen, Classify(err))
		return
	}
	if !m.advance(gen, models.StatusConnectingWebRTC) {
		return
	}
	if err := peer.SetAnswer(answer); err != nil {
		m.fail(gen, networkError(CodeSDPExchange, "the media answer was rejected", err))
		return
	}
	// Readiness now depends on the data channel opening.
}

func (m *Machine) handlers(gen uint64) PeerHandlers {
	return PeerHandlers{
		OnOpen:  func() { go m.channelOpen(gen) },
		OnClose: func() { go m.channelClosed(gen) },
		OnMessage: func(data []byte) {
			m.handleServerEvent(gen, data)
		},
		OnConnectionState: func(state string) {
			m.logger.Debug("transport state", zap.String("state", state))
			if state == "failed" {
				go m.fail(gen, networkError(CodeTransportFailed, "the media connection failed", errors.New("transport failed")))
			}
		},
		OnAudio: func(pcm []byte) {
			m.mu.Lock()
			live := gen == m.gen && m.status == models.StatusActive
			m.mu.Unlock()
			if live {
				m.emit(AudioEvent{PCM: pcm})
			}
		},
	}
}

func (m *Machine) channelOpen(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.status != models.StatusConnectingWebRTC {
		m.mu.Unlock()
		return
	}
	m.setStatusLocked(models.StatusDataChannelOpen, "data channel open")
	peer := m.peer
	instruction := m.req.Instruction
	m.graceTimer = time.AfterFunc(m.cfg.GraceDelay, func() { m.activate(gen) })
	m.mu.Unlock()

	if err := peer.Send(sessionUpdateMessage(instruction, m.cfg.Voice)); err != nil {
		m.fail(gen, networkError(CodeChannelClosed, "could not configure the session", err))
	}
}

func (m *Machine) activate(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.status != models.StatusDataChannelOpen {
		return
	}
	if !m.setStatusLocked(models.StatusActive, "session configured") {
		return
	}
	stopTimer(m.connectTimer)
	m.connectTimer = nil
	m.metrics.ConnectionAttempt("success")
	m.metrics.ConnectDuration(m.now().Sub(m.attemptStart))
	m.attempt.Reset()
	m.mode = models.ModeRealtime
	m.lastErr = nil
	m.mic.Resume()
	m.startPumpLocked()
	m.startBudgetLocked()
}

func (m *Machine) channelClosed(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	switch {
	case m.status == models.StatusPaused:
		// Renegotiate on resume.
		peer := m.peer
		m.peer = nil
		m.mu.Unlock()
		if peer != nil {
			_ = peer.Close()
		}
		return
	case m.status == models.StatusActive || m.status.Connecting():
		m.mu.Unlock()
		m.fail(gen, networkError(CodeChannelClosed, "the control channel closed unexpectedly", errors.New("data channel closed")))
		return
	}
	m.mu.Unlock()
}

// fail routes err into the retry pipeline. It is a no-op for a superseded
// generation or a state that cannot fail.
func (m *Machine) fail(gen uint64, err *Error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if _, terr := Transition(m.status, models.StatusError); terr != nil {
		m.mu.Unlock()
		return
	}
	m.gen++
	peer := m.detachLocked()
	m.lastErr = err
	m.setStatusLocked(models.StatusError, err.Code)
	m.emit(ErrorEvent{Err: err})
	m.logger.Warn("session failed", zap.String("code", err.Code), zap.Bool("retryable", err.Retryable), zap.Int("attempt", m.attempt.Count), zap.Error(err.Err))

	switch {
	case !err.Retryable:
		m.metrics.ConnectionAttempt("fatal")
	case !m.attempt.Exhausted():
		m.metrics.ConnectionAttempt("retry")
		delay := m.attempt.Backoff()
		next := m.gen
		m.retryTimer = time.AfterFunc(delay, func() { m.retry(next) })
	case m.cfg.FallbackEnabled:
		m.metrics.ConnectionAttempt("fallback")
		m.enterFallbackLocked()
	default:
		m.metrics.ConnectionAttempt("exhausted")
		ex := newError(KindExhausted, CodeExhausted, "cannot connect to the voice service", false, err)
		m.lastErr = ex
		m.emit(ErrorEvent{Err: ex})
	}
	m.mu.Unlock()

	if peer != nil {
		_ = peer.Close()
	}
}

// detachLocked cancels the in-flight attempt and stops the attempt's timers
// and audio pump. The caller closes the returned peer outside the lock.
func (m *Machine) detachLocked() Peer {
	if m.attemptCancel != nil {
		m.attemptCancel()
		m.attemptCancel = nil
	}
	stopTimer(m.connectTimer)
	stopTimer(m.graceTimer)
	m.connectTimer, m.graceTimer = nil, nil
	m.stopPumpLocked()
	peer := m.peer
	m.peer = nil
	return peer
}

func (m *Machine) retry(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.status != models.StatusError {
		return
	}
	m.retryTimer = nil
	m.startAttemptLocked("retry")
}

// Retry restarts connection from the error state. A retry after the ceiling
// was reached starts a fresh attempt budget.
func (m *Machine) Retry() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != models.StatusError {
		return fmt.Errorf("retry from %s: %w", m.status, ErrNotActive)
	}
	stopTimer(m.retryTimer)
	m.retryTimer = nil
	if m.attempt.Exhausted() {
		m.attempt.Reset()
	}
	m.startAttemptLocked("user retry")
	return nil
}

func (m *Machine) enterFallbackLocked() {
	ex := newError(KindExhausted, CodeExhausted, "voice is unavailable, continuing in text mode", false, m.lastErr)
	m.lastErr = ex
	m.emit(ErrorEvent{Err: ex})
	m.mic.Suspend()
	m.mode = models.ModeText
	if m.responder == nil {
		m.responder = fallback.New(m.cfg.Interview, m.req.JobTitle, string(models.ParseDifficulty(m.req.Difficulty)))
	}
	if !m.setStatusLocked(models.StatusActive, "fallback") {
		return
	}
	m.startBudgetLocked()
	for _, line := range m.responder.Open() {
		m.recordLocked(models.SpeakerAI, line)
	}
}

func (m *Machine) recordLocked(speaker models.Speaker, text string) {
	entry := models.TranscriptEntry{Speaker: speaker, Text: text, Timestamp: m.now().UTC()}
	m.transcript.Append(entry)
	m.emit(TranscriptEvent{Speaker: speaker, Text: text, Final: true})
}

func (m *Machine) startPumpLocked() {
	m.stopPumpLocked()
	stop := make(chan struct{})
	m.pumpStop = stop
	go m.pump(m.peer, stop)
}

func (m *Machine) stopPumpLocked() {
	if m.pumpStop != nil {
		close(m.pumpStop)
		m.pumpStop = nil
	}
}

// pump forwards the latest microphone frame every poll interval.
func (m *Machine) pump(peer Peer, stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		m.audioMu.Lock()
		if m.muted {
			m.audioMu.Unlock()
			continue
		}
		buf := m.mic.GetBuffer()
		m.audioMu.Unlock()

		if buf != nil && peer != nil {
			if err := peer.WriteAudio(buf); err != nil {
				m.logger.Debug("write audio", zap.Error(err))
			}
		}
		m.emit(LevelEvent{Level: m.mic.Level()})
	}
}

func (m *Machine) startBudgetLocked() {
	if m.budgetTimer != nil {
		return
	}
	m.startedAt = m.now()
	m.budgetTimer = time.AfterFunc(m.cfg.InterviewBudget, func() {
		ctx, cancel := context.WithTimeout(context.Background(), endTimeout)
		defer cancel()
		m.end(ctx, "interview time limit reached", json.RawMessage(`{"summary":"The interview time limit was reached."}`))
	})
}

// SetMuted disables or enables the microphone track. While muted no frame is
// read from the capture buffer.
func (m *Machine) SetMuted(muted bool) {
	m.audioMu.Lock()
	defer m.audioMu.Unlock()
	m.muted = muted
	m.mic.SetMuted(muted)
}

// ToggleMute flips the mute state and returns the new value.
func (m *Machine) ToggleMute() bool {
	m.audioMu.Lock()
	defer m.audioMu.Unlock()
	m.muted = !m.muted
	m.mic.SetMuted(m.muted)
	return m.muted
}

// Muted reports the mute state.
func (m *Machine) Muted() bool {
	m.audioMu.Lock()
	defer m.audioMu.Unlock()
	return m.muted
}

// SendText sends a typed user turn. The user line is recorded immediately.
func (m *Machine) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	m.mu.Lock()
	if m.status != models.StatusActive {
		m.mu.Unlock()
		return ErrNotActive
	}
	m.recordLocked(models.SpeakerUser, text)

	if m.mode == models.ModeText {
		lines, done := m.responder.Reply(text)
		for _, line := range lines {
			m.recordLocked(models.SpeakerAI, line)
		}
		feedback := m.responder.Feedback()
		m.mu.Unlock()
		if done {
			ctx, cancel := context.WithTimeout(context.Background(), endTimeout)
			defer cancel()
			m.end(ctx, "interview complete", feedback)
		}
		return nil
	}

	peer := m.peer
	m.emit(ThinkingEvent{Thinking: true})
	m.mu.Unlock()

	if err := peer.Send(userTextMessage(text)); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	if err := peer.Send(bareMessage("response.create")); err != nil {
		return fmt.Errorf("request response: %w", err)
	}
	return nil
}

// Interrupt cancels the AI's current turn.
func (m *Machine) Interrupt() error {
	m.mu.Lock()
	if m.status != models.StatusActive || m.mode != models.ModeRealtime {
		m.mu.Unlock()
		return ErrNotActive
	}
	peer := m.peer
	m.flushLocked(models.SpeakerAI)
	m.emit(ThinkingEvent{Thinking: false})
	m.mu.Unlock()
	return peer.Send(bareMessage("response.cancel"))
}

func (m *Machine) flushLocked(speaker models.Speaker) {
	for _, e := range m.transcript.Flush(speaker) {
		m.emit(TranscriptEvent{Speaker: e.Speaker, Text: e.Text, Final: true})
	}
}

// Background pauses the session when the host is hidden. An active session
// keeps its connection with capture suspended; a connecting one abandons the
// attempt and renegotiates on Foreground.
func (m *Machine) Background() {
	m.pause("backgrounded")
}

// Detach pauses without ending, for a caller that is going away but may
// come back.
func (m *Machine) Detach() {
	m.pause("detached")
}

func (m *Machine) pause(reason string) {
	m.mu.Lock()
	var peer Peer
	switch {
	case m.status == models.StatusActive:
		m.stopPumpLocked()
		if m.mode == models.ModeRealtime {
			m.mic.Suspend()
		}
	case m.status.Connecting():
		m.gen++
		peer = m.detachLocked()
		m.mic.Suspend()
	default:
		m.mu.Unlock()
		return
	}
	m.setStatusLocked(models.StatusPaused, reason)
	m.mu.Unlock()
	if peer != nil {
		_ = peer.Close()
	}
}

// Foreground resumes a paused session. A still-registered session with a
// live connection resumes without renegotiation; otherwise a new attempt
// starts.
func (m *Machine) Foreground(ctx context.Context) error {
	m.mu.Lock()
	if m.status != models.StatusPaused {
		status := m.status
		m.mu.Unlock()
		return fmt.Errorf("resume from %s: %w", status, ErrNotActive)
	}
	gen := m.gen
	mode := m.mode
	var sessionID string
	if m.cred != nil && m.peer != nil {
		sessionID = m.cred.SessionID
	}
	m.mu.Unlock()

	if mode == models.ModeRealtime && sessionID != "" {
		registered, err := m.backend.Registered(ctx, sessionID)
		if err != nil {
			m.fail(gen, networkError(CodeUnavailable, "could not confirm the session", err))
			return nil
		}
		if !registered {
			m.fail(gen, networkError(CodeNotRegistered, "the session is no longer registered", fmt.Errorf("session %s not found", sessionID)))
			return nil
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.status != models.StatusPaused {
		return nil
	}
	switch {
	case mode == models.ModeText:
		m.setStatusLocked(models.StatusActive, "resumed")
	case m.peer != nil:
		m.mic.Resume()
		if m.setStatusLocked(models.StatusActive, "resumed") {
			m.startPumpLocked()
		}
	default:
		m.attempt.Reset()
		m.startAttemptLocked("resume")
	}
	return nil
}

// handleServerEvent applies one data channel message. Malformed and unknown
// messages are logged and dropped.
func (m *Machine) handleServerEvent(gen uint64, data []byte) {
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.Type == "" {
		m.logger.Warn("malformed data channel message dropped", zap.Int("bytes", len(data)))
		return
	}

	m.mu.Lock()
	if gen != m.gen || m.status == models.StatusEnded {
		m.mu.Unlock()
		return
	}
	peer := m.peer
	var (
		reply    []byte
		feedback json.RawMessage
		complete bool
	)
	switch ev.Type {
	case evSessionCreated, evSessionUpdated:
		m.logger.Debug("session event", zap.String("type", ev.Type))
	case evResponseCreated:
		m.emit(ThinkingEvent{Thinking: true})
	case evAudioTranscriptDelta, evTextDelta:
		if live := m.transcript.Delta(models.SpeakerAI, ev.ItemID, ev.Delta); live != "" {
			m.emit(TranscriptEvent{Speaker: models.SpeakerAI, Text: live})
		}
	case evAudioTranscriptDone:
		m.finalizeLocked(models.SpeakerAI, ev.ItemID, ev.Transcript)
	case evTextDone:
		m.finalizeLocked(models.SpeakerAI, ev.ItemID, ev.Text)
	case evInputTranscriptDelta:
		if live := m.transcript.Delta(models.SpeakerUser, ev.ItemID, ev.Delta); live != "" {
			m.emit(TranscriptEvent{Speaker: models.SpeakerUser, Text: live})
		}
	case evInputTranscriptDone:
		m.finalizeLocked(models.SpeakerUser, ev.ItemID, ev.Transcript)
	case evSpeechStarted:
		m.emit(ThinkingEvent{Thinking: false})
	case evResponseDone:
		m.flushLocked(models.SpeakerAI)
		m.emit(ThinkingEvent{Thinking: false})
	case evFunctionCallDone:
		if ev.Name != models.CompleteInterviewFunction {
			m.logger.Warn("unknown function call", zap.String("name", ev.Name))
			reply = functionOutputMessage(ev.CallID, `{"error":"unknown function"}`)
			break
		}
		feedback = json.RawMessage(ev.Arguments)
		if !json.Valid(feedback) {
			feedback = json.RawMessage(`{}`)
		}
		reply = functionOutputMessage(ev.CallID, `{"ok":true}`)
		complete = true
	case evSessionCompleted:
		feedback = ev.Feedback
		complete = true
	case evError:
		code, msg := "backend_error", "the AI backend reported an error"
		if ev.Error != nil {
			if ev.Error.Code != "" {
				code = ev.Error.Code
			}
			if ev.Error.Message != "" {
				msg = ev.Error.Message
			}
		}
		m.emit(ErrorEvent{Err: newError(KindProtocol, code, msg, false, nil)})
	default:
		m.logger.Debug("unhandled data channel message", zap.String("type", ev.Type))
	}
	m.mu.Unlock()

	if reply != nil && peer != nil {
		if err := peer.Send(reply); err != nil {
			m.logger.Warn("send function output", zap.Error(err))
		}
	}
	if complete {
		// Not on the transport's callback goroutine: end closes the peer.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), endTimeout)
			defer cancel()
			m.end(ctx, "interview complete", feedback)
		}()
	}
}

func (m *Machine) finalizeLocked(speaker models.Speaker, item, text string) {
	if e, ok := m.transcript.Done(speaker, item, text); ok {
		m.emit(TranscriptEvent{Speaker: e.Speaker, Text: e.Text, Final: true})
	}
}

// Stop ends the session. Local state is ended before any teardown runs, so
// concurrent callers observe the terminal state immediately.
func (m *Machine) Stop(ctx context.Context) {
	m.end(ctx, "stopped", nil)
}

func (m *Machine) end(ctx context.Context, reason string, feedback json.RawMessage) {
	m.mu.Lock()
	if m.status == models.StatusEnded {
		m.mu.Unlock()
		return
	}
	m.gen++
	peer := m.detachLocked()
	stopTimer(m.retryTimer)
	stopTimer(m.budgetTimer)
	m.retryTimer, m.budgetTimer = nil, nil
	m.setStatusLocked(models.StatusEnded, reason)

	var payload *models.CompletionPayload
	if feedback != nil && !m.completed {
		m.completed = true
		m.flushLocked(models.SpeakerAI)
		m.flushLocked(models.SpeakerUser)
		p := m.completionLocked(feedback)
		payload = &p
	}
	var sessionID string
	if m.cred != nil {
		sessionID = m.cred.SessionID
	}
	close(m.done)
	m.cancel()
	m.mu.Unlock()

	if payload != nil {
		m.emit(CompletedEvent{Payload: *payload})
	}
	if peer != nil {
		_ = peer.Close()
	}
	if err := m.mic.Close(); err != nil {
		m.logger.Debug("close microphone", zap.Error(err))
	}
	if ender, ok := m.backend.(SessionEnder); ok && sessionID != "" {
		if err := ender.EndSession(ctx, sessionID); err != nil {
			m.logger.Warn("end session", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	m.logger.Info("session ended", zap.String("reason", reason), zap.String("session_id", sessionID))
}

func (m *Machine) completionLocked(feedback json.RawMessage) models.CompletionPayload {
	p := models.CompletionPayload{
		JobRole:    m.req.JobTitle,
		Difficulty: models.ParseDifficulty(m.req.Difficulty),
		Mode:       m.mode,
		Feedback:   feedback,
		Transcript: m.transcript.Entries(),
		EndedAt:    m.now().UTC(),
	}
	if m.cred != nil {
		p.SessionID = m.cred.SessionID
	}
	if !m.startedAt.IsZero() {
		started := m.startedAt.UTC()
		p.StartedAt = &started
	}
	return p
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
