// Package streaming is a reusable client for one persistent socket to the AI
// backend: handshake, framing, reconnection and typed event fan-out.
package streaming

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-interview/voice-engine/internal/models"
)

const (
	writeWait        = 10 * time.Second
	defaultHandshake = 15 * time.Second
)

var (
	// ErrNotConnected is returned by send methods while no socket is open.
	ErrNotConnected = errors.New("streaming client not connected")
	// ErrSetupRejected is returned when the backend closes before acknowledging setup.
	ErrSetupRejected = errors.New("setup rejected by backend")
)

// State is the connection state of a Client.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Config configures a Client.
type Config struct {
	URL               string
	APIKey            string
	PrimaryModel      string
	FallbackModel     string
	SystemInstruction string
	Voice             string
	Temperature       float64
	Tools             []FunctionDeclaration
	AudioFormat       models.AudioFormat
	HandshakeTimeout  time.Duration
	MaxReconnects     int
	ReconnectDelay    time.Duration
	Dialer            *websocket.Dialer
}

// Client owns at most one socket at a time. It is safe for concurrent use.
type Client struct {
	cfg    Config
	logger *zap.Logger

	mu            sync.Mutex
	conn          *websocket.Conn
	state         State
	model         string
	fallbackTried bool
	closing       bool
	gen           uint64
	reconnects    int

	writeMu sync.Mutex

	subsMu  sync.RWMutex
	subs    map[int]chan Event
	nextSub int

	seq    atomic.Uint64
	sentAt atomic.Int64
}

// NewClient creates a disconnected client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshake
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.AudioFormat.SampleRate == 0 {
		cfg.AudioFormat = models.DefaultAudioFormat
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "streaming_client")),
		state:  StateDisconnected,
		model:  cfg.PrimaryModel,
		subs:   make(map[int]chan Event),
	}
}

// Subscribe returns a channel of events and a function that detaches it.
// Events are dropped for a subscriber whose buffer is full.
func (c *Client) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subsMu.Lock()
			delete(c.subs, id)
			close(ch)
			c.subsMu.Unlock()
		})
	}
}

func (c *Client) emit(ev Event) {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	for id, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.logger.Warn("subscriber buffer full, event dropped", zap.Int("subscriber", id), zap.String("event", fmt.Sprintf("%T", ev)))
		}
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Model returns the model the client is (or will be) connected with.
func (c *Client) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// Connect opens the socket and completes the setup handshake. If the primary
// model is refused it retries once, for the lifetime of the client, with the
// fallback model. Calling Connect while connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.closing = false
	c.reconnects = 0
	model := c.model
	gen := c.gen
	c.mu.Unlock()

	conn, err := c.handshake(ctx, model)
	if err != nil && c.takeFallback(model) {
		c.logger.Warn("primary model failed, trying fallback",
			zap.String("model", model), zap.String("fallback", c.cfg.FallbackModel), zap.Error(err))
		model = c.cfg.FallbackModel
		conn, err = c.handshake(ctx, model)
	}

	c.mu.Lock()
	if err != nil {
		if c.gen == gen {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		c.emit(ErrorEvent{Err: err, Code: "connect_failed", Retryable: true})
		return fmt.Errorf("connect: %w", err)
	}
	if c.gen != gen || c.closing {
		// Disconnect raced the handshake.
		c.mu.Unlock()
		_ = conn.Close()
		return ErrNotConnected
	}
	c.gen++
	gen = c.gen
	c.conn = conn
	c.model = model
	c.state = StateConnected
	c.mu.Unlock()

	c.logger.Info("connected", zap.String("model", model))
	c.emit(ReadyEvent{Model: model})
	go c.readLoop(conn, gen)
	return nil
}

func (c *Client) takeFallback(failed string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fallbackTried || c.cfg.FallbackModel == "" || c.cfg.FallbackModel == failed {
		return false
	}
	c.fallbackTried = true
	return true
}

func (c *Client) handshake(ctx context.Context, model string) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	target, err := c.dialURL()
	if err != nil {
		return nil, err
	}
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}

	deadline, _ := ctx.Deadline()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(c.setupFor(model)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send setup: %w", err)
	}
	_ = conn.SetReadDeadline(deadline)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return nil, fmt.Errorf("%w: %d %s", ErrSetupRejected, ce.Code, ce.Text)
			}
			return nil, fmt.Errorf("await setup: %w", err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: %s", ErrSetupRejected, msg.Error.Message)
		}
		if msg.SetupComplete != nil {
			break
		}
	}
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})
	return conn, nil
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse socket url: %w", err)
	}
	if c.cfg.APIKey != "" {
		q := u.Query()
		q.Set("key", c.cfg.APIKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) setupFor(model string) setupMessage {
	body := setupBody{
		Model: model,
		GenerationConfig: &generationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
		InputAudioTranscription:  &struct{}{},
		OutputAudioTranscription: &struct{}{},
	}
	if c.cfg.Temperature > 0 {
		t := c.cfg.Temperature
		body.GenerationConfig.Temperature = &t
	}
	if c.cfg.Voice != "" {
		sc := &speechConfig{}
		sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName = c.cfg.Voice
		body.GenerationConfig.SpeechConfig = sc
	}
	if c.cfg.SystemInstruction != "" {
		body.SystemInstruction = &content{Parts: []part{{Text: c.cfg.SystemInstruction}}}
	}
	if len(c.cfg.Tools) > 0 {
		body.Tools = []tool{{FunctionDeclarations: c.cfg.Tools}}
	}
	return setupMessage{Setup: body}
}

func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, err)
			return
		}
		if !c.current(gen) {
			return
		}
		c.dispatch(mt, data)
	}
}

func (c *Client) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *Client) dispatch(mt int, data []byte) {
	if mt == websocket.BinaryMessage {
		trimmed := bytes.TrimLeft(data, " \t\r\n")
		if len(trimmed) == 0 || trimmed[0] != '{' {
			c.emit(c.audioEvent(data, c.cfg.AudioFormat.MimeType()))
			return
		}
	}

	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("dropping malformed frame", zap.Error(err), zap.Int("bytes", len(data)))
		return
	}
	handled := false
	if msg.ServerContent != nil {
		handled = true
		sc := msg.ServerContent
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData != nil {
					raw, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
					if err != nil {
						c.logger.Warn("dropping undecodable audio part", zap.Error(err))
						continue
					}
					c.emit(c.audioEvent(raw, p.InlineData.MimeType))
				}
				if p.Text != "" {
					c.emit(TextEvent{Text: p.Text})
				}
			}
		}
		if t := sc.InputTranscription; t != nil && t.Text != "" {
			c.emit(TranscriptEvent{Speaker: models.SpeakerUser, Text: t.Text, Final: t.Finished})
		}
		if t := sc.OutputTranscription; t != nil && t.Text != "" {
			c.emit(TranscriptEvent{Speaker: models.SpeakerAI, Text: t.Text, Final: t.Finished})
		}
		if sc.Interrupted {
			c.emit(InterruptedEvent{})
		}
		if sc.TurnComplete {
			c.emit(TurnCompleteEvent{})
		}
	}
	if msg.ToolCall != nil {
		handled = true
		for _, fc := range msg.ToolCall.FunctionCalls {
			c.emit(FunctionCallEvent{ID: fc.ID, Name: fc.Name, Args: fc.Args})
		}
	}
	if msg.Error != nil {
		handled = true
		c.emit(ErrorEvent{
			Err:       fmt.Errorf("backend error %d: %s", msg.Error.Code, msg.Error.Message),
			Code:      "upstream_error",
			Retryable: msg.Error.Code >= 500 || msg.Error.Code == 0,
		})
	}
	if msg.GoAway != nil {
		handled = true
		c.logger.Info("backend going away", zap.String("time_left", msg.GoAway.TimeLeft))
	}
	if msg.SetupComplete != nil {
		handled = true
	}
	if !handled {
		c.logger.Debug("ignoring unknown frame", zap.ByteString("frame", truncate(data, 256)))
	}
}

func (c *Client) audioEvent(data []byte, mime string) AudioEvent {
	var sentAt time.Time
	if ns := c.sentAt.Load(); ns > 0 {
		sentAt = time.Unix(0, ns)
	}
	return AudioEvent{Data: data, MimeType: mime, Seq: c.seq.Load(), SentAt: sentAt}
}

func (c *Client) handleClose(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen || c.closing {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.reconnects++
	attempt := c.reconnects
	will := attempt <= c.cfg.MaxReconnects
	if will {
		c.state = StateReconnecting
	} else {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	code, reason := websocket.CloseAbnormalClosure, err.Error()
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		code, reason = ce.Code, ce.Text
	}
	c.logger.Warn("socket closed", zap.Int("code", code), zap.String("reason", reason), zap.Bool("will_reconnect", will))
	if !will {
		c.emit(ReconnectExhaustedEvent{Attempts: attempt - 1})
	}
	c.emit(DisconnectedEvent{Code: code, Reason: reason, WillReconnect: will})
	if will {
		go c.reconnect(gen, attempt)
	}
}

func (c *Client) reconnect(gen uint64, attempt int) {
	timer := time.NewTimer(c.cfg.ReconnectDelay * time.Duration(attempt))
	<-timer.C

	c.mu.Lock()
	if c.gen != gen || c.closing {
		c.mu.Unlock()
		return
	}
	model := c.model
	c.mu.Unlock()

	conn, err := c.handshake(context.Background(), model)
	if err != nil {
		c.handleClose(gen, err)
		return
	}

	c.mu.Lock()
	if c.gen != gen || c.closing {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.gen++
	next := c.gen
	c.conn = conn
	c.state = StateConnected
	c.reconnects = 0
	c.mu.Unlock()

	c.logger.Info("reconnected", zap.String("model", model), zap.Int("attempt", attempt))
	c.emit(ReadyEvent{Model: model})
	go c.readLoop(conn, next)
}

// Disconnect closes the socket and cancels pending reconnects. It is
// idempotent and leaves the client ready for another Connect.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.closing = true
	c.gen++
	conn := c.conn
	c.conn = nil
	prev := c.state
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	if prev != StateDisconnected {
		c.emit(DisconnectedEvent{Code: websocket.CloseNormalClosure, Reason: "client disconnect"})
	}
	return nil
}

func (c *Client) write(v interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// SendAudio sends one PCM chunk in the realtime-input envelope.
func (c *Client) SendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	err := c.write(realtimeInputMessage{RealtimeInput: realtimeInput{
		Audio: &blob{MimeType: c.cfg.AudioFormat.MimeType(), Data: base64.StdEncoding.EncodeToString(pcm)},
	}})
	if err == nil {
		c.seq.Add(1)
		c.sentAt.Store(time.Now().UnixNano())
	}
	return err
}

// SendText sends a complete user turn.
func (c *Client) SendText(text string) error {
	return c.write(clientContentMessage{ClientContent: clientContent{
		Turns:        []content{{Role: "user", Parts: []part{{Text: text}}}},
		TurnComplete: true,
	}})
}

// Interrupt asks the backend to stop the current AI turn.
func (c *Client) Interrupt() error {
	return c.write(realtimeInputMessage{RealtimeInput: realtimeInput{ActivityStart: &struct{}{}}})
}

// SendAudioStreamEnd marks the end of an audio segment.
func (c *Client) SendAudioStreamEnd() error {
	return c.write(realtimeInputMessage{RealtimeInput: realtimeInput{AudioStreamEnd: true}})
}

// SendToolResponse answers a FunctionCallEvent.
func (c *Client) SendToolResponse(id, name string, response interface{}) error {
	raw, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("marshal tool response: %w", err)
	}
	return c.write(toolResponseMessage{ToolResponse: toolResponse{
		FunctionResponses: []functionResponse{{ID: id, Name: name, Response: raw}},
	}})
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
