package streaming

import (
	"encoding/json"
	"time"

	"github.com/aura-interview/voice-engine/internal/models"
)

// Event is an inbound notification from the AI backend. The set of variants
// is closed; switch on the concrete type.
type Event interface {
	isEvent()
}

// ReadyEvent: setup was acknowledged for Model.
type ReadyEvent struct {
	Model string
}

// AudioEvent carries AI speech. Seq and SentAt identify the most recent
// outbound audio chunk at the time the frame arrived.
type AudioEvent struct {
	Data     []byte
	MimeType string
	Seq      uint64
	SentAt   time.Time
}

// TextEvent is AI text output.
type TextEvent struct {
	Text  string
	Final bool
}

// TranscriptEvent is speech-to-text for either party.
type TranscriptEvent struct {
	Speaker models.Speaker
	Text    string
	Final   bool
}

// FunctionCallEvent is a tool invocation request.
type FunctionCallEvent struct {
	ID   string
	Name string
	Args json.RawMessage
}

// TurnCompleteEvent: the AI finished its turn.
type TurnCompleteEvent struct{}

// InterruptedEvent: the backend cut the AI turn short (barge-in).
type InterruptedEvent struct{}

// ErrorEvent wraps a transport or backend error.
type ErrorEvent struct {
	Err       error
	Code      string
	Retryable bool
}

// DisconnectedEvent: the socket closed. WillReconnect is false once the
// client has given up or the close was requested locally.
type DisconnectedEvent struct {
	Code          int
	Reason        string
	WillReconnect bool
}

// ReconnectExhaustedEvent: the reconnect ceiling was reached. It precedes the
// final DisconnectedEvent.
type ReconnectExhaustedEvent struct {
	Attempts int
}

func (ReadyEvent) isEvent()              {}
func (AudioEvent) isEvent()              {}
func (TextEvent) isEvent()               {}
func (TranscriptEvent) isEvent()         {}
func (FunctionCallEvent) isEvent()       {}
func (TurnCompleteEvent) isEvent()       {}
func (InterruptedEvent) isEvent()        {}
func (ErrorEvent) isEvent()              {}
func (DisconnectedEvent) isEvent()       {}
func (ReconnectExhaustedEvent) isEvent() {}
