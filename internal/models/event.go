package models

import (
	"encoding/json"
	"time"
)

// StreamEventType tags an output stream event.
type StreamEventType string

const (
	EventAudio      StreamEventType = "audio"
	EventTranscript StreamEventType = "transcript"
	EventControl    StreamEventType = "control"
	EventError      StreamEventType = "error"
	EventThinking   StreamEventType = "thinking"
)

// Control statuses carried by control events.
const (
	ControlConnected    = "connected"
	ControlReady        = "ready"
	ControlDisconnected = "disconnected"
	ControlInterrupted  = "interrupted"
	ControlTurnComplete = "turn_complete"
	ControlSessionEnded = "session_ended"
	ControlPong         = "pong"
	ControlInterruptAck = "interrupt_ack"
)

// StreamEvent is one element of the ordered output stream sent to the session owner.
type StreamEvent struct {
	Type       StreamEventType `json:"type"`
	Audio      string          `json:"audio,omitempty"`
	Speaker    Speaker         `json:"speaker,omitempty"`
	Text       string          `json:"text,omitempty"`
	Final      bool            `json:"final,omitempty"`
	Confidence *float64        `json:"confidence,omitempty"`
	Status     string          `json:"status,omitempty"`
	Code       string          `json:"code,omitempty"`
	Message    string          `json:"message,omitempty"`
	Retryable  *bool           `json:"retryable,omitempty"`
	Thinking   *bool           `json:"thinking,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// ControlEvent builds a control event.
func ControlEvent(status string) StreamEvent {
	return StreamEvent{Type: EventControl, Status: status, Timestamp: time.Now().UTC()}
}

// ErrorEvent builds an error event.
func ErrorEvent(code, message string, retryable bool) StreamEvent {
	return StreamEvent{Type: EventError, Code: code, Message: message, Retryable: &retryable, Timestamp: time.Now().UTC()}
}

// TranscriptEvent builds a transcript event.
func TranscriptEvent(speaker Speaker, text string, final bool) StreamEvent {
	return StreamEvent{Type: EventTranscript, Speaker: speaker, Text: text, Final: final, Timestamp: time.Now().UTC()}
}

// ThinkingEvent builds a thinking flag event.
func ThinkingEvent(on bool) StreamEvent {
	return StreamEvent{Type: EventThinking, Thinking: &on, Timestamp: time.Now().UTC()}
}
