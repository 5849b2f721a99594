package session

import (
	"github.com/aura-interview/voice-engine/internal/audio"
	"github.com/aura-interview/voice-engine/internal/models"
)

// Event is a notification from a Machine to its owner. The set of variants
// is closed; switch on the concrete type.
type Event interface {
	isEvent()
}

// StatusEvent reports a state transition.
type StatusEvent struct {
	From   models.SessionStatus
	To     models.SessionStatus
	Reason string
}

// TranscriptEvent is a live or finalized line. Live lines carry the text
// assembled so far for the utterance.
type TranscriptEvent struct {
	Speaker models.Speaker
	Text    string
	Final   bool
}

// ThinkingEvent toggles while the AI composes a response.
type ThinkingEvent struct {
	Thinking bool
}

// AudioEvent is decoded AI speech for playback.
type AudioEvent struct {
	PCM []byte
}

// ErrorEvent carries a classified failure.
type ErrorEvent struct {
	Err *Error
}

// CompletedEvent is the session-completion signal. It is emitted at most once.
type CompletedEvent struct {
	Payload models.CompletionPayload
}

// LevelEvent is a microphone metering sample.
type LevelEvent struct {
	Level audio.Level
}

func (StatusEvent) isEvent()     {}
func (TranscriptEvent) isEvent() {}
func (ThinkingEvent) isEvent()   {}
func (AudioEvent) isEvent()      {}
func (ErrorEvent) isEvent()      {}
func (CompletedEvent) isEvent()  {}
func (LevelEvent) isEvent()      {}
