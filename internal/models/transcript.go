package models

import (
	"strconv"
	"time"
)

// Speaker tags who produced an utterance.
type Speaker string

const (
	SpeakerUser Speaker = "user"
	SpeakerAI   Speaker = "ai"
)

// TranscriptEntry is one finalized utterance.
type TranscriptEntry struct {
	Speaker    Speaker   `json:"speaker"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence *float64  `json:"confidence,omitempty"`
	DurationMs int64     `json:"duration,omitempty"`
}

// AudioFormat describes PCM framing. Fixed for the lifetime of a session.
type AudioFormat struct {
	Encoding   string `json:"format"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// DefaultAudioFormat is 16-bit mono PCM at 16 kHz.
var DefaultAudioFormat = AudioFormat{Encoding: "pcm16", SampleRate: 16000, Channels: 1}

// MimeType returns the realtime-input mime type for f.
func (f AudioFormat) MimeType() string {
	return "audio/pcm;rate=" + strconv.Itoa(f.SampleRate)
}

// AudioChunk is a unit of outbound or inbound audio.
type AudioChunk struct {
	AudioFormat
	Payload []byte `json:"payload"`
}
