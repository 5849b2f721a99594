package session

import (
	"encoding/json"

	"github.com/aura-interview/voice-engine/internal/models"
)

// Inbound data channel event types.
const (
	evSessionCreated       = "session.created"
	evSessionUpdated       = "session.updated"
	evResponseCreated      = "response.created"
	evResponseDone         = "response.done"
	evAudioTranscriptDelta = "response.audio_transcript.delta"
	evAudioTranscriptDone  = "response.audio_transcript.done"
	evTextDelta            = "response.text.delta"
	evTextDone             = "response.text.done"
	evInputTranscriptDelta = "conversation.item.input_audio_transcription.delta"
	evInputTranscriptDone  = "conversation.item.input_audio_transcription.completed"
	evSpeechStarted        = "input_audio_buffer.speech_started"
	evFunctionCallDone     = "response.function_call_arguments.done"
	evSessionCompleted     = "session.completed"
	evError                = "error"
)

// serverEvent is the union of inbound fields this package reads.
type serverEvent struct {
	Type       string          `json:"type"`
	ItemID     string          `json:"item_id,omitempty"`
	Delta      string          `json:"delta,omitempty"`
	Transcript string          `json:"transcript,omitempty"`
	Text       string          `json:"text,omitempty"`
	Name       string          `json:"name,omitempty"`
	CallID     string          `json:"call_id,omitempty"`
	Arguments  string          `json:"arguments,omitempty"`
	Feedback   json.RawMessage `json:"feedback,omitempty"`
	Error      *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type transcription struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type tool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type sessionSettings struct {
	Instructions            string         `json:"instructions,omitempty"`
	Voice                   string         `json:"voice,omitempty"`
	Modalities              []string       `json:"modalities"`
	InputAudioFormat        string         `json:"input_audio_format"`
	OutputAudioFormat       string         `json:"output_audio_format"`
	InputAudioTranscription *transcription `json:"input_audio_transcription"`
	TurnDetection           *turnDetection `json:"turn_detection"`
	Tools                   []tool         `json:"tools,omitempty"`
}

type sessionUpdate struct {
	Type    string          `json:"type"`
	Session sessionSettings `json:"session"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []contentPart `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type itemCreate struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type bare struct {
	Type string `json:"type"`
}

// sessionUpdateMessage configures the remote session: instructions, voice,
// transcription of both parties and the completion tool.
func sessionUpdateMessage(instructions, voice string) []byte {
	raw, _ := json.Marshal(sessionUpdate{
		Type: "session.update",
		Session: sessionSettings{
			Instructions:            instructions,
			Voice:                   voice,
			Modalities:              []string{"audio", "text"},
			InputAudioFormat:        "g711_ulaw",
			OutputAudioFormat:       "g711_ulaw",
			InputAudioTranscription: &transcription{Model: "whisper-1"},
			TurnDetection:           &turnDetection{Type: "server_vad"},
			Tools: []tool{{
				Type:        "function",
				Name:        models.CompleteInterviewFunction,
				Description: models.CompleteInterviewDescription,
				Parameters:  models.FeedbackSchema,
			}},
		},
	})
	return raw
}

func userTextMessage(text string) []byte {
	raw, _ := json.Marshal(itemCreate{
		Type: "conversation.item.create",
		Item: conversationItem{Type: "message", Role: "user", Content: []contentPart{{Type: "input_text", Text: text}}},
	})
	return raw
}

func functionOutputMessage(callID, output string) []byte {
	raw, _ := json.Marshal(itemCreate{
		Type: "conversation.item.create",
		Item: conversationItem{Type: "function_call_output", CallID: callID, Output: output},
	})
	return raw
}

func bareMessage(typ string) []byte {
	raw, _ := json.Marshal(bare{Type: typ})
	return raw
}
