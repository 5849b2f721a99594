package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SessionMode records whether a session ran over realtime media or degraded to text.
type SessionMode string

const (
	ModeRealtime SessionMode = "realtime"
	ModeText     SessionMode = "text"
)

// CompleteInterviewFunction is the tool name the model calls to finish an interview.
const CompleteInterviewFunction = "complete_interview"

// CompleteInterviewDescription describes CompleteInterviewFunction to the model.
const CompleteInterviewDescription = "End the interview and return structured feedback for the candidate."

// FeedbackSchema is the JSON schema of the complete_interview arguments.
var FeedbackSchema = json.RawMessage(`{"type":"object","properties":{` +
	`"overall_score":{"type":"integer","description":"Score from 1 to 10"},` +
	`"strengths":{"type":"array","items":{"type":"string"}},` +
	`"improvements":{"type":"array","items":{"type":"string"}},` +
	`"summary":{"type":"string"}},"required":["overall_score","summary"]}`)

// CompletionPayload is the session-completion signal handed to the owning application.
type CompletionPayload struct {
	SessionID  string            `json:"session_id"`
	UserID     string            `json:"user_id"`
	JobRole    string            `json:"job_role"`
	Difficulty Difficulty        `json:"difficulty"`
	Mode       SessionMode       `json:"mode"`
	Feedback   json.RawMessage   `json:"feedback"`
	Transcript []TranscriptEntry `json:"transcript"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	EndedAt    time.Time         `json:"ended_at"`
}

// InterviewResult is a stored completion.
type InterviewResult struct {
	ID            uuid.UUID         `json:"id"`
	SessionID     string            `json:"session_id"`
	UserID        string            `json:"user_id"`
	JobRole       string            `json:"job_role"`
	Difficulty    Difficulty        `json:"difficulty"`
	Mode          SessionMode       `json:"mode"`
	Feedback      json.RawMessage   `json:"feedback"`
	Transcript    []TranscriptEntry `json:"transcript"`
	TranscriptURL *string           `json:"transcript_url,omitempty"`
	TurnCount     int               `json:"turn_count"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	EndedAt       time.Time         `json:"ended_at"`
	CreatedAt     time.Time         `json:"created_at"`
}
