package models

import "time"

// SessionStatus is a state of the client-side session state machine.
type SessionStatus string

const (
	StatusIdle             SessionStatus = "idle"
	StatusRequestingMic    SessionStatus = "requesting_mic"
	StatusTestingAPI       SessionStatus = "testing_api"
	StatusFetchingToken    SessionStatus = "fetching_token"
	StatusCreatingOffer    SessionStatus = "creating_offer"
	StatusExchangingSDP    SessionStatus = "exchanging_sdp"
	StatusConnectingWebRTC SessionStatus = "connecting_webrtc"
	StatusDataChannelOpen  SessionStatus = "data_channel_open"
	StatusActive           SessionStatus = "active"
	StatusPaused           SessionStatus = "paused"
	StatusError            SessionStatus = "error"
	StatusEnded            SessionStatus = "ended"
)

// Connecting reports whether s is one of the negotiation states between mic
// acquisition and data channel readiness.
func (s SessionStatus) Connecting() bool {
	switch s {
	case StatusRequestingMic, StatusTestingAPI, StatusFetchingToken, StatusCreatingOffer,
		StatusExchangingSDP, StatusConnectingWebRTC, StatusDataChannelOpen:
		return true
	}
	return false
}

// Difficulty is the interview seniority level.
type Difficulty string

const (
	DifficultyEntry  Difficulty = "entry"
	DifficultyMid    Difficulty = "mid"
	DifficultySenior Difficulty = "senior"
)

// ParseDifficulty returns the difficulty for s, defaulting to mid.
func ParseDifficulty(s string) Difficulty {
	switch Difficulty(s) {
	case DifficultyEntry, DifficultySenior:
		return Difficulty(s)
	}
	return DifficultyMid
}

// SessionMeta is the externally visible description of a session. It is
// mirrored to Redis so other processes can observe existence and status.
type SessionMeta struct {
	SessionID         string        `json:"session_id"`
	UserID            string        `json:"user_id"`
	JobRole           string        `json:"job_role"`
	Difficulty        Difficulty    `json:"difficulty"`
	SystemInstruction string        `json:"system_instruction,omitempty"`
	Status            SessionStatus `json:"status"`
	Node              string        `json:"node,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	LastActivity      time.Time     `json:"last_activity"`
}
