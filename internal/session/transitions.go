package session

import (
	"fmt"

	"github.com/aura-interview/voice-engine/internal/models"
)

// transitions lists the allowed next states. error -> active is the text
// fallback; ended has no successors.
var transitions = map[models.SessionStatus][]models.SessionStatus{
	models.StatusIdle:             {models.StatusRequestingMic, models.StatusEnded},
	models.StatusRequestingMic:    {models.StatusTestingAPI, models.StatusError, models.StatusPaused, models.StatusEnded},
	models.StatusTestingAPI:       {models.StatusFetchingToken, models.StatusError, models.StatusPaused, models.StatusEnded},
	models.StatusFetchingToken:    {models.StatusCreatingOffer, models.StatusError, models.StatusPaused, models.StatusEnded},
	models.StatusCreatingOffer:    {models.StatusExchangingSDP, models.StatusError, models.StatusPaused, models.StatusEnded},
	models.StatusExchangingSDP:    {models.StatusConnectingWebRTC, models.StatusError, models.StatusPaused, models.StatusEnded},
	models.StatusConnectingWebRTC: {models.StatusDataChannelOpen, models.StatusError, models.StatusPaused, models.StatusEnded},
	models.StatusDataChannelOpen:  {models.StatusActive, models.StatusError, models.StatusPaused, models.StatusEnded},
	models.StatusActive:           {models.StatusPaused, models.StatusError, models.StatusEnded},
	models.StatusPaused:           {models.StatusActive, models.StatusRequestingMic, models.StatusError, models.StatusEnded},
	models.StatusError:            {models.StatusRequestingMic, models.StatusActive, models.StatusEnded},
	models.StatusEnded:            nil,
}

// Transition validates moving from current to next.
func Transition(current, next models.SessionStatus) (models.SessionStatus, error) {
	allowed, ok := transitions[current]
	if !ok {
		return current, fmt.Errorf("unknown state %q", current)
	}
	for _, s := range allowed {
		if s == next {
			return next, nil
		}
	}
	return current, fmt.Errorf("invalid transition: %s -> %s", current, next)
}
