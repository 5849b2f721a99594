package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aura-interview/voice-engine/internal/audio"
)

// Kind classifies a session failure.
type Kind string

const (
	KindPermission  Kind = "permission"
	KindAuth        Kind = "auth"
	KindEntitlement Kind = "entitlement"
	KindRateLimit   Kind = "rate_limit"
	KindNetwork     Kind = "network"
	KindProtocol    Kind = "protocol"
	KindExhausted   Kind = "exhausted"
)

// Error codes surfaced to the session owner.
const (
	CodeMicPermission     = "microphone_permission_denied"
	CodeMicNotFound       = "microphone_not_found"
	CodeUnauthorized      = "unauthorized"
	CodeInsufficient      = "insufficient_credits"
	CodeRateLimited       = "rate_limited"
	CodeCredentialInvalid = "credential_malformed"
	CodeBadRequest        = "bad_request"
	CodeUnavailable       = "service_unavailable"
	CodeProbeFailed       = "probe_failed"
	CodeOfferFailed       = "offer_failed"
	CodeSDPExchange       = "sdp_exchange_failed"
	CodeConnectTimeout    = "connect_timeout"
	CodeTransportFailed   = "transport_failed"
	CodeChannelClosed     = "data_channel_closed"
	CodeNotRegistered     = "session_not_registered"
	CodeExhausted         = "retries_exhausted"
)

var (
	// ErrAlreadyStarted is returned by Start on a machine that is not idle.
	ErrAlreadyStarted = errors.New("session already started")
	// ErrEnded is returned by operations on an ended machine.
	ErrEnded = errors.New("session ended")
	// ErrNotActive is returned when sending while the session is not active.
	ErrNotActive = errors.New("session not active")
)

// Error is a classified session failure. Every terminal failure carries a
// machine-readable Code and a human-readable Message.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	Retryable  bool
	ResetAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, code, msg string, retryable bool, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Retryable: retryable, Err: cause}
}

// MicrophonePermissionError reports a denied microphone.
func MicrophonePermissionError(cause error) *Error {
	return newError(KindPermission, CodeMicPermission, "microphone access was denied", false, cause)
}

// MicrophoneNotFoundError reports a missing microphone.
func MicrophoneNotFoundError(cause error) *Error {
	return newError(KindPermission, CodeMicNotFound, "no microphone was found", false, cause)
}

func networkError(code, msg string, cause error) *Error {
	return newError(KindNetwork, code, msg, true, cause)
}

// Classify maps any error to an *Error. Unknown failures are retryable
// network errors.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, audio.ErrPermissionDenied):
		return MicrophonePermissionError(err)
	case errors.Is(err, audio.ErrDeviceNotFound):
		return MicrophoneNotFoundError(err)
	case errors.Is(err, context.DeadlineExceeded):
		return networkError(CodeConnectTimeout, "connection attempt timed out", err)
	}
	return networkError(CodeUnavailable, "the voice service is unreachable", err)
}

// IsRetryable reports whether err should feed the retry pipeline.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Retryable
}
