package audio

import (
	"context"
	"errors"

	"github.com/aura-interview/voice-engine/internal/models"
)

var (
	// ErrPermissionDenied is returned when the platform refuses microphone access.
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrDeviceNotFound is returned when no usable capture device exists.
	ErrDeviceNotFound = errors.New("microphone not found")
)

// FrameHandler receives one fixed-size block of float samples. The slice is
// reused by the source after the handler returns.
type FrameHandler func(frame []float32)

// Source is an exclusive microphone stream.
type Source interface {
	// Start acquires the device and begins delivering frames of frameSamples
	// samples. It returns once the device is live.
	Start(ctx context.Context, format models.AudioFormat, frameSamples int, onFrame FrameHandler) error
	// SetEnabled toggles the underlying track. A disabled source delivers nothing.
	SetEnabled(enabled bool)
	Close() error
}
