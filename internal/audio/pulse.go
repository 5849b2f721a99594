package audio

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"

	"github.com/aura-interview/voice-engine/internal/models"
)

const appName = "interviewctl"

// Device describes one Pulse input source.
type Device struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Muted       bool   `json:"muted"`
	Default     bool   `json:"default"`
}

// ListDevices returns Pulse input sources.
func ListDevices(_ context.Context) ([]Device, error) {
	client, err := pulse.NewClient(pulse.ClientApplicationName(appName))
	if err != nil {
		return nil, classifyPulseError(err)
	}
	defer client.Close()

	defaultID := ""
	if src, err := client.DefaultSource(); err == nil {
		defaultID = src.ID()
	}

	var infos pulseproto.GetSourceInfoListReply
	if err := client.RawRequest(&pulseproto.GetSourceInfoList{}, &infos); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	devices := make([]Device, 0, len(infos))
	for _, info := range infos {
		if info == nil {
			continue
		}
		devices = append(devices, Device{
			ID:          info.SourceName,
			Description: info.Device,
			Muted:       info.Mute,
			Default:     info.SourceName == defaultID,
		})
	}
	return devices, nil
}

// PulseSource captures from a PulseAudio/PipeWire source.
type PulseSource struct {
	device string
	logger *zap.Logger

	mu      sync.Mutex
	client  *pulse.Client
	stream  *pulse.RecordStream
	onFrame FrameHandler
	pending []byte
	frame   []float32
	bytes   int

	enabled atomic.Bool
	closed  atomic.Bool
}

// NewPulseSource returns a source for device ("" or "default" selects the server default).
func NewPulseSource(device string, logger *zap.Logger) *PulseSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &PulseSource{device: device, logger: logger.With(zap.String("component", "pulse_source"))}
	s.enabled.Store(true)
	return s
}

// Start connects to the Pulse server and starts a record stream.
func (s *PulseSource) Start(_ context.Context, format models.AudioFormat, frameSamples int, onFrame FrameHandler) error {
	if s.closed.Load() {
		return io.ErrClosedPipe
	}
	client, err := pulse.NewClient(pulse.ClientApplicationName(appName))
	if err != nil {
		return classifyPulseError(err)
	}

	var source *pulse.Source
	if s.device == "" || s.device == "default" {
		source, err = client.DefaultSource()
	} else {
		source, err = client.SourceByID(s.device)
	}
	if err != nil {
		client.Close()
		return fmt.Errorf("%w: %s: %v", ErrDeviceNotFound, s.device, err)
	}

	s.mu.Lock()
	s.client = client
	s.onFrame = onFrame
	s.bytes = frameSamples * 2
	s.frame = make([]float32, 0, frameSamples)
	s.mu.Unlock()

	opts := []pulse.RecordOption{
		pulse.RecordSource(source),
		pulse.RecordSampleRate(format.SampleRate),
		pulse.RecordBufferFragmentSize(uint32(s.bytes)),
		pulse.RecordMediaName("interview microphone"),
		pulse.RecordMono,
	}
	stream, err := client.NewRecord(pulse.NewWriter(writerFunc(s.onPCM), pulseproto.FormatInt16LE), opts...)
	if err != nil {
		client.Close()
		return classifyPulseError(err)
	}
	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()
	stream.Start()
	s.logger.Info("capture started", zap.String("source", source.ID()), zap.Int("sample_rate", format.SampleRate))
	return nil
}

// SetEnabled stops or restarts the record stream.
func (s *PulseSource) SetEnabled(enabled bool) {
	if s.enabled.Swap(enabled) == enabled {
		return
	}
	s.mu.Lock()
	stream := s.stream
	if !enabled {
		s.pending = s.pending[:0]
	}
	s.mu.Unlock()
	if stream == nil {
		return
	}
	if enabled {
		stream.Start()
	} else {
		stream.Stop()
	}
}

// Close releases the stream and the server connection. Safe to call repeatedly.
func (s *PulseSource) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	stream, client := s.stream, s.client
	s.stream, s.client = nil, nil
	s.mu.Unlock()
	if stream != nil {
		stream.Stop()
		stream.Close()
	}
	if client != nil {
		client.Close()
	}
	return nil
}

func (s *PulseSource) onPCM(buf []byte) (int, error) {
	if s.closed.Load() {
		return 0, io.EOF
	}
	if !s.enabled.Load() {
		return len(buf), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, buf...)
	for s.bytes > 0 && len(s.pending) >= s.bytes {
		s.frame = Int16ToFloat(s.pending[:s.bytes], s.frame)
		s.pending = s.pending[s.bytes:]
		if s.onFrame != nil {
			s.onFrame(s.frame)
		}
	}
	return len(buf), nil
}

// writerFunc adapts a function to io.Writer for pulse.NewWriter.
type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) {
	return f(b)
}

func classifyPulseError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "access denied") || strings.Contains(msg, "permission") {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: connect pulse server: %v", ErrDeviceNotFound, err)
}
