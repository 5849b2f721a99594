package audio

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/aura-interview/voice-engine/internal/models"
)

// DefaultFrameSamples is one 100 ms block at 16 kHz.
const DefaultFrameSamples = 1600

// ErrPipelineClosed is returned by Start after Close.
var ErrPipelineClosed = errors.New("audio pipeline closed")

// Pipeline turns a Source into a latest-frame PCM16 buffer. Older frames are
// overwritten, so callers must poll GetBuffer about once per frame.
type Pipeline struct {
	source       Source
	format       models.AudioFormat
	frameSamples int
	meter        *LevelMeter
	logger       *zap.Logger

	mu        sync.Mutex
	latest    []byte
	fresh     bool
	started   bool
	muted     bool
	suspended bool
	closed    bool
	frames    uint64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithFormat overrides the capture format.
func WithFormat(f models.AudioFormat) Option {
	return func(p *Pipeline) { p.format = f }
}

// WithFrameSamples overrides the processing block size.
func WithFrameSamples(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.frameSamples = n
		}
	}
}

// WithMeter replaces the default level meter.
func WithMeter(m *LevelMeter) Option {
	return func(p *Pipeline) { p.meter = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPipeline wraps source. Capture does not begin until Start.
func NewPipeline(source Source, opts ...Option) *Pipeline {
	p := &Pipeline{
		source:       source,
		format:       models.DefaultAudioFormat,
		frameSamples: DefaultFrameSamples,
		meter:        NewLevelMeter(0.02, 3),
		logger:       zap.NewNop(),
	}
	for _, o := range opts {
		o(p)
	}
	p.logger = p.logger.With(zap.String("component", "audio_pipeline"))
	return p
}

// Format returns the fixed capture format.
func (p *Pipeline) Format() models.AudioFormat { return p.format }

// Start acquires the microphone. It returns ErrPermissionDenied or
// ErrDeviceNotFound (wrapped) when the platform refuses.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPipelineClosed
	}
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.mu.Unlock()

	if err := p.source.Start(ctx, p.format, p.frameSamples, p.onFrame); err != nil {
		p.mu.Lock()
		p.started = false
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *Pipeline) onFrame(frame []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.muted || p.suspended {
		return
	}
	p.meter.Observe(frame)
	p.latest = EncodePCM16(frame)
	p.fresh = true
	p.frames++
}

// GetBuffer returns a copy of the most recent frame, or nil when no frame has
// arrived since the last call.
func (p *Pipeline) GetBuffer() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.fresh || p.closed {
		return nil
	}
	p.fresh = false
	out := make([]byte, len(p.latest))
	copy(out, p.latest)
	return out
}

// SetMuted disables the capture track; a muted pipeline produces no frames.
func (p *Pipeline) SetMuted(muted bool) {
	p.mu.Lock()
	p.muted = muted
	if muted {
		p.fresh = false
	}
	enabled := !p.muted && !p.suspended
	p.mu.Unlock()
	p.source.SetEnabled(enabled)
}

// Muted reports the mute state.
func (p *Pipeline) Muted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted
}

// Suspend stops capture without releasing the device.
func (p *Pipeline) Suspend() {
	p.mu.Lock()
	p.suspended = true
	p.fresh = false
	p.mu.Unlock()
	p.source.SetEnabled(false)
	p.meter.Reset()
}

// Resume restarts capture after Suspend, honouring mute.
func (p *Pipeline) Resume() {
	p.mu.Lock()
	p.suspended = false
	enabled := !p.muted
	p.mu.Unlock()
	p.source.SetEnabled(enabled)
}

// Level returns the latest metering sample.
func (p *Pipeline) Level() Level {
	return p.meter.Last()
}

// Frames returns how many frames have been encoded.
func (p *Pipeline) Frames() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames
}

// Close releases the microphone. Safe to call multiple times.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.latest = nil
	p.fresh = false
	p.mu.Unlock()

	err := p.source.Close()
	if err != nil {
		p.logger.Warn("close audio source", zap.Error(err))
	}
	p.meter.Reset()
	return err
}
