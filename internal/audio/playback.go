package audio

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/jfreymuth/pulse"
	"go.uber.org/zap"
)

// maxQueuedSeconds caps buffered speech; older samples are dropped on overflow.
const maxQueuedSeconds = 30

// Speaker plays 16-bit mono PCM through the Pulse server. Writes queue
// samples; the playback stream drains them and plays silence when idle.
type Speaker struct {
	rate   int
	logger *zap.Logger

	mu     sync.Mutex
	queue  []int16
	closed bool

	client *pulse.Client
	stream *pulse.PlaybackStream
}

// NewSpeaker opens a playback stream at sampleRate.
func NewSpeaker(sampleRate int, logger *zap.Logger) (*Speaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Speaker{rate: sampleRate, logger: logger.With(zap.String("component", "pulse_speaker"))}
	client, err := pulse.NewClient(pulse.ClientApplicationName(appName))
	if err != nil {
		return nil, fmt.Errorf("connect pulse server: %w", err)
	}
	stream, err := client.NewPlayback(
		pulse.Int16Reader(s.read),
		pulse.PlaybackMono,
		pulse.PlaybackSampleRate(sampleRate),
		pulse.PlaybackLatency(0.1),
		pulse.PlaybackMediaName("interviewer voice"),
	)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("create pulse playback stream: %w", err)
	}
	s.client, s.stream = client, stream
	stream.Start()
	return s, nil
}

// Write queues little-endian PCM16 for playback.
func (s *Speaker) Write(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		s.queue = append(s.queue, int16(binary.LittleEndian.Uint16(pcm[i:])))
	}
	if limit := s.rate * maxQueuedSeconds; s.rate > 0 && len(s.queue) > limit {
		s.queue = s.queue[len(s.queue)-limit:]
	}
}

// Flush drops queued speech, e.g. after the user interrupts.
func (s *Speaker) Flush() {
	s.mu.Lock()
	s.queue = s.queue[:0]
	s.mu.Unlock()
}

func (s *Speaker) read(buf []int16) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, pulse.EndOfData
	}
	n := copy(buf, s.queue)
	s.queue = s.queue[n:]
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return len(buf), nil
}

// Close stops playback. Safe to call repeatedly.
func (s *Speaker) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	if s.stream != nil {
		s.stream.Stop()
		s.stream.Close()
		if err := s.stream.Error(); err != nil {
			s.logger.Debug("playback stream error", zap.Error(err))
		}
	}
	if s.client != nil {
		s.client.Close()
	}
	return nil
}
