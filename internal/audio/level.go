package audio

import (
	"math"
	"sync"
)

// Level is one metering sample.
type Level struct {
	RMS      float64 `json:"rms"`
	Peak     float64 `json:"peak"`
	Speaking bool    `json:"speaking"`
}

// LevelMeter tracks signal level and a coarse voice-activity flag using an
// energy threshold with hangover, so short pauses between words do not flap.
type LevelMeter struct {
	mu        sync.Mutex
	threshold float64
	hangover  int
	quiet     int
	last      Level
}

// NewLevelMeter creates a meter. threshold is an RMS level in [0, 1];
// hangover is the number of quiet frames tolerated before speech ends.
func NewLevelMeter(threshold float64, hangover int) *LevelMeter {
	if threshold <= 0 {
		threshold = 0.02
	}
	if hangover < 0 {
		hangover = 0
	}
	return &LevelMeter{threshold: threshold, hangover: hangover}
}

// Observe meters one float frame.
func (m *LevelMeter) Observe(frame []float32) Level {
	var sum, peak float64
	for _, s := range frame {
		v := float64(s)
		sum += v * v
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	rms := 0.0
	if len(frame) > 0 {
		rms = math.Sqrt(sum / float64(len(frame)))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	speaking := m.last.Speaking
	if rms >= m.threshold {
		speaking = true
		m.quiet = 0
	} else if speaking {
		m.quiet++
		if m.quiet > m.hangover {
			speaking = false
			m.quiet = 0
		}
	}
	m.last = Level{RMS: rms, Peak: math.Min(peak, 1), Speaking: speaking}
	return m.last
}

// Last returns the most recent level.
func (m *LevelMeter) Last() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Reset clears level and activity state.
func (m *LevelMeter) Reset() {
	m.mu.Lock()
	m.last = Level{}
	m.quiet = 0
	m.mu.Unlock()
}
