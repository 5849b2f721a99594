package audio

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleAt(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*2:]))
}

func TestEncodePCM16Clamps(t *testing.T) {
	pcm := EncodePCM16([]float32{0, 1, -1, 2.5, -7, 0.5})
	require.Len(t, pcm, 12)

	assert.Equal(t, int16(0), sampleAt(pcm, 0))
	assert.Equal(t, int16(0x7FFF), sampleAt(pcm, 1))
	assert.Equal(t, int16(-0x8000), sampleAt(pcm, 2))
	assert.Equal(t, int16(0x7FFF), sampleAt(pcm, 3))
	assert.Equal(t, int16(-0x8000), sampleAt(pcm, 4))
	assert.Equal(t, int16(16383), sampleAt(pcm, 5))
}

func TestDecodePCM16(t *testing.T) {
	samples := DecodePCM16(EncodePCM16([]float32{-1, 0, 0.25}))
	require.Len(t, samples, 3)
	assert.Equal(t, float32(-1), samples[0])
	assert.Equal(t, float32(0), samples[1])
	assert.InDelta(t, 0.25, samples[2], 0.001)
}

func TestRMSAndPeak(t *testing.T) {
	assert.Zero(t, RMS(nil))
	assert.Zero(t, Peak(nil))

	pcm := EncodePCM16([]float32{1, -1, 1, -1})
	assert.InDelta(t, 1.0, RMS(pcm), 0.001)
	assert.InDelta(t, 1.0, Peak(pcm), 0.001)

	quiet := EncodePCM16([]float32{0.1, -0.1})
	assert.InDelta(t, 0.1, RMS(quiet), 0.001)
}

func TestMuLawRoundTrip(t *testing.T) {
	pcm := EncodePCM16([]float32{0, 0.5, -0.5, 0.01, -0.9})
	back := DecodeMuLaw(EncodeMuLaw(pcm))
	require.Len(t, back, len(pcm))
	for i := 0; i < len(pcm)/2; i++ {
		want := float64(sampleAt(pcm, i))
		got := float64(sampleAt(back, i))
		// μ-law keeps roughly 3% relative precision
		assert.InDelta(t, want, got, 0.04*abs(want)+16, "sample %d", i)
	}
}

func TestDownsample2(t *testing.T) {
	pcm := EncodePCM16([]float32{0.5, 0.5, -0.5, -0.5, 0.25})
	out := Downsample2(pcm)
	require.Len(t, out, 4)
	assert.Equal(t, sampleAt(pcm, 0), sampleAt(out, 0))
	assert.Equal(t, sampleAt(pcm, 2), sampleAt(out, 1))
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
