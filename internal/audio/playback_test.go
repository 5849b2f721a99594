package audio

import (
	"testing"

	"github.com/jfreymuth/pulse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpeakerQueueDrainsThenSilence(t *testing.T) {
	s := &Speaker{rate: 8000}
	s.Write(EncodePCM16([]float32{0.5, -0.5, 0.25}))

	buf := make([]int16, 5)
	n, err := s.read(buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.NotZero(t, buf[0])
	assert.Less(t, buf[1], int16(0))
	assert.Equal(t, []int16{0, 0}, buf[3:])

	n, err = s.read(buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, make([]int16, 5), buf)
}

func TestSpeakerFlushAndClose(t *testing.T) {
	s := &Speaker{rate: 8000}
	s.Write(EncodePCM16([]float32{0.5, 0.5}))
	s.Flush()
	buf := make([]int16, 2)
	_, _ = s.read(buf)
	assert.Equal(t, []int16{0, 0}, buf)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	s.Write(EncodePCM16([]float32{0.5}))
	_, err := s.read(buf)
	assert.ErrorIs(t, err, pulse.EndOfData)
}

func TestSpeakerQueueBounded(t *testing.T) {
	s := &Speaker{rate: 1}
	s.Write(make([]byte, 2*(maxQueuedSeconds+10)))
	assert.Len(t, s.queue, maxQueuedSeconds)
}
