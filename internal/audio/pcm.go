// Package audio captures microphone input, meters it, and encodes it into the
// PCM and μ-law framings the realtime transports expect.
package audio

import (
	"encoding/binary"
	"math"
)

// EncodePCM16 converts float samples to 16-bit signed little-endian PCM.
// Samples are clamped to [-1, 1] before scaling; negative values scale by
// 0x8000 and positive by 0x7FFF so both extremes are representable.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		var v int16
		if s < 0 {
			v = int16(s * 0x8000)
		} else {
			v = int16(s * 0x7FFF)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// DecodePCM16 converts 16-bit little-endian PCM to float samples in [-1, 1).
func DecodePCM16(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(v) / 32768
	}
	return out
}

// Int16ToFloat converts raw capture samples into the float domain.
func Int16ToFloat(pcm []byte, dst []float32) []float32 {
	n := len(pcm) / 2
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	for i := 0; i < n; i++ {
		dst[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return dst
}

// RMS returns the root-mean-square energy of 16-bit PCM, in [0, 1].
func RMS(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		n := float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) / 32768
		sum += n * n
	}
	return math.Sqrt(sum / float64(samples))
}

// Peak returns the maximum absolute amplitude of 16-bit PCM, in [0, 1].
func Peak(pcm []byte) float64 {
	var maxAbs float64
	for i := 0; i+1 < len(pcm); i += 2 {
		// float64 avoids overflow negating -32768
		abs := math.Abs(float64(int16(binary.LittleEndian.Uint16(pcm[i:]))))
		if abs > maxAbs {
			maxAbs = abs
		}
	}
	return maxAbs / 32768
}
