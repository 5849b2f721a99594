package audio

import "encoding/binary"

const (
	muLawBias = 0x84
	muLawClip = 32635
)

// Downsample2 halves the sample rate of 16-bit PCM by averaging adjacent pairs.
// Used to turn 16 kHz capture into the 8 kHz PCMU track.
func Downsample2(pcm []byte) []byte {
	n := len(pcm) / 4
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		a := int32(int16(binary.LittleEndian.Uint16(pcm[i*4:])))
		b := int32(int16(binary.LittleEndian.Uint16(pcm[i*4+2:])))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16((a+b)/2)))
	}
	return out
}

// EncodeMuLaw converts 16-bit PCM to G.711 μ-law, one byte per sample.
func EncodeMuLaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		out[i] = linearToMuLaw(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}

// DecodeMuLaw converts G.711 μ-law to 16-bit PCM.
func DecodeMuLaw(ulaw []byte) []byte {
	out := make([]byte, len(ulaw)*2)
	for i, u := range ulaw {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(muLawToLinear(u)))
	}
	return out
}

func linearToMuLaw(sample int16) byte {
	s := int32(sample)
	sign := byte(0)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > muLawClip {
		s = muLawClip
	}
	s += muLawBias

	exponent := byte(7)
	for mask := int32(0x4000); s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (uint(exponent) + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}

func muLawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F
	s := ((int32(mantissa) << 3) + muLawBias) << exponent
	s -= muLawBias
	if sign != 0 {
		return int16(-s)
	}
	return int16(s)
}
