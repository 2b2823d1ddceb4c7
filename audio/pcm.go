package audio

import (
	"encoding/binary"
	"math"
)

// pcmScale maps int16 samples onto [-1, 1]. Using 32767 rather than 32768
// keeps +1.0 representable; -32768 maps slightly below -1.
const pcmScale = 32767

// PCM16ToBytes encodes samples as little-endian 16-bit PCM.
func PCM16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToPCM16 decodes little-endian 16-bit PCM. An odd trailing byte is
// discarded.
func BytesToPCM16(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

// PCM16ToFloat converts samples to floats in roughly [-1, 1].
func PCM16ToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / pcmScale
	}
	return out
}

// FloatToPCM16 converts floats to the nearest samples, clamping to [-1, 1]
// first.
func FloatToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, f := range samples {
		switch {
		case f > 1:
			f = 1
		case f < -1:
			f = -1
		case f != f: // NaN
			f = 0
		}
		out[i] = int16(math.Round(float64(f) * pcmScale))
	}
	return out
}
