package audio

import (
	"encoding/binary"
	"math"
)

// RMS computes the root-mean-square energy of a little-endian PCM16 sample
// block, normalised to [0, 1]. An empty or odd-length block yields 0.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[2*i:]))
		f := float64(s) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(n))
}
