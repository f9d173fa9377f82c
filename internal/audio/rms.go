package audio

import (
	"encoding/binary"
	"math"
)

// RMS returns the root-mean-square amplitude of pcm16 samples. A trailing odd
// byte is ignored. Empty input and NaN results yield 0.
func RMS(frame []byte) float32 {
	n := len(frame) / bytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(frame[i*2:])))
		sum += s * s
	}
	v := math.Sqrt(sum / float64(n))
	if math.IsNaN(v) {
		return 0
	}
	return float32(v)
}
