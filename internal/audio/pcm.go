package audio

import "encoding/binary"

func decodePCM16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/bytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

func encodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// ConvertPCM16 downmixes pcm to mono when the target is mono and resamples it
// with linear interpolation.
func ConvertPCM16(pcm []byte, from, to Format) ([]byte, error) {
	if len(pcm)%bytesPerSample != 0 {
		return nil, ErrOddLength
	}
	if err := from.Validate(); err != nil {
		return nil, err
	}
	if err := to.Validate(); err != nil {
		return nil, err
	}
	if from == to {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out, nil
	}

	samples := decodePCM16(pcm)
	frames := len(samples) / from.Channels
	mono := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < from.Channels; c++ {
			sum += float64(samples[i*from.Channels+c])
		}
		mono[i] = sum / float64(from.Channels)
	}

	resampled := resampleLinear(mono, from.SampleRate, to.SampleRate)
	out := make([]int16, len(resampled)*to.Channels)
	for i, v := range resampled {
		s := clamp16(v)
		for c := 0; c < to.Channels; c++ {
			out[i*to.Channels+c] = s
		}
	}
	return encodePCM16(out), nil
}

func resampleLinear(in []float64, fromRate, toRate int) []float64 {
	if fromRate == toRate || len(in) == 0 {
		return in
	}
	n := len(in) * toRate / fromRate
	out := make([]float64, n)
	step := float64(fromRate) / float64(toRate)
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(idx)
		out[i] = in[idx]*(1-frac) + in[idx+1]*frac
	}
	return out
}

func clamp16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
