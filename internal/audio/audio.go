package audio

import (
	"errors"
	"fmt"
	"time"
)

// FrameSamples is the number of samples delivered per capture read.
const FrameSamples = 1024

const bytesPerSample = 2

// DefaultFormat is the provider's pcm16 input format.
var DefaultFormat = Format{SampleRate: 24000, Channels: 1}

var ErrOddLength = errors.New("pcm16 data length must be even")

// Format describes signed 16-bit little-endian PCM.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", f.Channels)
	}
	return nil
}

func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * bytesPerSample
}

func (f Format) FrameBytes() int {
	return FrameSamples * f.Channels * bytesPerSample
}

func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

func (f Format) Bytes(d time.Duration) int {
	n := int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
	return n - n%(f.Channels*bytesPerSample)
}

// Source produces PCM frames in its Format. onFrame may be called from a
// device thread and must not block.
type Source interface {
	Format() Format
	Start(onFrame func(frame []byte)) error
	Stop() error
	Close() error
}

type SourceFactory func(format Format) (Source, error)
