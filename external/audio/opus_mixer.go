//go:build opus

package audio

import (
	"encoding/binary"
	"log/slog"
	"sync"

	"github.com/foxseedlab/intervista/internal/audio"
	"github.com/hraban/opus"
)

const (
	sampleRate      = 48000
	channels        = 2
	frameSizeMs     = 20
	samplesPerFrame = sampleRate * frameSizeMs * channels / 1000
	// About one second of audio per speaker.
	maxQueuedFrames = 1000 / frameSizeMs
)

var mixerFormat = audio.Format{SampleRate: sampleRate, Channels: channels}

// OpusMixer decodes one opus stream per speaker and sums the decoded frames.
type OpusMixer struct {
	mu       sync.Mutex
	speakers map[string]*speakerStream
	closed   bool
}

type speakerStream struct {
	dec     *opus.Decoder
	frames  [][]int16
	dropped int
}

func (s *speakerStream) push(frame []int16) {
	if len(s.frames) >= maxQueuedFrames {
		s.frames = s.frames[1:]
		s.dropped++
	}
	s.frames = append(s.frames, frame)
}

func (s *speakerStream) pop() ([]int16, bool) {
	if len(s.frames) == 0 {
		return nil, false
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, true
}

func NewOpusMixer() audio.Mixer {
	return &OpusMixer{speakers: make(map[string]*speakerStream)}
}

func (m *OpusMixer) Format() audio.Format {
	return mixerFormat
}

func (m *OpusMixer) WriteOpusPacket(speakerID string, packet []byte) {
	if len(packet) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	sp, ok := m.speakers[speakerID]
	if !ok {
		dec, err := opus.NewDecoder(sampleRate, channels)
		if err != nil {
			slog.Warn("failed to create opus decoder", "error", err, "speaker_id", speakerID)
			return
		}
		sp = &speakerStream{dec: dec}
		m.speakers[speakerID] = sp
	}
	pcm := make([]int16, samplesPerFrame)
	n, err := sp.dec.Decode(packet, pcm)
	if err != nil {
		slog.Debug("dropping undecodable opus packet", "error", err, "speaker_id", speakerID)
		return
	}
	if n <= 0 {
		return
	}
	total := min(n*channels, samplesPerFrame)
	sp.push(append([]int16(nil), pcm[:total]...))
}

// ReadMixedPCM writes at most one 20ms mixed frame into buf and returns the
// number of bytes written, or 0 when no speaker has audio queued.
func (m *OpusMixer) ReadMixedPCM(buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || !m.hasQueuedFrames() {
		return 0, nil
	}
	mixed := make([]int32, samplesPerFrame)
	for _, sp := range m.speakers {
		frame, ok := sp.pop()
		if !ok {
			continue
		}
		for i := 0; i < len(frame); i++ {
			mixed[i] += int32(frame[i])
		}
	}
	n := min(len(buf)/2, samplesPerFrame)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(clampPCM(mixed[i])))
	}
	return n * 2, nil
}

func (m *OpusMixer) hasQueuedFrames() bool {
	for _, sp := range m.speakers {
		if len(sp.frames) > 0 {
			return true
		}
	}
	return false
}

func clampPCM(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

func (m *OpusMixer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for id, sp := range m.speakers {
		if sp.dropped > 0 {
			slog.Warn("opus mixer dropped frames for slow speaker", "speaker_id", id, "frames", sp.dropped)
		}
	}
	m.speakers = nil
}
