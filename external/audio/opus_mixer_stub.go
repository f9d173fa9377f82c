//go:build !opus

package audio

import (
	"log/slog"

	"github.com/foxseedlab/intervista/internal/audio"
)

// noopMixer stands in when the binary is built without libopus. It accepts
// packets and never produces audio.
type noopMixer struct{}

func NewOpusMixer() audio.Mixer {
	slog.Warn("built without opus support; discord audio will be ignored (rebuild with -tags opus)")
	return &noopMixer{}
}

func (m *noopMixer) Format() audio.Format {
	return audio.Format{SampleRate: 48000, Channels: 2}
}

func (m *noopMixer) WriteOpusPacket(_ string, _ []byte) {}

func (m *noopMixer) ReadMixedPCM(_ []byte) (int, error) {
	return 0, nil
}

func (m *noopMixer) Close() {}
