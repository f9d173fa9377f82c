package audio

// Mixer decodes per-speaker opus packets and mixes them into one pcm16 stream.
type Mixer interface {
	Format() Format
	WriteOpusPacket(speakerID string, opus []byte)
	ReadMixedPCM(buf []byte) (int, error)
	Close()
}

type MixerFactory func() Mixer
