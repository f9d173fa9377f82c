package audio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/foxseedlab/intervista/internal/audio"
	"github.com/gen2brain/malgo"
)

// MicrophoneSource captures pcm16 from the default input device and delivers
// it in frames of audio.FrameSamples samples.
type MicrophoneSource struct {
	format audio.Format
	ctx    *malgo.AllocatedContext
	device *malgo.Device

	// lifeMu orders Start, Stop and Close. The data callback never takes it.
	lifeMu sync.Mutex

	mu      sync.Mutex
	onFrame func([]byte)
	pending []byte
}

func NewMicrophoneSource(format audio.Format) (audio.Source, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		slog.Debug("malgo", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}

	s := &MicrophoneSource{format: format, ctx: ctx}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(format.Channels)
	cfg.Alsa.NoMMap = 1
	cfg.PerformanceProfile = malgo.LowLatency
	cfg.PeriodSizeInFrames = audio.FrameSamples
	bytesPerFrame := malgo.SampleSizeInBytes(malgo.FormatS16) * format.Channels

	s.device, err = malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			if n == 0 || len(input) < n {
				return
			}
			s.deliver(input[:n])
		},
	})
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("failed to initialize capture device: %w", err)
	}
	return s, nil
}

func (s *MicrophoneSource) Format() audio.Format {
	return s.format
}

// deliver re-chunks device periods into fixed-size frames. It runs on the
// device thread.
func (s *MicrophoneSource) deliver(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onFrame == nil {
		return
	}
	frameBytes := s.format.FrameBytes()
	s.pending = append(s.pending, data...)
	for len(s.pending) >= frameBytes {
		s.onFrame(s.pending[:frameBytes])
		s.pending = s.pending[frameBytes:]
	}
	if len(s.pending) == 0 {
		s.pending = nil
	}
}

func (s *MicrophoneSource) Start(onFrame func([]byte)) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		return fmt.Errorf("device not initialized")
	}
	if s.device.IsStarted() {
		return nil
	}
	s.onFrame = onFrame
	s.pending = nil
	if err := s.device.Start(); err != nil {
		s.onFrame = nil
		return fmt.Errorf("failed to start capture device: %w", err)
	}
	return nil
}

func (s *MicrophoneSource) Stop() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	s.mu.Lock()
	device := s.device
	s.mu.Unlock()
	if device == nil || !device.IsStarted() {
		return nil
	}
	// Stop waits for the data callback, which takes s.mu.
	if err := device.Stop(); err != nil {
		return fmt.Errorf("failed to stop capture device: %w", err)
	}
	s.mu.Lock()
	s.onFrame = nil
	s.pending = nil
	s.mu.Unlock()
	return nil
}

func (s *MicrophoneSource) Close() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	s.mu.Lock()
	device := s.device
	s.mu.Unlock()
	if device != nil && device.IsStarted() {
		_ = device.Stop()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device != nil {
		s.device.Uninit()
		s.device = nil
	}
	if s.ctx != nil {
		_ = s.ctx.Uninit()
		s.ctx.Free()
		s.ctx = nil
	}
	s.onFrame = nil
	return nil
}
