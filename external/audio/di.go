package audio

import (
	"github.com/foxseedlab/intervista/internal/audio"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.ProvideValue(injector, audio.MixerFactory(NewOpusMixer))
	do.ProvideValue(injector, audio.SourceFactory(NewMicrophoneSource))
}
