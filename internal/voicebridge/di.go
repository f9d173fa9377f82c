package voicebridge

import (
	"context"

	"github.com/foxseedlab/intervista/internal/audio"
	"github.com/foxseedlab/intervista/internal/config"
	"github.com/foxseedlab/intervista/internal/discord"
	"github.com/foxseedlab/intervista/internal/session"
	"github.com/samber/do/v2"
)

type managerSessions struct {
	m *session.Manager
}

func (s managerSessions) StartNetworkSession(ctx context.Context) (Session, error) {
	e, err := s.m.StartSession(ctx, session.NetworkAudio)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s managerSessions) EndSession(ctx context.Context, id, reason string) error {
	return s.m.EndSession(ctx, id, reason)
}

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Bridge, error) {
		cfg := do.MustInvoke[*config.Config](i)
		dc := do.MustInvoke[discord.Client](i)
		newMixer := do.MustInvoke[audio.MixerFactory](i)
		m := do.MustInvoke[*session.Manager](i)
		return NewBridge(Config{
			GuildID:        cfg.DiscordGuildID,
			VoiceChannelID: cfg.DiscordVoiceChannelID,
			TextChannelID:  cfg.DiscordTextChannelID,
			Format:         audio.Format{SampleRate: cfg.SampleRate, Channels: 1},
		}, dc, newMixer, managerSessions{m: m}), nil
	})
}
