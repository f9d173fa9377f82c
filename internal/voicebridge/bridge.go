// Package voicebridge feeds a Discord voice channel into a network-audio
// session and relays the assistant's answers to a text channel.
package voicebridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxseedlab/intervista/internal/audio"
	"github.com/foxseedlab/intervista/internal/discord"
	"github.com/foxseedlab/intervista/internal/fanout"
	"github.com/foxseedlab/intervista/internal/realtime"
	"github.com/foxseedlab/intervista/internal/session"
)

const (
	pumpInterval   = 20 * time.Millisecond
	eventBuffer    = 64
	disconnectWait = 5 * time.Second
)

// Session is the part of a session engine the bridge drives.
type Session interface {
	ID() string
	AddAudio(pcm []byte) error
	Subscribe(buffer int) (<-chan fanout.Event, func())
	Done() <-chan struct{}
}

type Sessions interface {
	StartNetworkSession(ctx context.Context) (Session, error)
	EndSession(ctx context.Context, id, reason string) error
}

type Config struct {
	GuildID        string
	VoiceChannelID string
	TextChannelID  string
	Format         audio.Format
}

type Bridge struct {
	cfg      Config
	discord  discord.Client
	newMixer audio.MixerFactory
	sessions Sessions

	botUserID string
	// Only touched by the receive goroutine.
	speakers map[string]bool
}

func NewBridge(cfg Config, dc discord.Client, newMixer audio.MixerFactory, sessions Sessions) *Bridge {
	return &Bridge{
		cfg:      cfg,
		discord:  dc,
		newMixer: newMixer,
		sessions: sessions,
		speakers: make(map[string]bool),
	}
}

// Run joins the voice channel and streams it into a new session until ctx is
// cancelled or the session ends on its own.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.discord.Connect(ctx); err != nil {
		return fmt.Errorf("connect discord: %w", err)
	}
	defer func() {
		if err := b.discord.Close(); err != nil {
			slog.Warn("failed to close discord session", "error", err)
		}
	}()
	if id, err := b.discord.GetBotUserID(); err == nil {
		b.botUserID = id
	}

	voice, err := b.discord.JoinVoiceChannel(b.cfg.GuildID, b.cfg.VoiceChannelID)
	if err != nil {
		return fmt.Errorf("join voice channel: %w", err)
	}
	slog.Info("joined voice channel", "guild_id", b.cfg.GuildID, "channel_id", b.cfg.VoiceChannelID)

	sess, err := b.sessions.StartNetworkSession(ctx)
	if err != nil {
		_ = voice.Disconnect()
		b.post(fmt.Sprintf("Could not start the interview assistant: %v", err))
		return fmt.Errorf("start session: %w", err)
	}
	b.post("Interview assistant is listening.")

	mixer := b.newMixer()
	events, cancelEvents := sess.Subscribe(eventBuffer)
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		b.relay(events)
	}()

	receiveDone := make(chan struct{})
	go func() {
		defer close(receiveDone)
		voice.ReceiveAudio(func(userID string, packet []byte) {
			if b.ignoreSpeaker(userID) {
				return
			}
			mixer.WriteOpusPacket(userID, packet)
		})
	}()

	reason := b.pump(ctx, sess, mixer)

	endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectWait)
	defer cancel()
	endErr := b.sessions.EndSession(endCtx, sess.ID(), reason)
	cancelEvents()
	<-relayDone
	if err := voice.Disconnect(); err != nil {
		slog.Warn("failed to disconnect voice", "error", err)
	}
	select {
	case <-receiveDone:
	case <-endCtx.Done():
		slog.Warn("voice receive loop did not stop in time")
	}
	mixer.Close()
	b.post(session.StopReasonDetail(reason))
	return endErr
}

// pump moves mixed audio into the session every 20ms and returns the stop
// reason once it should end.
func (b *Bridge) pump(ctx context.Context, sess Session, mixer audio.Mixer) string {
	ticker := time.NewTicker(pumpInterval)
	defer ticker.Stop()
	buf := make([]byte, 16384)
	for {
		select {
		case <-ctx.Done():
			return session.StopReasonShutdown
		case <-sess.Done():
			return session.StopReasonConnectionFailed
		case <-ticker.C:
			if err := b.forward(sess, mixer, buf); errors.Is(err, session.ErrSessionClosed) {
				return session.StopReasonConnectionFailed
			}
		}
	}
}

func (b *Bridge) forward(sess Session, mixer audio.Mixer, buf []byte) error {
	n, err := mixer.ReadMixedPCM(buf)
	if err != nil {
		slog.Warn("failed to read mixed audio", "error", err)
		return nil
	}
	if n == 0 {
		return nil
	}
	pcm, err := audio.ConvertPCM16(buf[:n], mixer.Format(), b.cfg.Format)
	if err != nil {
		slog.Warn("failed to convert mixed audio", "error", err)
		return nil
	}
	err = sess.AddAudio(pcm)
	switch {
	case err == nil:
	case errors.Is(err, realtime.ErrNotConnected):
		slog.Debug("audio buffered while realtime connection is down", "bytes", len(pcm))
	default:
		slog.Warn("failed to add audio to session", "error", err, "session_id", sess.ID())
	}
	return err
}

// ignoreSpeaker filters out bots, including this one.
func (b *Bridge) ignoreSpeaker(userID string) bool {
	if userID == b.botUserID {
		return true
	}
	if ignored, known := b.speakers[userID]; known {
		return ignored
	}
	participants, err := b.discord.ListVoiceChannelParticipants(b.cfg.GuildID, b.cfg.VoiceChannelID)
	if err != nil {
		slog.Warn("failed to list voice participants", "error", err)
	}
	for _, p := range participants {
		b.speakers[p.UserID] = p.IsBot
	}
	if _, known := b.speakers[userID]; !known {
		// SSRC not yet mapped to a user; treat as a human speaker.
		b.speakers[userID] = false
	}
	return b.speakers[userID]
}

func (b *Bridge) relay(events <-chan fanout.Event) {
	for ev := range events {
		switch ev.Kind {
		case fanout.KindResponse:
			b.post(ev.Text)
		case fanout.KindError:
			if ev.Fatal {
				b.post("Assistant stopped: " + ev.Text)
				continue
			}
			slog.Warn("session error", "message", ev.Text)
		case fanout.KindTranscription:
			slog.Info("interviewer question transcribed", "text", ev.Text)
		}
	}
}

func (b *Bridge) post(content string) {
	if b.cfg.TextChannelID == "" || content == "" {
		return
	}
	if err := b.discord.SendChannelMessage(b.cfg.TextChannelID, content); err != nil {
		slog.Warn("failed to post to discord text channel", "error", err, "channel_id", b.cfg.TextChannelID)
	}
}
