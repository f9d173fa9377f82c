package config

import (
	"fmt"
	"time"
)

const (
	AudioSourceMicrophone = "microphone"
	AudioSourceDiscord    = "discord"
)

type Config struct {
	Env                      string
	OpenAIAPIKey             string
	RealtimeURL              string
	TranscriptionModel       string
	SystemPrompt             string
	GreetingPrompt           string
	AudioSource              string
	SampleRate               int
	VADThreshold             float32
	VADPauseDuration         time.Duration
	VADMinCommitInterval     time.Duration
	VADMinUtteranceBytes     int
	ExternalAudioMinBuffered time.Duration
	MaxReconnectAttempts     int
	ReconnectBackoffCap      time.Duration
	ConnectWait              time.Duration
	ShutdownTimeout          time.Duration
	SessionIdleTimeout       time.Duration
	ReaperInterval           time.Duration
	DatabaseURL              string
	SessionWebhookURL        string
	DiscordToken             string
	DiscordGuildID           string
	DiscordVoiceChannelID    string
	DiscordTextChannelID     string
	MetricsAddr              string
}

func (c *Config) Validate() error {
	for _, req := range c.requiredFieldChecks() {
		if req.value == "" {
			return fmt.Errorf("%s is required", req.name)
		}
	}
	switch c.AudioSource {
	case AudioSourceMicrophone:
	case AudioSourceDiscord:
		for _, req := range c.discordFieldChecks() {
			if req.value == "" {
				return fmt.Errorf("%s is required when AUDIO_SOURCE=discord", req.name)
			}
		}
	default:
		return fmt.Errorf("AUDIO_SOURCE must be %q or %q, got %q", AudioSourceMicrophone, AudioSourceDiscord, c.AudioSource)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("AUDIO_SAMPLE_RATE must be positive, got %d", c.SampleRate)
	}
	if c.VADThreshold < 0 {
		return fmt.Errorf("VAD_SILENCE_THRESHOLD must not be negative, got %v", c.VADThreshold)
	}
	if c.VADMinUtteranceBytes < 0 {
		return fmt.Errorf("VAD_MIN_UTTERANCE_BYTES must not be negative, got %d", c.VADMinUtteranceBytes)
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("MAX_RECONNECT_ATTEMPTS must not be negative, got %d", c.MaxReconnectAttempts)
	}
	for _, d := range c.positiveDurationChecks() {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.value)
		}
	}
	return nil
}

type requiredEnvField struct {
	name  string
	value string
}

func (c *Config) requiredFieldChecks() []requiredEnvField {
	return []requiredEnvField{
		{name: "OPENAI_API_KEY", value: c.OpenAIAPIKey},
		{name: "REALTIME_URL", value: c.RealtimeURL},
	}
}

func (c *Config) discordFieldChecks() []requiredEnvField {
	return []requiredEnvField{
		{name: "DISCORD_TOKEN", value: c.DiscordToken},
		{name: "DISCORD_GUILD_ID", value: c.DiscordGuildID},
		{name: "DISCORD_VOICE_CHANNEL_ID", value: c.DiscordVoiceChannelID},
	}
}

type durationField struct {
	name  string
	value time.Duration
}

func (c *Config) positiveDurationChecks() []durationField {
	return []durationField{
		{name: "VAD_PAUSE_DURATION", value: c.VADPauseDuration},
		{name: "EXTERNAL_AUDIO_MIN_BUFFERED", value: c.ExternalAudioMinBuffered},
		{name: "RECONNECT_BACKOFF_CAP", value: c.ReconnectBackoffCap},
		{name: "CONNECT_WAIT", value: c.ConnectWait},
		{name: "SHUTDOWN_TIMEOUT", value: c.ShutdownTimeout},
		{name: "SESSION_IDLE_TIMEOUT", value: c.SessionIdleTimeout},
		{name: "REAPER_INTERVAL", value: c.ReaperInterval},
	}
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}
