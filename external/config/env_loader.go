package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	internalconfig "github.com/foxseedlab/intervista/internal/config"
)

const defaultSystemPrompt = "You are an AI assistant for job interviews, specialized in questions for software engineers. Respond concisely and structured."

type envConfig struct {
	Env                      string        `env:"ENV" envDefault:"production"`
	OpenAIAPIKey             string        `env:"OPENAI_API_KEY,required"`
	RealtimeURL              string        `env:"REALTIME_URL" envDefault:"wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview"`
	TranscriptionModel       string        `env:"TRANSCRIPTION_MODEL" envDefault:"whisper-1"`
	SystemPrompt             string        `env:"SYSTEM_PROMPT"`
	SystemPromptPath         string        `env:"SYSTEM_PROMPT_PATH"`
	GreetingPrompt           string        `env:"GREETING_PROMPT" envDefault:"Please confirm you're ready to assist with the interview."`
	AudioSource              string        `env:"AUDIO_SOURCE" envDefault:"microphone"`
	SampleRate               int           `env:"AUDIO_SAMPLE_RATE" envDefault:"24000"`
	VADThreshold             float32       `env:"VAD_SILENCE_THRESHOLD" envDefault:"500"`
	VADPauseDuration         time.Duration `env:"VAD_PAUSE_DURATION" envDefault:"700ms"`
	VADMinCommitInterval     time.Duration `env:"VAD_MIN_COMMIT_INTERVAL" envDefault:"1500ms"`
	VADMinUtteranceBytes     int           `env:"VAD_MIN_UTTERANCE_BYTES" envDefault:"3200"`
	ExternalAudioMinBuffered time.Duration `env:"EXTERNAL_AUDIO_MIN_BUFFERED" envDefault:"2s"`
	MaxReconnectAttempts     int           `env:"MAX_RECONNECT_ATTEMPTS" envDefault:"3"`
	ReconnectBackoffCap      time.Duration `env:"RECONNECT_BACKOFF_CAP" envDefault:"10s"`
	ConnectWait              time.Duration `env:"CONNECT_WAIT" envDefault:"2s"`
	ShutdownTimeout          time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`
	SessionIdleTimeout       time.Duration `env:"SESSION_IDLE_TIMEOUT" envDefault:"30m"`
	ReaperInterval           time.Duration `env:"REAPER_INTERVAL" envDefault:"1m"`
	DatabaseURL              string        `env:"DATABASE_URL"`
	SessionWebhookURL        string        `env:"SESSION_WEBHOOK_URL"`
	DiscordToken             string        `env:"DISCORD_TOKEN"`
	DiscordGuildID           string        `env:"DISCORD_GUILD_ID"`
	DiscordVoiceChannelID    string        `env:"DISCORD_VOICE_CHANNEL_ID"`
	DiscordTextChannelID     string        `env:"DISCORD_TEXT_CHANNEL_ID"`
	MetricsAddr              string        `env:"METRICS_ADDR" envDefault:":9090"`
}

func Load() (*internalconfig.Config, error) {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("environment variables are invalid or missing: %w", err)
	}
	return build(raw)
}

func build(raw envConfig) (*internalconfig.Config, error) {
	prompt, err := resolveSystemPrompt(raw.SystemPrompt, raw.SystemPromptPath)
	if err != nil {
		return nil, err
	}
	cfg := &internalconfig.Config{
		Env:                      raw.Env,
		OpenAIAPIKey:             raw.OpenAIAPIKey,
		RealtimeURL:              raw.RealtimeURL,
		TranscriptionModel:       raw.TranscriptionModel,
		SystemPrompt:             prompt,
		GreetingPrompt:           raw.GreetingPrompt,
		AudioSource:              strings.ToLower(raw.AudioSource),
		SampleRate:               raw.SampleRate,
		VADThreshold:             raw.VADThreshold,
		VADPauseDuration:         raw.VADPauseDuration,
		VADMinCommitInterval:     raw.VADMinCommitInterval,
		VADMinUtteranceBytes:     raw.VADMinUtteranceBytes,
		ExternalAudioMinBuffered: raw.ExternalAudioMinBuffered,
		MaxReconnectAttempts:     raw.MaxReconnectAttempts,
		ReconnectBackoffCap:      raw.ReconnectBackoffCap,
		ConnectWait:              raw.ConnectWait,
		ShutdownTimeout:          raw.ShutdownTimeout,
		SessionIdleTimeout:       raw.SessionIdleTimeout,
		ReaperInterval:           raw.ReaperInterval,
		DatabaseURL:              raw.DatabaseURL,
		SessionWebhookURL:        raw.SessionWebhookURL,
		DiscordToken:             raw.DiscordToken,
		DiscordGuildID:           raw.DiscordGuildID,
		DiscordVoiceChannelID:    raw.DiscordVoiceChannelID,
		DiscordTextChannelID:     raw.DiscordTextChannelID,
		MetricsAddr:              raw.MetricsAddr,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// systemPromptFile is the conversation item a prompt file holds; only the
// text of its first content part is used.
type systemPromptFile struct {
	Item struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	} `json:"item"`
}

// resolveSystemPrompt prefers an inline prompt, then a prompt file. A file
// that cannot be read falls back to the built-in prompt.
func resolveSystemPrompt(inline, path string) (string, error) {
	if strings.TrimSpace(inline) != "" {
		return inline, nil
	}
	if path == "" {
		return defaultSystemPrompt, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Error("failed to read system prompt file; using default prompt", "error", err, "path", path)
		return defaultSystemPrompt, nil
	}
	var f systemPromptFile
	if err := json.Unmarshal(data, &f); err != nil {
		return "", fmt.Errorf("SYSTEM_PROMPT_PATH %s is not a valid prompt file: %w", path, err)
	}
	if len(f.Item.Content) == 0 || strings.TrimSpace(f.Item.Content[0].Text) == "" {
		return "", fmt.Errorf("SYSTEM_PROMPT_PATH %s has no prompt text", path)
	}
	slog.Info("system prompt loaded from file", "path", path)
	return f.Item.Content[0].Text, nil
}
