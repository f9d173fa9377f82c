package realtime

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// OutboundMessage is anything the client sends to the provider.
type OutboundMessage interface {
	Type() string
}

// TurnDetection carries optional server-side voice activity hints.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
}

type SessionConfig struct {
	Modalities         []string
	InputAudioFormat   string
	OutputAudioFormat  string
	TranscriptionModel string
	ToolChoice         string
	TurnDetection      *TurnDetection
}

// DefaultSessionConfig mirrors what the assistant negotiates on every open.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Modalities:         []string{"text", "audio"},
		InputAudioFormat:   "pcm16",
		OutputAudioFormat:  "pcm16",
		TranscriptionModel: "whisper-1",
		ToolChoice:         "auto",
	}
}

type SystemPrompt struct{ Text string }

type UserText struct{ Text string }

// UserAudio holds raw pcm16; it is base64-encoded only when serialized.
type UserAudio struct{ PCM []byte }

type AudioCommit struct{}

type ResponseRequest struct {
	Modalities []string
}

func (SessionConfig) Type() string { return "session.update" }
func (SystemPrompt) Type() string { return "conversation.item.create" }
func (UserText) Type() string { return "conversation.item.create" }
func (UserAudio) Type() string { return "conversation.item.create" }
func (AudioCommit) Type() string { return "input_audio_buffer.commit" }
func (ResponseRequest) Type() string { return "response.create" }

type wireEnvelope struct {
	Type     string        `json:"type"`
	Session  *wireSession  `json:"session,omitempty"`
	Item     *wireItem     `json:"item,omitempty"`
	Response *wireResponse `json:"response,omitempty"`
}

type wireSession struct {
	Modalities              []string           `json:"modalities"`
	InputAudioFormat        string             `json:"input_audio_format"`
	OutputAudioFormat       string             `json:"output_audio_format"`
	InputAudioTranscription *wireTranscription `json:"input_audio_transcription,omitempty"`
	ToolChoice              string             `json:"tool_choice,omitempty"`
	TurnDetection           *TurnDetection     `json:"turn_detection,omitempty"`
}

type wireTranscription struct {
	Model string `json:"model"`
}

type wireItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []wireContent `json:"content"`
}

type wireContent struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Audio string `json:"audio,omitempty"`
}

type wireResponse struct {
	Modalities []string `json:"modalities"`
}

func messageItem(role string, content wireContent) *wireItem {
	return &wireItem{Type: "message", Role: role, Content: []wireContent{content}}
}

// Encode serializes msg into the provider's JSON wire format.
func Encode(msg OutboundMessage) ([]byte, error) {
	env := wireEnvelope{Type: msg.Type()}
	switch m := msg.(type) {
	case SessionConfig:
		s := &wireSession{
			Modalities:        m.Modalities,
			InputAudioFormat:  m.InputAudioFormat,
			OutputAudioFormat: m.OutputAudioFormat,
			ToolChoice:        m.ToolChoice,
			TurnDetection:     m.TurnDetection,
		}
		if m.TranscriptionModel != "" {
			s.InputAudioTranscription = &wireTranscription{Model: m.TranscriptionModel}
		}
		env.Session = s
	case SystemPrompt:
		env.Item = messageItem("system", wireContent{Type: "input_text", Text: m.Text})
	case UserText:
		env.Item = messageItem("user", wireContent{Type: "input_text", Text: m.Text})
	case UserAudio:
		env.Item = messageItem("user", wireContent{Type: "input_audio", Audio: base64.StdEncoding.EncodeToString(m.PCM)})
	case AudioCommit:
	case ResponseRequest:
		modalities := m.Modalities
		if len(modalities) == 0 {
			modalities = []string{"text"}
		}
		env.Response = &wireResponse{Modalities: modalities}
	default:
		return nil, &Error{Kind: KindProtocol, Op: "encode", Err: fmt.Errorf("unsupported message %T", msg)}
	}
	return json.Marshal(env)
}
