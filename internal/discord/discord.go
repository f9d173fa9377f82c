package discord

import "context"

type VoiceParticipant struct {
	UserID string
	IsBot  bool
}

type Client interface {
	Connect(ctx context.Context) error
	Close() error
	JoinVoiceChannel(guildID, channelID string) (VoiceConnection, error)
	SendChannelMessage(channelID, content string) error
	ListVoiceChannelParticipants(guildID, channelID string) ([]VoiceParticipant, error)
	GetBotUserID() (string, error)
}

// VoiceConnection delivers opus packets per speaker. ReceiveAudio blocks
// until the connection's receive channel is closed.
type VoiceConnection interface {
	Disconnect() error
	ReceiveAudio(callback func(userID string, opus []byte))
}
