package realtime

import (
	"encoding/json"
	"fmt"
)

// Event is a decoded inbound provider message.
type Event interface {
	EventType() string
}

type TranscriptDelta struct{ Text string }
type TranscriptDone struct{ Text string }
type TextDelta struct{ Text string }
type TextDone struct{ Text string }
type ResponseDone struct{}

type ErrorEvent struct {
	Message string
	Code    string
	Kind    string
}

// Unknown is any event type the client does not act on.
type Unknown struct{ Type string }

const (
	eventTranscriptDelta = "response.audio_transcript.delta"
	eventTranscriptDone  = "response.audio_transcript.done"
	eventTextDelta       = "response.text.delta"
	eventTextDone        = "response.text.done"
	eventResponseDone    = "response.done"
	eventError           = "error"
)

func (TranscriptDelta) EventType() string { return eventTranscriptDelta }
func (TranscriptDone) EventType() string { return eventTranscriptDone }
func (TextDelta) EventType() string { return eventTextDelta }
func (TextDone) EventType() string { return eventTextDone }
func (ResponseDone) EventType() string { return eventResponseDone }
func (ErrorEvent) EventType() string { return eventError }
func (u Unknown) EventType() string { return u.Type }

type wireEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Text       string `json:"text"`
	Error      *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
		Type    string `json:"type"`
	} `json:"error"`
}

func DecodeEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &Error{Kind: KindProtocol, Op: "decode", Err: err}
	}
	switch w.Type {
	case eventTranscriptDelta:
		return TranscriptDelta{Text: w.Delta}, nil
	case eventTranscriptDone:
		return TranscriptDone{Text: w.Transcript}, nil
	case eventTextDelta:
		return TextDelta{Text: w.Delta}, nil
	case eventTextDone:
		return TextDone{Text: w.Text}, nil
	case eventResponseDone:
		return ResponseDone{}, nil
	case eventError:
		if w.Error == nil {
			return ErrorEvent{Message: "unknown error"}, nil
		}
		return ErrorEvent{Message: w.Error.Message, Code: w.Error.Code, Kind: w.Error.Type}, nil
	case "":
		return nil, &Error{Kind: KindProtocol, Op: "decode", Err: fmt.Errorf("event without type")}
	default:
		return Unknown{Type: w.Type}, nil
	}
}
