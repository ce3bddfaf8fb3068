// Package wire defines the typed control events exchanged with the
// remote speech endpoint over the stream transport. Events form a
// tagged union keyed by Type; each event is consumed exactly once by
// the component that acts on its tag.
package wire

import (
	"encoding/json"
	"fmt"
)

// Type tags a wire event.
type Type string

// Outbound event types.
const (
	TypeSessionUpdate    Type = "session.update"
	TypeInputAudioAppend Type = "input_audio_buffer.append"
	TypeInputAudioCommit Type = "input_audio_buffer.commit"
	TypeInputAudioClear  Type = "input_audio_buffer.clear"
	TypeItemCreate       Type = "conversation.item.create"
	TypeResponseCreate   Type = "response.create"
	TypeResponseCancel   Type = "response.cancel"
)

// Inbound event types.
const (
	TypeSessionCreated      Type = "session.created"
	TypeSessionUpdated      Type = "session.updated"
	TypeInputAudioCommitted Type = "input_audio_buffer.committed"
	TypeSpeechStarted       Type = "input_audio_buffer.speech_started"
	TypeSpeechStopped       Type = "input_audio_buffer.speech_stopped"
	TypeTranscriptDone      Type = "conversation.item.input_audio_transcription.completed"
	TypeResponseAudioDelta  Type = "response.audio.delta"
	TypeResponseAudioDone   Type = "response.audio.done"
	TypeResponseTextDelta   Type = "response.text.delta"
	TypeResponseDone        Type = "response.done"
	TypeError               Type = "error"
)

var knownTypes = map[Type]bool{
	TypeSessionUpdate:       true,
	TypeInputAudioAppend:    true,
	TypeInputAudioCommit:    true,
	TypeInputAudioClear:     true,
	TypeItemCreate:          true,
	TypeResponseCreate:      true,
	TypeResponseCancel:      true,
	TypeSessionCreated:      true,
	TypeSessionUpdated:      true,
	TypeInputAudioCommitted: true,
	TypeSpeechStarted:       true,
	TypeSpeechStopped:       true,
	TypeTranscriptDone:      true,
	TypeResponseAudioDelta:  true,
	TypeResponseAudioDone:   true,
	TypeResponseTextDelta:   true,
	TypeResponseDone:        true,
	TypeError:               true,
}

// Known reports whether t is part of the supported protocol vocabulary.
// Unknown inbound types are a protocol anomaly: warn and continue, never
// crash the session.
func Known(t Type) bool {
	return knownTypes[t]
}

// Event is the tagged union. Only the fields relevant to the tag are
// populated; the rest marshal away via omitempty.
type Event struct {
	Type    Type   `json:"type"`
	EventID string `json:"event_id,omitempty"`

	// Audio carries base64 PCM16 for input_audio_buffer.append.
	Audio string `json:"audio,omitempty"`

	// Delta carries base64 PCM16 for response.audio.delta and plain
	// text for response.text.delta.
	Delta string `json:"delta,omitempty"`

	// Transcript carries the final user transcript.
	Transcript string `json:"transcript,omitempty"`

	Session  *SessionConfig  `json:"session,omitempty"`
	Item     *Item           `json:"item,omitempty"`
	Response *ResponseConfig `json:"response,omitempty"`
	Error    *ErrorDetail    `json:"error,omitempty"`
}

// SessionConfig configures voice, turn detection and audio formats via
// session.update.
type SessionConfig struct {
	Modalities        []string       `json:"modalities,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	Voice             string         `json:"voice,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat string         `json:"output_audio_format,omitempty"`
	TurnDetection     *TurnDetection `json:"turn_detection,omitempty"`
}

// TurnDetection carries server-side VAD thresholds.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

// ResponseConfig tunes a single response.create request, carrying the
// session's tone/pacing adjustment as per-response instructions.
type ResponseConfig struct {
	Instructions string `json:"instructions,omitempty"`
}

// Item is a conversation item for text injection.
type Item struct {
	Type    string    `json:"type"`
	Role    string    `json:"role,omitempty"`
	Content []Content `json:"content,omitempty"`
}

// Content is one part of a conversation item.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ErrorDetail carries a remote error. It must surface to the session's
// error channel, never crash it.
type ErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Marshal encodes the event for the socket.
func (e Event) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %s: %w", e.Type, err)
	}
	return data, nil
}

// Parse decodes an inbound message. A nil error does not imply the type
// is known; callers check Known and warn on anomalies.
func Parse(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("wire: parse: %w", err)
	}
	if e.Type == "" {
		return Event{}, fmt.Errorf("wire: parse: missing event type")
	}
	return e, nil
}

// AudioAppend builds an input_audio_buffer.append event from an already
// base64-framed chunk.
func AudioAppend(b64 string) Event {
	return Event{Type: TypeInputAudioAppend, Audio: b64}
}

// UserText builds the conversation item event for hybrid text input.
func UserText(text string) Event {
	return Event{
		Type: TypeItemCreate,
		Item: &Item{
			Type: "message",
			Role: "user",
			Content: []Content{
				{Type: "input_text", Text: text},
			},
		},
	}
}
