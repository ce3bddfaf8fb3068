// Package hub fans out messages to a set of websocket clients over
// channels: one registry loop owns the client set, so broadcasts never
// race with connects and disconnects.
package hub

// MessageType indicates the websocket frame format.
type MessageType int

const (
	// JSONMessage is a JSON-encoded status or transcript update.
	JSONMessage MessageType = iota
	// BinaryMessage is raw PCM16 audio.
	BinaryMessage
)

// Message is one broadcast payload.
type Message struct {
	Type MessageType
	Data []byte
}

// NewJSONMessage wraps pre-encoded JSON bytes.
func NewJSONMessage(data []byte) Message {
	return Message{Type: JSONMessage, Data: data}
}

// NewBinaryMessage wraps raw bytes.
func NewBinaryMessage(data []byte) Message {
	return Message{Type: BinaryMessage, Data: data}
}
