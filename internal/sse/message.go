package sse

import (
	"bytes"
	"encoding/json"
	"errors"
)

const (
	DataPrefix   = "data: "
	DoneSentinel = "[DONE]"

	ContentTypeEventStream = "text/event-stream"
)

var ErrEmptyType = errors.New("sse: message type is empty")

// Message is one unit of an agent response. Payload is opaque to the
// transport and round-trips as whatever JSON value the producer sent.
type Message struct {
	Type    string `json:"type"`
	RunID   string `json:"runId"`
	From    string `json:"from"`
	Payload any    `json:"payload"`
}

// Encode renders m as a single frame: "data: " + JSON + "\n\n".
// HTML characters are left unescaped so the bytes match what a JavaScript
// producer would emit with JSON.stringify.
func Encode(m Message) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(DataPrefix)
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	// Encoder.Encode terminates with one '\n'; a frame needs a blank line.
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// EncodeTerminal returns the frame that tells the consumer no more frames follow.
func EncodeTerminal() []byte {
	return []byte(DataPrefix + DoneSentinel + "\n\n")
}

// DecodeMessage parses one JSON document into a Message.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	if m.Type == "" {
		return Message{}, ErrEmptyType
	}
	return m, nil
}
