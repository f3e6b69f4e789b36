// Package s3i is a client for the S3I identity provider and message broker.
package s3i

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Message types understood by this client.
const (
	TypeGetValueRequest = "getValueRequest"
	TypeGetValueReply   = "getValueReply"
	TypeEventMessage    = "eventMessage"
)

// Message is an S3I broker message. The messageType field selects which of
// the optional fields are meaningful.
type Message struct {
	MessageType string   `json:"messageType"`
	Sender      string   `json:"sender"`
	Identifier  string   `json:"identifier"`
	Receivers   []string `json:"receivers"`

	// getValueRequest
	ReplyToEndpoint string `json:"replyToEndpoint,omitempty"`
	AttributePath   string `json:"attributePath,omitempty"`

	// getValueReply
	ReplyingToMessage string          `json:"replyingToMessage,omitempty"`
	Value             json.RawMessage `json:"value,omitempty"`

	// eventMessage; Timestamp is in milliseconds since the epoch.
	Topic     string          `json:"topic,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// ErrUnknownMessageType is returned by Decode for unsupported messageType values.
var ErrUnknownMessageType = errors.New("s3i: unknown message type")

// Decode parses a broker message.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("s3i: decode message: %w", err)
	}
	switch m.MessageType {
	case TypeGetValueRequest, TypeGetValueReply, TypeEventMessage:
		return &m, nil
	case "":
		return nil, fmt.Errorf("s3i: decode message: missing messageType")
	}
	return &m, fmt.Errorf("%w: %q", ErrUnknownMessageType, m.MessageType)
}

// Payload returns the value of a reply or the content of an event.
func (m *Message) Payload() json.RawMessage {
	if m.MessageType == TypeEventMessage {
		return m.Content
	}
	return m.Value
}

// NewIdentifier generates a unique S3I message identifier.
func NewIdentifier() string {
	return "s3i:" + uuid.NewString()
}

// NewGetValueRequest asks receiver for the value at attributePath; the reply goes to replyTo.
func NewGetValueRequest(sender, receiver, replyTo, attributePath string) *Message {
	return &Message{
		MessageType:     TypeGetValueRequest,
		Sender:          sender,
		Identifier:      NewIdentifier(),
		Receivers:       []string{receiver},
		ReplyToEndpoint: replyTo,
		AttributePath:   attributePath,
	}
}
