// Package syncer implements the tagged message protocol carried over the
// peer data channel and the controller that keeps two players in lockstep.
package syncer

import (
	"encoding/json"
	"fmt"

	"couchsync/internal/core/domain"
)

type MessageType string

const (
	MessageVideoState MessageType = "videoState"
	MessageChat       MessageType = "chat"
	MessagePing       MessageType = "ping"
)

// DataMessage is the wire form: a tag plus a payload whose shape depends on
// the tag.
type DataMessage struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Message is the decoded form. Exactly one of the payload fields is set,
// matching Type.
type Message struct {
	Type       MessageType
	VideoState *domain.VideoState
	Chat       *domain.ChatMessage
	Ping       int64
}

// Decode parses and validates a data channel frame. Malformed frames yield
// domain.ErrMalformedMessage; callers drop them without ending the session.
func Decode(data []byte) (*Message, error) {
	var raw DataMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
	}

	switch raw.Type {
	case MessageVideoState:
		var state domain.VideoState
		if err := json.Unmarshal(raw.Payload, &state); err != nil {
			return nil, fmt.Errorf("%w: videoState payload: %v", domain.ErrMalformedMessage, err)
		}
		if !state.Valid() {
			return nil, fmt.Errorf("%w: invalid videoState", domain.ErrMalformedMessage)
		}
		return &Message{Type: MessageVideoState, VideoState: &state}, nil

	case MessageChat:
		var chat domain.ChatMessage
		if err := json.Unmarshal(raw.Payload, &chat); err != nil {
			return nil, fmt.Errorf("%w: chat payload: %v", domain.ErrMalformedMessage, err)
		}
		if !chat.Valid() {
			return nil, fmt.Errorf("%w: invalid chat message", domain.ErrMalformedMessage)
		}
		return &Message{Type: MessageChat, Chat: &chat}, nil

	case MessagePing:
		var value int64
		if err := json.Unmarshal(raw.Payload, &value); err != nil {
			return nil, fmt.Errorf("%w: ping payload: %v", domain.ErrMalformedMessage, err)
		}
		return &Message{Type: MessagePing, Ping: value}, nil

	default:
		return nil, fmt.Errorf("%w: unknown message type %q", domain.ErrMalformedMessage, raw.Type)
	}
}

func encode(t MessageType, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return json.Marshal(DataMessage{Type: t, Payload: data})
}

func EncodeVideoState(state domain.VideoState) ([]byte, error) {
	return encode(MessageVideoState, state)
}

func EncodeChat(msg domain.ChatMessage) ([]byte, error) {
	return encode(MessageChat, msg)
}

func EncodePing(value int64) ([]byte, error) {
	return encode(MessagePing, value)
}
