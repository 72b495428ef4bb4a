// Package wire defines the signaling envelope shared by the server and the
// client library. Negotiation payloads are opaque to it.
package wire

import (
	"encoding/json"

	"couchsync/internal/core/domain"
)

const (
	TypeCreateRoom  = "create-room"
	TypeRoomCreated = "room-created"
	TypeJoinRoom    = "join-room"
	TypeRoomJoined  = "room-joined"
	TypeLeaveRoom   = "leave-room"
	TypeSignal      = "signal"
	TypePeerJoined  = "peer-joined"
	TypePeerLeft    = "peer-left"
	TypeError       = "error"
)

type Envelope struct {
	Type    string          `json:"type"`
	RoomID  domain.RoomID   `json:"roomId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type RoomCreatedPayload struct {
	RoomID domain.RoomID `json:"roomId"`
}

type RoomJoinedPayload struct {
	RoomID    domain.RoomID `json:"roomId"`
	Initiator bool          `json:"initiator"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func MustPayload(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// all payload types marshal cleanly; this guards programmer error
		panic(err)
	}
	return data
}
