package ids

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewRoomID returns an 8-character lowercase hex identifier, e.g. "ab12cd34".
// Collision checking against live rooms is the caller's responsibility.
func NewRoomID() string {
	b := make([]byte, 4)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// NewParticipantID returns an identifier stable for the lifetime of one
// signaling connection. Not reused across reconnects.
func NewParticipantID() string {
	return "peer_" + uuid.NewString()
}
