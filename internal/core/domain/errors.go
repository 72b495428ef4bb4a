package domain

import "errors"

var (
	ErrRoomNotFound          = errors.New("room not found")
	ErrRoomFull              = errors.New("room is full")
	ErrRoomExists            = errors.New("room already exists")
	ErrSignalingDisconnected = errors.New("signaling connection lost")
	ErrNegotiationTimeout    = errors.New("peer negotiation timed out")
	ErrPeerTransport         = errors.New("peer transport failed")
	ErrMalformedMessage      = errors.New("malformed message")
)
