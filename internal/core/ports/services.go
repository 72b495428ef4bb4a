package ports

import (
	"context"

	"couchsync/internal/core/domain"
)

// RoomNotifier receives membership-change notifications. The signaling
// server implements it by enqueueing peer-joined/peer-left frames on the
// target participant's connection.
type RoomNotifier interface {
	NotifyPeerJoined(id domain.ParticipantID)
	NotifyPeerLeft(id domain.ParticipantID)
}

// RoomService is the room directory: the authoritative mapping of room id to
// participant set. It holds no transport handles; side effects are
// notifications only.
type RoomService interface {
	// CreateRoom generates a fresh collision-checked room id and registers
	// the creator as sole member and host.
	CreateRoom(ctx context.Context, creator domain.ParticipantID) (*domain.Room, error)

	// Join adds the participant, assigning host if unset. Returns
	// domain.ErrRoomNotFound or domain.ErrRoomFull on rejection.
	Join(ctx context.Context, id domain.RoomID, participant domain.ParticipantID) (*domain.Room, error)

	// Leave removes the participant. The returned room is nil when the
	// departure emptied the room and it was deleted. Leaving a room that
	// does not exist, or that the participant is not in, is a no-op.
	Leave(ctx context.Context, id domain.RoomID, participant domain.ParticipantID) (*domain.Room, error)

	// DisconnectAll removes the participant from whatever room it occupies.
	DisconnectAll(ctx context.Context, participant domain.ParticipantID) error

	GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error)
}
