package ports

import (
	"context"

	"couchsync/internal/core/domain"
)

// RoomRepository is the storage port for the room directory. Implementations
// must be safe for concurrent use; the service layer additionally serializes
// compound read-modify-write sequences.
type RoomRepository interface {
	Create(ctx context.Context, room *domain.Room) error
	GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	Update(ctx context.Context, room *domain.Room) error
	Delete(ctx context.Context, id domain.RoomID) error

	// FindByMember returns the room the participant currently occupies.
	// A participant belongs to at most one room.
	FindByMember(ctx context.Context, id domain.ParticipantID) (*domain.Room, error)
}

// RoomLocker serializes compound read-modify-write sequences on a room
// across every writer, including other process instances sharing the store.
type RoomLocker interface {
	WithRoomLock(ctx context.Context, id domain.RoomID, fn func() error) error
}
