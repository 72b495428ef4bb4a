package memory

import (
	"context"
	"sync"

	"couchsync/internal/core/domain"
	"couchsync/internal/core/ports"
)

type RoomRepository struct {
	rooms map[domain.RoomID]*domain.Room
	mu    sync.RWMutex
}

func NewRoomRepository() ports.RoomRepository {
	return &RoomRepository{
		rooms: make(map[domain.RoomID]*domain.Room),
	}
}

func (r *RoomRepository) Create(ctx context.Context, room *domain.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[room.ID]; exists {
		return domain.ErrRoomExists
	}

	r.rooms[room.ID] = cloneRoom(room)
	return nil
}

func (r *RoomRepository) GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, exists := r.rooms[id]
	if !exists {
		return nil, domain.ErrRoomNotFound
	}
	return cloneRoom(room), nil
}

func (r *RoomRepository) Update(ctx context.Context, room *domain.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[room.ID]; !exists {
		return domain.ErrRoomNotFound
	}

	r.rooms[room.ID] = cloneRoom(room)
	return nil
}

func (r *RoomRepository) Delete(ctx context.Context, id domain.RoomID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[id]; !exists {
		return domain.ErrRoomNotFound
	}

	delete(r.rooms, id)
	return nil
}

func (r *RoomRepository) FindByMember(ctx context.Context, id domain.ParticipantID) (*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, room := range r.rooms {
		if room.HasMember(id) {
			return cloneRoom(room), nil
		}
	}
	return nil, domain.ErrRoomNotFound
}

// cloneRoom keeps callers from mutating stored state through the returned
// pointer.
func cloneRoom(room *domain.Room) *domain.Room {
	c := *room
	c.Members = append([]domain.ParticipantID(nil), room.Members...)
	return &c
}
