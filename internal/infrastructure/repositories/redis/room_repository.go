package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"couchsync/internal/core/domain"
	"couchsync/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RoomRepository keeps each room as a JSON blob plus a member index so
// FindByMember avoids scanning. Intended for multi-instance deployments
// where the in-memory store cannot be shared.
type RoomRepository struct {
	client *redis.Client
	prefix string
}

func NewRoomRepository(client *redis.Client) ports.RoomRepository {
	return &RoomRepository{
		client: client,
		prefix: "couchsync:room:",
	}
}

func (r *RoomRepository) roomKey(id domain.RoomID) string {
	return r.prefix + string(id)
}

func (r *RoomRepository) memberKey(id domain.ParticipantID) string {
	return r.prefix + "member:" + string(id)
}

func (r *RoomRepository) Create(ctx context.Context, room *domain.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("failed to marshal room: %w", err)
	}

	ok, err := r.client.SetNX(ctx, r.roomKey(room.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to set room in Redis: %w", err)
	}
	if !ok {
		return domain.ErrRoomExists
	}

	return r.indexMembers(ctx, room)
}

func (r *RoomRepository) GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	data, err := r.client.Get(ctx, r.roomKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room from Redis: %w", err)
	}

	var room domain.Room
	if err := json.Unmarshal([]byte(data), &room); err != nil {
		return nil, fmt.Errorf("failed to unmarshal room: %w", err)
	}
	return &room, nil
}

func (r *RoomRepository) Update(ctx context.Context, room *domain.Room) error {
	old, err := r.GetByID(ctx, room.ID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("failed to marshal room: %w", err)
	}
	if err := r.client.Set(ctx, r.roomKey(room.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to update room in Redis: %w", err)
	}

	// Refresh the member index for departures.
	for _, m := range old.Members {
		if !room.HasMember(m) {
			if err := r.client.Del(ctx, r.memberKey(m)).Err(); err != nil {
				return fmt.Errorf("failed to drop member index: %w", err)
			}
		}
	}
	return r.indexMembers(ctx, room)
}

func (r *RoomRepository) Delete(ctx context.Context, id domain.RoomID) error {
	room, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	for _, m := range room.Members {
		if err := r.client.Del(ctx, r.memberKey(m)).Err(); err != nil {
			return fmt.Errorf("failed to drop member index: %w", err)
		}
	}
	if err := r.client.Del(ctx, r.roomKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete room from Redis: %w", err)
	}
	return nil
}

func (r *RoomRepository) FindByMember(ctx context.Context, id domain.ParticipantID) (*domain.Room, error) {
	roomID, err := r.client.Get(ctx, r.memberKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up member index: %w", err)
	}
	return r.GetByID(ctx, domain.RoomID(roomID))
}

func (r *RoomRepository) indexMembers(ctx context.Context, room *domain.Room) error {
	for _, m := range room.Members {
		if err := r.client.Set(ctx, r.memberKey(m), string(room.ID), 0).Err(); err != nil {
			return fmt.Errorf("failed to index member: %w", err)
		}
	}
	return nil
}
