package memory

import (
	"context"
	"testing"
	"time"

	"couchsync/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRoom(id domain.RoomID, members ...domain.ParticipantID) *domain.Room {
	room := &domain.Room{ID: id, Members: members, CreatedAt: time.Now()}
	if len(members) > 0 {
		room.HostID = members[0]
	}
	return room
}

func TestRoomRepository_CreateAndGet(t *testing.T) {
	repo := NewRoomRepository()
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, testRoom("ab12cd34", "a")))

	got, err := repo.GetByID(ctx, "ab12cd34")
	require.NoError(t, err)
	assert.Equal(t, domain.RoomID("ab12cd34"), got.ID)
	assert.Equal(t, []domain.ParticipantID{"a"}, got.Members)
}

func TestRoomRepository_CreateDuplicate(t *testing.T) {
	repo := NewRoomRepository()
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, testRoom("ab12cd34", "a")))
	err := repo.Create(ctx, testRoom("ab12cd34", "b"))
	assert.ErrorIs(t, err, domain.ErrRoomExists)
}

func TestRoomRepository_GetUnknown(t *testing.T) {
	repo := NewRoomRepository()

	_, err := repo.GetByID(context.Background(), "missing0")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestRoomRepository_Delete(t *testing.T) {
	repo := NewRoomRepository()
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, testRoom("ab12cd34", "a")))
	require.NoError(t, repo.Delete(ctx, "ab12cd34"))

	_, err := repo.GetByID(ctx, "ab12cd34")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, "ab12cd34"), domain.ErrRoomNotFound)
}

func TestRoomRepository_FindByMember(t *testing.T) {
	repo := NewRoomRepository()
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, testRoom("ab12cd34", "a", "b")))

	got, err := repo.FindByMember(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, domain.RoomID("ab12cd34"), got.ID)

	_, err = repo.FindByMember(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestRoomRepository_ReturnsCopies(t *testing.T) {
	repo := NewRoomRepository()
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, testRoom("ab12cd34", "a")))

	got, err := repo.GetByID(ctx, "ab12cd34")
	require.NoError(t, err)
	got.Members = append(got.Members, "b")

	again, err := repo.GetByID(ctx, "ab12cd34")
	require.NoError(t, err)
	assert.Equal(t, []domain.ParticipantID{"a"}, again.Members)
}
