package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"couchsync/internal/core/domain"
	"couchsync/internal/core/ports"
	"couchsync/pkg/ids"

	"go.uber.org/zap"
)

const createRoomMaxTries = 5

// roomService is the room directory. Read-modify-write sequences on a room
// run under the locker, which spans every writer sharing the store, so
// capacity and host-handoff invariants hold with multiple instances.
type roomService struct {
	repo     ports.RoomRepository
	locker   ports.RoomLocker
	notifier ports.RoomNotifier
	logger   *zap.SugaredLogger
}

func NewRoomService(
	repo ports.RoomRepository,
	locker ports.RoomLocker,
	notifier ports.RoomNotifier,
	logger *zap.SugaredLogger,
) ports.RoomService {
	return &roomService{
		repo:     repo,
		locker:   locker,
		notifier: notifier,
		logger:   logger,
	}
}

// CreateRoom needs no room lock: the id is unknown to anyone else until it
// is returned, and Create itself is atomic (first writer wins).
func (s *roomService) CreateRoom(ctx context.Context, creator domain.ParticipantID) (*domain.Room, error) {
	for try := 0; try < createRoomMaxTries; try++ {
		room := &domain.Room{
			ID:        domain.RoomID(ids.NewRoomID()),
			Members:   []domain.ParticipantID{creator},
			HostID:    creator,
			CreatedAt: time.Now(),
		}

		err := s.repo.Create(ctx, room)
		if err == nil {
			s.logger.Infow("room created", "room_id", room.ID, "host_id", creator)
			return room, nil
		}
		if !errors.Is(err, domain.ErrRoomExists) {
			return nil, fmt.Errorf("create room: %w", err)
		}
		// id collision, draw again
	}

	return nil, fmt.Errorf("create room: could not find a free id after %d tries", createRoomMaxTries)
}

func (s *roomService) Join(ctx context.Context, id domain.RoomID, participant domain.ParticipantID) (*domain.Room, error) {
	var room *domain.Room

	err := s.locker.WithRoomLock(ctx, id, func() error {
		var err error
		room, err = s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if room.HasMember(participant) {
			return nil
		}
		if room.IsFull() {
			return domain.ErrRoomFull
		}

		room.Members = append(room.Members, participant)
		if room.HostID == "" {
			room.HostID = participant
		}
		if err := s.repo.Update(ctx, room); err != nil {
			return fmt.Errorf("join room: %w", err)
		}

		s.logger.Infow("participant joined room",
			"room_id", id,
			"participant_id", participant,
			"members", len(room.Members),
		)

		if peer, ok := room.OtherMember(participant); ok {
			s.notifier.NotifyPeerJoined(peer)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (s *roomService) Leave(ctx context.Context, id domain.RoomID, participant domain.ParticipantID) (*domain.Room, error) {
	var room *domain.Room

	err := s.locker.WithRoomLock(ctx, id, func() error {
		var err error
		room, err = s.leaveLocked(ctx, id, participant)
		return err
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

// leaveLocked runs under the room lock held by the caller.
func (s *roomService) leaveLocked(ctx context.Context, id domain.RoomID, participant domain.ParticipantID) (*domain.Room, error) {
	room, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrRoomNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !room.HasMember(participant) {
		return room, nil
	}

	room.RemoveMember(participant)

	if room.IsEmpty() {
		// Deleted immediately; the id is never reused for this room.
		if err := s.repo.Delete(ctx, id); err != nil {
			return nil, fmt.Errorf("delete room: %w", err)
		}
		s.logger.Infow("room deleted", "room_id", id)
		return nil, nil
	}

	if err := s.repo.Update(ctx, room); err != nil {
		return nil, fmt.Errorf("leave room: %w", err)
	}

	s.logger.Infow("participant left room",
		"room_id", id,
		"participant_id", participant,
		"host_id", room.HostID,
	)

	if peer, ok := room.OtherMember(participant); ok {
		s.notifier.NotifyPeerLeft(peer)
	}
	return room, nil
}

func (s *roomService) DisconnectAll(ctx context.Context, participant domain.ParticipantID) error {
	room, err := s.repo.FindByMember(ctx, participant)
	if err != nil {
		if errors.Is(err, domain.ErrRoomNotFound) {
			return nil
		}
		return err
	}

	return s.locker.WithRoomLock(ctx, room.ID, func() error {
		_, err := s.leaveLocked(ctx, room.ID, participant)
		return err
	})
}

func (s *roomService) GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	return s.repo.GetByID(ctx, id)
}
