package memory

import (
	"context"
	"sync"

	"couchsync/internal/core/domain"
	"couchsync/internal/core/ports"
)

// RoomLocker serializes room mutations within one process. Sufficient for
// the in-memory store, which is never shared across instances.
type RoomLocker struct {
	mu sync.Mutex
}

func NewRoomLocker() ports.RoomLocker {
	return &RoomLocker{}
}

func (l *RoomLocker) WithRoomLock(ctx context.Context, id domain.RoomID, fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn()
}
