package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"couchsync/internal/core/domain"
	"couchsync/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const (
	lockTTL        = 10 * time.Second
	lockTimeout    = 5 * time.Second
	lockRetryDelay = 50 * time.Millisecond
)

// releaseScript deletes the lock only when this holder still owns it, so an
// expired lock taken over by another instance is never released by us.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// RoomLocker serializes room mutations across instances sharing the store,
// one lock key per room. Holders are identified by a random token; the TTL
// bounds how long a crashed holder can block a room.
type RoomLocker struct {
	client *redis.Client
}

func NewRoomLocker(client *redis.Client) ports.RoomLocker {
	return &RoomLocker{client: client}
}

func (l *RoomLocker) WithRoomLock(ctx context.Context, id domain.RoomID, fn func() error) error {
	key := "couchsync:lock:room:" + string(id)
	token := lockToken()

	if err := l.acquire(ctx, key, token); err != nil {
		return err
	}
	defer l.release(key, token)

	return fn()
}

func (l *RoomLocker) acquire(ctx context.Context, key, token string) error {
	deadline := time.Now().Add(lockTimeout)

	for {
		acquired, err := l.client.SetNX(ctx, key, token, lockTTL).Result()
		if err != nil {
			return fmt.Errorf("failed to acquire room lock: %w", err)
		}
		if acquired {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("room lock acquisition timed out")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockRetryDelay):
		}
	}
}

func (l *RoomLocker) release(key, token string) {
	// Release with a fresh context; the caller's may already be cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	l.client.Eval(ctx, releaseScript, []string{key}, token)
}

func lockToken() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
