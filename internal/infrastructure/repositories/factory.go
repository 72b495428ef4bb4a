package repositories

import (
	"context"

	"couchsync/internal/core/ports"
	"couchsync/internal/infrastructure/repositories/memory"
	redisrepo "couchsync/internal/infrastructure/repositories/redis"
	"couchsync/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Factory selects the room store: Redis when enabled and reachable, the
// in-memory store otherwise.
type Factory struct {
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

func NewFactory(cfg *config.Config, logger *zap.SugaredLogger) (*Factory, error) {
	f := &Factory{
		useRedis: cfg.Redis.Enabled,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory store",
				"error", err,
			)
			f.useRedis = false
		} else {
			f.redisClient = client
		}
	}

	if f.useRedis {
		logger.Info("using Redis room repository")
	} else {
		logger.Info("using memory room repository")
	}

	return f, nil
}

func (f *Factory) CreateRoomRepository() ports.RoomRepository {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRoomRepository(f.redisClient)
	}
	return memory.NewRoomRepository()
}

// CreateRoomLocker matches the repository: the redis lock spans instances
// sharing the store, the in-process mutex covers the memory store.
func (f *Factory) CreateRoomLocker() ports.RoomLocker {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRoomLocker(f.redisClient)
	}
	return memory.NewRoomLocker()
}

func (f *Factory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseClient(f.redisClient)
	}
	return nil
}

func (f *Factory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
