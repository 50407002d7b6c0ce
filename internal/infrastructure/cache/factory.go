package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erp/stockledger/internal/domain/lock"
	"github.com/erp/stockledger/internal/domain/shared"
	"github.com/erp/stockledger/internal/infrastructure/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// BackendFactory builds the idempotency store and lock backend selected by
// configuration. A Redis client is dialled once and shared by both.
type BackendFactory struct {
	cfg                   *config.Config
	clock                 shared.Clock
	logger                *zap.Logger
	allowInMemoryFallback bool
	dial                  func(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error)
	client                *redis.Client
}

// BackendFactoryOption is a functional option for configuring the factory
type BackendFactoryOption func(*BackendFactory)

// WithLogger sets the logger for the factory
func WithLogger(logger *zap.Logger) BackendFactoryOption {
	return func(f *BackendFactory) {
		f.logger = logger
	}
}

// WithClock sets the clock used by the in-memory store and the Redis lock
func WithClock(clock shared.Clock) BackendFactoryOption {
	return func(f *BackendFactory) {
		f.clock = clock
	}
}

// WithInMemoryFallback controls whether a Redis idempotency backend falls
// back to the in-memory store when Redis is unreachable. Locks never fall
// back. Default is false.
func WithInMemoryFallback(allow bool) BackendFactoryOption {
	return func(f *BackendFactory) {
		f.allowInMemoryFallback = allow
	}
}

// NewBackendFactory creates a new factory
func NewBackendFactory(cfg *config.Config, opts ...BackendFactoryOption) *BackendFactory {
	f := &BackendFactory{
		cfg:    cfg,
		clock:  shared.SystemClock(),
		logger: zap.NewNop(),
		dial:   NewRedisClient,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

func (f *BackendFactory) redisClient(ctx context.Context) (*redis.Client, error) {
	if f.client != nil {
		return f.client, nil
	}
	client, err := f.dial(ctx, f.cfg.Redis)
	if err != nil {
		return nil, err
	}
	f.client = client
	return client, nil
}

// IdempotencyStore returns the configured Start-Picking request store
func (f *BackendFactory) IdempotencyStore(ctx context.Context) (shared.IdempotencyStore, error) {
	switch f.cfg.Idempotency.Backend {
	case config.BackendMemory:
		f.logger.Info("using in-memory idempotency store")
		return f.inMemoryStore(), nil

	case config.BackendRedis:
		client, err := f.redisClient(ctx)
		if err == nil {
			f.logger.Info("using Redis idempotency store", zap.String("addr", f.cfg.Redis.Addr()))
			return NewRedisIdempotencyStore(client, ""), nil
		}
		if !f.allowInMemoryFallback {
			return nil, fmt.Errorf("redis required for idempotency but unavailable: %w", err)
		}
		f.logger.Warn("Redis unavailable, falling back to in-memory idempotency store. "+
			"Repeated Start-Picking requests are only recognised by the instance that saw them.",
			zap.Error(err),
		)
		return f.inMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unknown idempotency backend %q", f.cfg.Idempotency.Backend)
	}
}

// Lock returns the configured distributed lock. The database backend is
// supplied by the caller since it lives with the event store.
func (f *BackendFactory) Lock(ctx context.Context, database lock.DistributedLock) (lock.DistributedLock, error) {
	switch f.cfg.Lock.Backend {
	case config.BackendDatabase:
		if database == nil {
			return nil, errors.New("database lock backend selected but no database lock supplied")
		}
		f.logger.Info("using database lock backend")
		return database, nil

	case config.BackendRedis:
		client, err := f.redisClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("redis lock backend unavailable: %w", err)
		}
		f.logger.Info("using Redis lock backend", zap.String("addr", f.cfg.Redis.Addr()))
		return NewRedisLock(client, f.clock, ""), nil

	default:
		return nil, fmt.Errorf("unknown lock backend %q", f.cfg.Lock.Backend)
	}
}

// Close closes the shared Redis client, if one was dialled
func (f *BackendFactory) Close() error {
	if f.client == nil {
		return nil
	}
	return f.client.Close()
}

func (f *BackendFactory) inMemoryStore() *InMemoryIdempotencyStore {
	sweep := f.cfg.Idempotency.TTL / 4
	if sweep <= 0 || sweep > time.Hour {
		sweep = time.Hour
	}
	return NewInMemoryIdempotencyStore(f.clock, sweep)
}
