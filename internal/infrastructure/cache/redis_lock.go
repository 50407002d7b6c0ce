package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/erp/stockledger/internal/domain/lock"
	"github.com/erp/stockledger/internal/domain/shared"
	"github.com/redis/go-redis/v9"
)

const defaultLockPrefix = "stockledger:lock:"

// Lease values are "<acquired unix millis>|<holder>".
var (
	extendScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v then
  local sep = string.find(v, '|', 1, true)
  if not sep or string.sub(v, sep + 1) ~= ARGV[1] then
    return 0
  end
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

	releaseScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v then
  local sep = string.find(v, '|', 1, true)
  if sep and string.sub(v, sep + 1) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
  end
end
return 0
`)
)

// RedisLock implements lock.DistributedLock with Redis keys that expire on
// their own. Expiry is enforced by the Redis server clock.
type RedisLock struct {
	client    *redis.Client
	clock     shared.Clock
	keyPrefix string
}

// NewRedisLock creates a lock backend on client. An empty prefix uses
// "stockledger:lock:".
func NewRedisLock(client *redis.Client, clock shared.Clock, keyPrefix string) *RedisLock {
	if clock == nil {
		clock = shared.SystemClock()
	}
	if keyPrefix == "" {
		keyPrefix = defaultLockPrefix
	}
	return &RedisLock{client: client, clock: clock, keyPrefix: keyPrefix}
}

func (l *RedisLock) TryAcquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, *lock.LockInfo, error) {
	if key == "" || holder == "" {
		return false, nil, shared.NewDomainError(shared.CodeInvalidInput, "lock key and holder are required")
	}
	if ttl < time.Millisecond {
		return false, nil, shared.NewDomainError(shared.CodeInvalidInput, "lock ttl must be at least 1ms")
	}

	now := l.clock.Now()
	value := encodeLease(now, holder)
	redisKey := l.keyPrefix + key

	ok, err := l.client.SetNX(ctx, redisKey, value, ttl).Result()
	if err != nil {
		return false, nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		// Extend our own lease, or win a key that expired between the calls.
		n, err := extendScript.Run(ctx, l.client, []string{redisKey}, holder, value, ttl.Milliseconds()).Int()
		if err != nil {
			return false, nil, fmt.Errorf("failed to extend lock %s: %w", key, err)
		}
		ok = n == 1
	}
	if ok {
		return true, &lock.LockInfo{Key: key, Holder: holder, AcquiredAt: now, ExpiresAt: now.Add(ttl)}, nil
	}

	current, err := l.GetActiveLock(ctx, key)
	if err != nil {
		return false, nil, err
	}
	return false, current, nil
}

func (l *RedisLock) Release(ctx context.Context, key, holder string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.keyPrefix + key}, holder).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return nil
}

func (l *RedisLock) GetActiveLock(ctx context.Context, key string) (*lock.LockInfo, error) {
	redisKey := l.keyPrefix + key

	pipe := l.client.Pipeline()
	getCmd := pipe.Get(ctx, redisKey)
	ttlCmd := pipe.PTTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read lock %s: %w", key, err)
	}

	value, err := getCmd.Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock %s: %w", key, err)
	}
	remaining := ttlCmd.Val()
	if remaining <= 0 {
		return nil, nil
	}

	acquiredAt, holder, err := decodeLease(value)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	return &lock.LockInfo{
		Key:        key,
		Holder:     holder,
		AcquiredAt: acquiredAt,
		ExpiresAt:  l.clock.Now().Add(remaining),
	}, nil
}

func encodeLease(acquiredAt time.Time, holder string) string {
	return strconv.FormatInt(acquiredAt.UnixMilli(), 10) + "|" + holder
}

func decodeLease(value string) (time.Time, string, error) {
	millis, holder, ok := strings.Cut(value, "|")
	if !ok {
		return time.Time{}, "", fmt.Errorf("malformed lease value %q", value)
	}
	ms, err := strconv.ParseInt(millis, 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed lease timestamp %q: %w", millis, err)
	}
	return time.UnixMilli(ms).UTC(), holder, nil
}

var _ lock.DistributedLock = (*RedisLock)(nil)
