package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/erp/stockledger/internal/domain/inventory"
	"github.com/erp/stockledger/internal/domain/lock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LockSettings controls per-key lock acquisition
type LockSettings struct {
	// TTL bounds how long a crashed holder can block a key. It should
	// exceed the slowest expected check-and-append.
	TTL time.Duration
	// AcquireTimeout bounds the total wait for the whole key set.
	AcquireTimeout time.Duration
	// RetryInterval is the initial backoff between attempts.
	RetryInterval time.Duration
}

// DefaultLockSettings mirrors the configuration defaults
func DefaultLockSettings() LockSettings {
	return LockSettings{
		TTL:            30 * time.Second,
		AcquireTimeout: 5 * time.Second,
		RetryInterval:  25 * time.Millisecond,
	}
}

// KeyLocker takes the distributed locks guarding a set of stock keys.
// Keys are always locked in sorted order so two callers with overlapping
// sets cannot deadlock.
type KeyLocker struct {
	locks      lock.DistributedLock
	settings   LockSettings
	instanceID string
	logger     *zap.Logger
}

// NewKeyLocker creates a KeyLocker. Holder names are "<instanceID>/<uuid>".
func NewKeyLocker(locks lock.DistributedLock, settings LockSettings, instanceID string, logger *zap.Logger) *KeyLocker {
	if instanceID == "" {
		instanceID = "stockledger"
	}
	return &KeyLocker{locks: locks, settings: settings, instanceID: instanceID, logger: logger}
}

// NewHolder returns a fresh holder name for one operation
func (l *KeyLocker) NewHolder() string {
	return l.instanceID + "/" + uuid.NewString()
}

// LockAll acquires every key for holder. On success it returns a release
// function that must be called; on failure it has already released whatever
// it acquired.
func (l *KeyLocker) LockAll(ctx context.Context, holder string, keys []inventory.StockKey) (func(), error) {
	sorted := inventory.SortStockKeys(append([]inventory.StockKey(nil), keys...))

	deadline, cancel := context.WithTimeout(ctx, l.settings.AcquireTimeout)
	defer cancel()

	acquired := make([]string, 0, len(sorted))
	release := func() {
		// Detached from ctx so locks are freed after cancellation too.
		for i := len(acquired) - 1; i >= 0; i-- {
			if err := l.locks.Release(context.WithoutCancel(ctx), acquired[i], holder); err != nil {
				l.logger.Warn("Failed to release stock key lock",
					zap.String("lock_key", acquired[i]),
					zap.String("holder", holder),
					zap.Error(err))
			}
		}
	}

	for _, key := range sorted {
		lockKey := key.LockKey()
		if err := l.acquire(deadline, lockKey, holder); err != nil {
			release()
			return nil, err
		}
		acquired = append(acquired, lockKey)
	}
	return release, nil
}

func (l *KeyLocker) acquire(ctx context.Context, lockKey, holder string) error {
	interval := l.settings.RetryInterval
	if interval <= 0 {
		interval = DefaultLockSettings().RetryInterval
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = interval
	policy.MaxInterval = 20 * interval
	policy.MaxElapsedTime = 0

	var lastHolder string
	op := func() error {
		ok, current, err := l.locks.TryAcquire(ctx, lockKey, holder, l.settings.TTL)
		if err != nil {
			return backoff.Permanent(err)
		}
		if ok {
			return nil
		}
		if current != nil {
			lastHolder = current.Holder
		}
		return errLockBusy
	}

	err := backoff.Retry(op, backoff.WithContext(policy, ctx))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errLockBusy), errors.Is(err, context.DeadlineExceeded):
		return &LockTimeoutError{Key: lockKey, Holder: lastHolder}
	default:
		return fmt.Errorf("failed to acquire %s: %w", lockKey, err)
	}
}

var errLockBusy = errors.New("lock busy")
