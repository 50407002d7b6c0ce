// Package lock defines the lease-based distributed lock used across service
// instances sharing one backing store.
package lock

import (
	"context"
	"time"
)

// LockInfo describes the current holder of a lease
type LockInfo struct {
	Key        string    `json:"key"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// IsExpired reports whether the lease has lapsed at now
func (l *LockInfo) IsExpired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// DistributedLock is a keyed lease. A lease whose expiry has passed is
// treated as absent, so a crashed holder's lock frees itself after its TTL.
type DistributedLock interface {
	// TryAcquire takes the lease for holder without waiting. If another
	// holder has it, acquired is false and current describes that holder.
	// A holder re-acquiring its own live lease extends it.
	TryAcquire(ctx context.Context, key, holder string, ttl time.Duration) (acquired bool, current *LockInfo, err error)

	// Release frees the lease if holder owns it; otherwise it does nothing.
	Release(ctx context.Context, key, holder string) error

	// GetActiveLock returns the live lease for key, or nil.
	GetActiveLock(ctx context.Context, key string) (*LockInfo, error)
}

// RebuildLockKey is the lock name serializing writers of one projection
func RebuildLockKey(projection string) string {
	return "projection-rebuild:" + projection
}
