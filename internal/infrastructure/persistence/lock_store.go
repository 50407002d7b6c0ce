package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erp/stockledger/internal/domain/lock"
	"github.com/erp/stockledger/internal/domain/shared"
	"github.com/erp/stockledger/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormLockStore implements lock.DistributedLock as lease rows in the shared
// database. Expiry is computed with the caller's clock, so instances are
// expected to keep their clocks in sync well within the shortest TTL.
type GormLockStore struct {
	db    *gorm.DB
	clock shared.Clock
}

// NewGormLockStore creates a new GormLockStore
func NewGormLockStore(db *gorm.DB, clock shared.Clock) *GormLockStore {
	if clock == nil {
		clock = shared.SystemClock()
	}
	return &GormLockStore{db: db, clock: clock}
}

// TryAcquire implements lock.DistributedLock
func (s *GormLockStore) TryAcquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, *lock.LockInfo, error) {
	if key == "" || holder == "" {
		return false, nil, shared.NewDomainError(shared.CodeInvalidInput, "lock key and holder are required")
	}
	if ttl <= 0 {
		return false, nil, shared.NewDomainError(shared.CodeInvalidInput, "lock ttl must be positive")
	}

	now := s.clock.Now()
	record := models.LockRecord{
		Key:        key,
		Holder:     holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	db := s.db.WithContext(ctx)
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if res.Error != nil {
		return false, nil, fmt.Errorf("failed to acquire lock %s: %w", key, res.Error)
	}
	if res.RowsAffected == 1 {
		return true, record.ToDomain(), nil
	}

	// Take over an expired lease, or extend our own.
	res = db.Model(&models.LockRecord{}).
		Where("lock_key = ? AND (expires_at <= ? OR holder = ?)", key, now, holder).
		Updates(map[string]any{
			"holder":      holder,
			"acquired_at": now,
			"expires_at":  now.Add(ttl),
		})
	if res.Error != nil {
		return false, nil, fmt.Errorf("failed to take over lock %s: %w", key, res.Error)
	}
	if res.RowsAffected == 1 {
		return true, record.ToDomain(), nil
	}

	current, err := s.find(ctx, key)
	if err != nil {
		return false, nil, err
	}
	return false, current, nil
}

// Release implements lock.DistributedLock
func (s *GormLockStore) Release(ctx context.Context, key, holder string) error {
	if err := s.db.WithContext(ctx).
		Where("lock_key = ? AND holder = ?", key, holder).
		Delete(&models.LockRecord{}).Error; err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return nil
}

// GetActiveLock implements lock.DistributedLock
func (s *GormLockStore) GetActiveLock(ctx context.Context, key string) (*lock.LockInfo, error) {
	info, err := s.find(ctx, key)
	if err != nil || info == nil {
		return nil, err
	}
	if info.IsExpired(s.clock.Now()) {
		return nil, nil
	}
	return info, nil
}

// PurgeExpired deletes lapsed leases and returns how many were removed
func (s *GormLockStore) PurgeExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at <= ?", s.clock.Now()).
		Delete(&models.LockRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge expired locks: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *GormLockStore) find(ctx context.Context, key string) (*lock.LockInfo, error) {
	var record models.LockRecord
	err := s.db.WithContext(ctx).Where("lock_key = ?", key).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock %s: %w", key, err)
	}
	return record.ToDomain(), nil
}

// Ensure GormLockStore implements lock.DistributedLock
var _ lock.DistributedLock = (*GormLockStore)(nil)
