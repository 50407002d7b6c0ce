package models

import (
	"time"

	"github.com/erp/stockledger/internal/domain/lock"
)

// LockRecord is a lease row. It exists only while held or until an expired
// lease is taken over by the next acquirer.
type LockRecord struct {
	Key        string    `gorm:"column:lock_key;type:varchar(512);primaryKey"`
	Holder     string    `gorm:"column:holder;type:varchar(255);not null"`
	AcquiredAt time.Time `gorm:"column:acquired_at;not null"`
	ExpiresAt  time.Time `gorm:"column:expires_at;not null;index:idx_distributed_locks_expires_at"`
}

// TableName returns the table name for GORM
func (LockRecord) TableName() string {
	return "distributed_locks"
}

// ToDomain converts the record into LockInfo
func (m *LockRecord) ToDomain() *lock.LockInfo {
	return &lock.LockInfo{
		Key:        m.Key,
		Holder:     m.Holder,
		AcquiredAt: m.AcquiredAt,
		ExpiresAt:  m.ExpiresAt,
	}
}
