package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/erp/stockledger/internal/domain/shared"
	"github.com/erp/stockledger/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProgressStore records the last global sequence applied to each async
// projection.
type ProgressStore struct {
	db    *gorm.DB
	clock shared.Clock
}

// NewProgressStore creates a new ProgressStore
func NewProgressStore(db *gorm.DB, clock shared.Clock) *ProgressStore {
	if clock == nil {
		clock = shared.SystemClock()
	}
	return &ProgressStore{db: db, clock: clock}
}

// WithTx returns a store bound to tx
func (s *ProgressStore) WithTx(tx *gorm.DB) *ProgressStore {
	return &ProgressStore{db: tx, clock: s.clock}
}

// Get returns the marker for name, 0 when the projection never ran
func (s *ProgressStore) Get(ctx context.Context, name string) (int64, error) {
	var record models.ProjectionProgressRecord
	err := s.db.WithContext(ctx).Where("projection = ?", name).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read progress of %s: %w", name, err)
	}
	return record.LastSeq, nil
}

// Set stores the marker for name
func (s *ProgressStore) Set(ctx context.Context, name string, seq int64) error {
	record := models.ProjectionProgressRecord{
		Projection: name,
		LastSeq:    seq,
		UpdatedAt:  s.clock.Now(),
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "projection"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_seq", "updated_at"}),
	}).Create(&record).Error; err != nil {
		return fmt.Errorf("failed to store progress of %s: %w", name, err)
	}
	return nil
}
