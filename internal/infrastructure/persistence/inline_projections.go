package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/erp/stockledger/internal/domain/eventstore"
	"github.com/erp/stockledger/internal/domain/inventory"
	"github.com/erp/stockledger/internal/domain/projection"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var stockKeyColumns = []clause.Column{{Name: "warehouse_id"}, {Name: "location"}, {Name: "sku"}}

// TableProjector applies events to any table with its view's schema. The
// swap uses it to bring a shadow table up to the head.
type TableProjector interface {
	InlineProjector
	ApplyTo(ctx context.Context, tx *gorm.DB, table string, events []eventstore.Envelope) error
}

// AvailableStockProjector maintains available_stock incrementally.
type AvailableStockProjector struct{}

// NewAvailableStockProjector creates the projector
func NewAvailableStockProjector() *AvailableStockProjector {
	return &AvailableStockProjector{}
}

// Name implements InlineProjector
func (p *AvailableStockProjector) Name() string { return projection.AvailableStock }

// ApplyInline implements InlineProjector
func (p *AvailableStockProjector) ApplyInline(ctx context.Context, tx *gorm.DB, events []eventstore.Envelope) error {
	return p.ApplyTo(ctx, tx, projection.TableAvailableStock, events)
}

// ApplyTo implements TableProjector
func (p *AvailableStockProjector) ApplyTo(ctx context.Context, tx *gorm.DB, table string, events []eventstore.Envelope) error {
	for _, env := range events {
		payload, err := inventory.Decode(env)
		if err != nil {
			return err
		}
		deltas, err := projection.StockDeltas(env, payload)
		if err != nil {
			return err
		}
		for _, d := range deltas {
			row := projection.NewAvailableStockRow(d.Key)
			var existing projection.AvailableStockRow
			found, err := lockedFind(ctx, tx, table, d.Key, &existing)
			if err != nil {
				return err
			}
			if found {
				row = &existing
			}
			row.ApplyDelta(d)
			if err := tx.WithContext(ctx).Table(table).
				Clauses(clause.OnConflict{
					Columns:   stockKeyColumns,
					DoUpdates: clause.AssignmentColumns([]string{"on_hand_qty", "hard_locked_qty", "available_qty", "last_updated"}),
				}).
				Create(row).Error; err != nil {
				return fmt.Errorf("failed to upsert available stock %s: %w", d.Key, err)
			}
		}
	}
	return nil
}

// LocationBalanceProjector maintains location_balance. It runs from the
// projection daemon, not inside appends.
type LocationBalanceProjector struct{}

// NewLocationBalanceProjector creates the projector
func NewLocationBalanceProjector() *LocationBalanceProjector {
	return &LocationBalanceProjector{}
}

// Name implements InlineProjector
func (p *LocationBalanceProjector) Name() string { return projection.LocationBalance }

// ApplyInline implements InlineProjector
func (p *LocationBalanceProjector) ApplyInline(ctx context.Context, tx *gorm.DB, events []eventstore.Envelope) error {
	return p.ApplyTo(ctx, tx, projection.TableLocationBalance, events)
}

// ApplyTo implements TableProjector
func (p *LocationBalanceProjector) ApplyTo(ctx context.Context, tx *gorm.DB, table string, events []eventstore.Envelope) error {
	for _, env := range events {
		payload, err := inventory.Decode(env)
		if err != nil {
			return err
		}
		deltas, err := projection.LocationDeltas(env, payload)
		if err != nil {
			return err
		}
		for _, d := range deltas {
			row := projection.NewLocationBalanceRow(d.Key)
			var existing projection.LocationBalanceRow
			found, err := lockedFind(ctx, tx, table, d.Key, &existing)
			if err != nil {
				return err
			}
			if found {
				row = &existing
			}
			row.ApplyDelta(d)
			if err := tx.WithContext(ctx).Table(table).
				Clauses(clause.OnConflict{
					Columns:   stockKeyColumns,
					DoUpdates: clause.AssignmentColumns([]string{"quantity", "last_updated"}),
				}).
				Create(row).Error; err != nil {
				return fmt.Errorf("failed to upsert location balance %s: %w", d.Key, err)
			}
		}
	}
	return nil
}

// ActiveHardLockProjector maintains active_hard_locks.
type ActiveHardLockProjector struct{}

// NewActiveHardLockProjector creates the projector
func NewActiveHardLockProjector() *ActiveHardLockProjector {
	return &ActiveHardLockProjector{}
}

// Name implements InlineProjector
func (p *ActiveHardLockProjector) Name() string { return projection.ActiveHardLock }

// ApplyInline implements InlineProjector
func (p *ActiveHardLockProjector) ApplyInline(ctx context.Context, tx *gorm.DB, events []eventstore.Envelope) error {
	return p.ApplyTo(ctx, tx, projection.TableActiveHardLock, events)
}

// ApplyTo implements TableProjector
func (p *ActiveHardLockProjector) ApplyTo(ctx context.Context, tx *gorm.DB, table string, events []eventstore.Envelope) error {
	for _, env := range events {
		if env.Family != eventstore.FamilyReservation {
			continue
		}
		payload, err := inventory.Decode(env)
		if err != nil {
			return err
		}
		changes, err := projection.HardLockChanges(env, payload)
		if err != nil {
			return err
		}
		for _, c := range changes {
			row := c.Row
			q := tx.WithContext(ctx).Table(table)
			if c.Remove {
				if err := q.Where("reservation_id = ? AND warehouse_id = ? AND location = ? AND sku = ?",
					row.ReservationID, row.WarehouseID, row.Location, row.SKU).
					Delete(&projection.ActiveHardLockRow{}).Error; err != nil {
					return fmt.Errorf("failed to remove hard lock %s/%s: %w", row.ReservationID, row.Key(), err)
				}
				continue
			}
			if err := q.Clauses(clause.OnConflict{
				Columns:   append([]clause.Column{{Name: "reservation_id"}}, stockKeyColumns...),
				DoUpdates: clause.AssignmentColumns([]string{"quantity", "locked_at"}),
			}).Create(&row).Error; err != nil {
				return fmt.Errorf("failed to insert hard lock %s/%s: %w", row.ReservationID, row.Key(), err)
			}
		}
	}
	return nil
}

// lockedFind loads the row for key into dest and reports whether it exists.
// On PostgreSQL the row is locked for the rest of the transaction.
func lockedFind(ctx context.Context, tx *gorm.DB, table string, key inventory.StockKey, dest any) (bool, error) {
	q := tx.WithContext(ctx).Table(table).
		Where("warehouse_id = ? AND location = ? AND sku = ?", key.WarehouseID, key.Location, key.SKU)
	if isPostgres(tx) {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := q.Take(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s row %s: %w", table, key, err)
	}
	return true, nil
}

// DefaultInlineProjectors returns the projectors applied with every append
func DefaultInlineProjectors() []InlineProjector {
	return []InlineProjector{
		NewAvailableStockProjector(),
		NewActiveHardLockProjector(),
	}
}

var (
	_ TableProjector = (*AvailableStockProjector)(nil)
	_ TableProjector = (*LocationBalanceProjector)(nil)
	_ TableProjector = (*ActiveHardLockProjector)(nil)
)
