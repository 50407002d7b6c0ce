package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/erp/stockledger/internal/domain/inventory"
	"github.com/erp/stockledger/internal/domain/projection"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const maxQueryLimit = 1000

// GormViewReader implements projection.ViewReader
type GormViewReader struct {
	db *gorm.DB
}

// NewGormViewReader creates a new GormViewReader
func NewGormViewReader(db *gorm.DB) *GormViewReader {
	return &GormViewReader{db: db}
}

// FindAvailable returns the available stock rows for keys. Keys without a
// row are absent from the map.
func (r *GormViewReader) FindAvailable(ctx context.Context, keys []inventory.StockKey) (map[inventory.StockKey]projection.AvailableStockRow, error) {
	out := make(map[inventory.StockKey]projection.AvailableStockRow, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	// SQLite has no row-value IN list, so the keys are OR-ed.
	conds := make([]string, len(keys))
	args := make([]any, 0, len(keys)*3)
	for i, k := range keys {
		conds[i] = "(warehouse_id = ? AND location = ? AND sku = ?)"
		args = append(args, k.WarehouseID, k.Location, k.SKU)
	}
	var rows []projection.AvailableStockRow
	if err := r.db.WithContext(ctx).
		Where(strings.Join(conds, " OR "), args...).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to read available stock: %w", err)
	}
	for _, row := range rows {
		out[row.Key()] = row
	}
	return out, nil
}

// QueryAvailableStock lists available stock rows matching filter
func (r *GormViewReader) QueryAvailableStock(ctx context.Context, filter projection.StockFilter) ([]projection.AvailableStockRow, error) {
	q := r.filtered(ctx, filter, true)
	if filter.OnlyAvailable {
		q = q.Where("available_qty > 0")
	}
	var rows []projection.AvailableStockRow
	if err := q.Order("warehouse_id, location, sku").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query available stock: %w", err)
	}
	return rows, nil
}

// QueryLocationBalance lists location balance rows matching filter
func (r *GormViewReader) QueryLocationBalance(ctx context.Context, filter projection.StockFilter) ([]projection.LocationBalanceRow, error) {
	var rows []projection.LocationBalanceRow
	if err := r.filtered(ctx, filter, true).Order("warehouse_id, location, sku").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query location balance: %w", err)
	}
	return rows, nil
}

// QueryOnHandValue lists on-hand value rows matching filter. The location
// part of the filter does not apply to this view.
func (r *GormViewReader) QueryOnHandValue(ctx context.Context, filter projection.StockFilter) ([]projection.OnHandValueRow, error) {
	var rows []projection.OnHandValueRow
	if err := r.filtered(ctx, filter, false).Order("warehouse_id, sku").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query on-hand value: %w", err)
	}
	return rows, nil
}

// HardLocksByReservation lists the active hard locks of one reservation
func (r *GormViewReader) HardLocksByReservation(ctx context.Context, reservationID uuid.UUID) ([]projection.ActiveHardLockRow, error) {
	var rows []projection.ActiveHardLockRow
	if err := r.db.WithContext(ctx).
		Where("reservation_id = ?", reservationID).
		Order("warehouse_id, location, sku").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query hard locks of %s: %w", reservationID, err)
	}
	return rows, nil
}

func (r *GormViewReader) filtered(ctx context.Context, filter projection.StockFilter, hasLocation bool) *gorm.DB {
	q := r.db.WithContext(ctx)
	if filter.WarehouseID != "" {
		q = q.Where("warehouse_id = ?", filter.WarehouseID)
	}
	if hasLocation && filter.Location != "" {
		q = q.Where("location = ?", filter.Location)
	}
	if filter.SKU != "" {
		q = q.Where("sku = ?", filter.SKU)
	}
	limit := filter.Limit
	if limit <= 0 || limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	q = q.Limit(limit)
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	return q
}

// Ensure GormViewReader implements projection.ViewReader
var _ projection.ViewReader = (*GormViewReader)(nil)
