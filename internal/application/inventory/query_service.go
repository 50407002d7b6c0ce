package inventory

import (
	"context"

	"github.com/erp/stockledger/internal/domain/projection"
	"github.com/google/uuid"
)

// StockQueryService serves read-only view queries
type StockQueryService struct {
	views projection.ViewReader
}

// NewStockQueryService creates a new StockQueryService
func NewStockQueryService(views projection.ViewReader) *StockQueryService {
	return &StockQueryService{views: views}
}

// QueryAvailableStock returns available-stock rows matching filter
func (s *StockQueryService) QueryAvailableStock(ctx context.Context, filter projection.StockFilter) ([]AvailableStockResponse, error) {
	rows, err := s.views.QueryAvailableStock(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]AvailableStockResponse, 0, len(rows))
	for _, r := range rows {
		out = append(out, AvailableStockResponse{
			WarehouseID:   r.WarehouseID,
			Location:      r.Location,
			SKU:           r.SKU,
			OnHandQty:     r.OnHandQty,
			HardLockedQty: r.HardLockedQty,
			AvailableQty:  r.AvailableQty,
			LastUpdated:   r.LastUpdated,
		})
	}
	return out, nil
}

// QueryLocationBalance returns raw location balances
func (s *StockQueryService) QueryLocationBalance(ctx context.Context, filter projection.StockFilter) ([]projection.LocationBalanceRow, error) {
	return s.views.QueryLocationBalance(ctx, filter)
}

// QueryOnHandValue returns valued on-hand totals per warehouse and sku
func (s *StockQueryService) QueryOnHandValue(ctx context.Context, filter projection.StockFilter) ([]projection.OnHandValueRow, error) {
	return s.views.QueryOnHandValue(ctx, filter)
}

// HardLocks returns the active hard locks held by a reservation
func (s *StockQueryService) HardLocks(ctx context.Context, reservationID uuid.UUID) ([]projection.ActiveHardLockRow, error) {
	return s.views.HardLocksByReservation(ctx, reservationID)
}
