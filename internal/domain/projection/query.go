package projection

import (
	"context"

	"github.com/erp/stockledger/internal/domain/inventory"
	"github.com/google/uuid"
)

// StockFilter narrows view queries. Empty fields match everything.
type StockFilter struct {
	WarehouseID string
	Location    string
	SKU         string
	// OnlyAvailable drops rows whose available quantity is not positive.
	OnlyAvailable bool
	Limit         int
	Offset        int
}

// ViewReader reads the live materialized views
type ViewReader interface {
	FindAvailable(ctx context.Context, keys []inventory.StockKey) (map[inventory.StockKey]AvailableStockRow, error)
	QueryAvailableStock(ctx context.Context, filter StockFilter) ([]AvailableStockRow, error)
	QueryLocationBalance(ctx context.Context, filter StockFilter) ([]LocationBalanceRow, error)
	QueryOnHandValue(ctx context.Context, filter StockFilter) ([]OnHandValueRow, error)
	HardLocksByReservation(ctx context.Context, reservationID uuid.UUID) ([]ActiveHardLockRow, error)
}
