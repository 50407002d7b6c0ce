// Package projection holds the materialized views derived from the event
// log: their row shapes, the pure functions that fold events into them, and
// the field-level checksums used to verify rebuilds.
package projection

import (
	"time"

	"github.com/erp/stockledger/internal/domain/inventory"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LocationBalanceRow is raw physical quantity at a location. It ignores locks.
type LocationBalanceRow struct {
	WarehouseID string          `gorm:"column:warehouse_id;type:varchar(64);primaryKey"`
	Location    string          `gorm:"column:location;type:varchar(128);primaryKey"`
	SKU         string          `gorm:"column:sku;type:varchar(128);primaryKey"`
	Quantity    decimal.Decimal `gorm:"column:quantity;type:decimal(18,4);not null"`
	LastUpdated time.Time       `gorm:"column:last_updated;not null"`
}

// TableName returns the production table name for GORM
func (LocationBalanceRow) TableName() string { return TableLocationBalance }

// Key returns the natural key of the row
func (r *LocationBalanceRow) Key() inventory.StockKey {
	return inventory.StockKey{WarehouseID: r.WarehouseID, Location: r.Location, SKU: r.SKU}
}

// ChecksumFields is the canonical field list hashed for verification
func (r *LocationBalanceRow) ChecksumFields() []string {
	return []string{r.WarehouseID, r.Location, r.SKU, canonicalQty(r.Quantity)}
}

// AvailableStockRow is on-hand minus hard-locked quantity per stock key
type AvailableStockRow struct {
	WarehouseID   string          `gorm:"column:warehouse_id;type:varchar(64);primaryKey"`
	Location      string          `gorm:"column:location;type:varchar(128);primaryKey"`
	SKU           string          `gorm:"column:sku;type:varchar(128);primaryKey"`
	OnHandQty     decimal.Decimal `gorm:"column:on_hand_qty;type:decimal(18,4);not null"`
	HardLockedQty decimal.Decimal `gorm:"column:hard_locked_qty;type:decimal(18,4);not null"`
	AvailableQty  decimal.Decimal `gorm:"column:available_qty;type:decimal(18,4);not null"`
	LastUpdated   time.Time       `gorm:"column:last_updated;not null"`
}

// TableName returns the production table name for GORM
func (AvailableStockRow) TableName() string { return TableAvailableStock }

// Key returns the natural key of the row
func (r *AvailableStockRow) Key() inventory.StockKey {
	return inventory.StockKey{WarehouseID: r.WarehouseID, Location: r.Location, SKU: r.SKU}
}

// ChecksumFields is the canonical field list hashed for verification
func (r *AvailableStockRow) ChecksumFields() []string {
	return []string{
		r.WarehouseID, r.Location, r.SKU,
		canonicalQty(r.OnHandQty),
		canonicalQty(r.HardLockedQty),
		canonicalQty(r.AvailableQty),
	}
}

// ApplyDelta adds to on-hand and hard-locked quantities. Hard-locked is
// clamped at zero and available is always recomputed.
func (r *AvailableStockRow) ApplyDelta(d StockDelta) {
	r.OnHandQty = r.OnHandQty.Add(d.OnHand)
	r.HardLockedQty = r.HardLockedQty.Add(d.HardLocked)
	if r.HardLockedQty.IsNegative() {
		r.HardLockedQty = decimal.Zero
	}
	r.AvailableQty = r.OnHandQty.Sub(r.HardLockedQty)
	if d.At.After(r.LastUpdated) {
		r.LastUpdated = d.At
	}
}

// ActiveHardLockRow is one hard lock held by a reservation in Picking
type ActiveHardLockRow struct {
	ReservationID uuid.UUID       `gorm:"column:reservation_id;type:uuid;primaryKey"`
	WarehouseID   string          `gorm:"column:warehouse_id;type:varchar(64);primaryKey"`
	Location      string          `gorm:"column:location;type:varchar(128);primaryKey"`
	SKU           string          `gorm:"column:sku;type:varchar(128);primaryKey"`
	Quantity      decimal.Decimal `gorm:"column:quantity;type:decimal(18,4);not null"`
	LockedAt      time.Time       `gorm:"column:locked_at;not null"`
}

// TableName returns the production table name for GORM
func (ActiveHardLockRow) TableName() string { return TableActiveHardLock }

// Key returns the stock key the lock applies to
func (r *ActiveHardLockRow) Key() inventory.StockKey {
	return inventory.StockKey{WarehouseID: r.WarehouseID, Location: r.Location, SKU: r.SKU}
}

// ChecksumFields is the canonical field list hashed for verification
func (r *ActiveHardLockRow) ChecksumFields() []string {
	return []string{r.ReservationID.String(), r.WarehouseID, r.Location, r.SKU, canonicalQty(r.Quantity)}
}

// OnHandValueRow blends ledger quantity with current item reference data
type OnHandValueRow struct {
	WarehouseID string          `gorm:"column:warehouse_id;type:varchar(64);primaryKey"`
	SKU         string          `gorm:"column:sku;type:varchar(128);primaryKey"`
	ItemName    string          `gorm:"column:item_name;type:varchar(255);not null"`
	Category    string          `gorm:"column:category;type:varchar(128);not null"`
	Quantity    decimal.Decimal `gorm:"column:quantity;type:decimal(18,4);not null"`
	UnitCost    decimal.Decimal `gorm:"column:unit_cost;type:decimal(18,4);not null"`
	TotalValue  decimal.Decimal `gorm:"column:total_value;type:decimal(18,4);not null"`
}

// TableName returns the production table name for GORM
func (OnHandValueRow) TableName() string { return TableOnHandValue }

// ChecksumFields is the canonical field list hashed for verification
func (r *OnHandValueRow) ChecksumFields() []string {
	return []string{
		r.WarehouseID, r.SKU, r.ItemName, r.Category,
		canonicalQty(r.Quantity),
		canonicalQty(r.UnitCost),
		canonicalQty(r.TotalValue),
	}
}

// canonicalQty renders a quantity at the column scale so that values read
// back from different drivers ("200", "200.0000", 200.0) hash the same.
func canonicalQty(d decimal.Decimal) string {
	return d.StringFixed(4)
}
