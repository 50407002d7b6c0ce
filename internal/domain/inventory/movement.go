package inventory

import (
	"github.com/erp/stockledger/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// MovementType classifies a ledger movement
type MovementType string

const (
	MovementReceipt               MovementType = "RECEIPT"
	MovementTransfer              MovementType = "TRANSFER"
	MovementIssue                 MovementType = "ISSUE"
	MovementAdjustment            MovementType = "ADJUSTMENT"
	MovementProductionOutput      MovementType = "PRODUCTION_OUTPUT"
	MovementProductionConsumption MovementType = "PRODUCTION_CONSUMPTION"
)

// IsValid reports whether t is a known movement type
func (t MovementType) IsValid() bool {
	switch t {
	case MovementReceipt, MovementTransfer, MovementIssue, MovementAdjustment,
		MovementProductionOutput, MovementProductionConsumption:
		return true
	}
	return false
}

// External sources and sinks. A movement touching one of these only changes
// the balance on its internal side.
const (
	LocationSupplier   = "SUPPLIER"
	LocationCustomer   = "CUSTOMER"
	LocationProduction = "PRODUCTION"
	LocationAdjustment = "ADJUSTMENT"
)

// IsExternalLocation reports whether a location is a virtual source/sink
func IsExternalLocation(location string) bool {
	switch location {
	case LocationSupplier, LocationCustomer, LocationProduction, LocationAdjustment:
		return true
	}
	return false
}

// Movement is a request to move quantity of one SKU between two locations
// inside the same warehouse.
type Movement struct {
	WarehouseID  string
	FromLocation string
	ToLocation   string
	SKU          string
	Quantity     decimal.Decimal
	MovementType MovementType
	Reference    string
}

// Validate checks the movement shape. Resulting balances are not checked;
// the ledger accepts negative on-hand.
func (m Movement) Validate() error {
	if m.WarehouseID == "" || m.SKU == "" {
		return shared.NewDomainError(shared.CodeInvalidInput, "movement requires warehouse and sku")
	}
	if m.FromLocation == "" || m.ToLocation == "" {
		return shared.NewDomainError(shared.CodeInvalidInput, "movement requires from and to locations")
	}
	if m.FromLocation == m.ToLocation {
		return shared.NewDomainError(shared.CodeInvalidInput, "movement from and to locations must differ")
	}
	if IsExternalLocation(m.FromLocation) && IsExternalLocation(m.ToLocation) {
		return shared.NewDomainError(shared.CodeInvalidInput, "movement must touch at least one internal location")
	}
	if !m.Quantity.IsPositive() {
		return shared.NewDomainError(shared.CodeInvalidInput, "movement quantity must be positive")
	}
	if !m.MovementType.IsValid() {
		return shared.NewDomainError(shared.CodeInvalidInput, "unknown movement type: "+string(m.MovementType))
	}
	return nil
}

// AnchorKey is the ledger stream the movement is recorded on: the internal
// from side, or the to side when stock enters from an external source.
func (m Movement) AnchorKey() StockKey {
	loc := m.FromLocation
	if IsExternalLocation(loc) {
		loc = m.ToLocation
	}
	return StockKey{WarehouseID: m.WarehouseID, Location: loc, SKU: m.SKU}
}

// AffectedKeys returns the sorted internal keys whose balance the movement changes.
func (m Movement) AffectedKeys() []StockKey {
	keys := make([]StockKey, 0, 2)
	for _, loc := range []string{m.FromLocation, m.ToLocation} {
		if !IsExternalLocation(loc) {
			keys = append(keys, StockKey{WarehouseID: m.WarehouseID, Location: loc, SKU: m.SKU})
		}
	}
	return SortStockKeys(keys)
}

// Event converts the movement into its ledger event payload
func (m Movement) Event() *StockMoved {
	return &StockMoved{
		FromLocation: m.FromLocation,
		ToLocation:   m.ToLocation,
		SKU:          m.SKU,
		Quantity:     m.Quantity,
		MovementType: m.MovementType,
		Reference:    m.Reference,
	}
}
