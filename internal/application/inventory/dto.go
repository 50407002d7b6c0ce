package inventory

import (
	"time"

	"github.com/erp/stockledger/internal/domain/inventory"
	"github.com/erp/stockledger/internal/domain/projection"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RecordMovementRequest is the transport shape of a stock movement
type RecordMovementRequest struct {
	WarehouseID  string          `json:"warehouse_id" binding:"required"`
	FromLocation string          `json:"from_location" binding:"required"`
	ToLocation   string          `json:"to_location" binding:"required"`
	SKU          string          `json:"sku" binding:"required"`
	Quantity     decimal.Decimal `json:"quantity" binding:"required"`
	MovementType string          `json:"movement_type" binding:"required"`
	Reference    string          `json:"reference"`
}

// ToMovement converts the request to a domain movement
func (r RecordMovementRequest) ToMovement() inventory.Movement {
	return inventory.Movement{
		WarehouseID:  r.WarehouseID,
		FromLocation: r.FromLocation,
		ToLocation:   r.ToLocation,
		SKU:          r.SKU,
		Quantity:     r.Quantity,
		MovementType: inventory.MovementType(r.MovementType),
		Reference:    r.Reference,
	}
}

// MovementResult reports where a movement was recorded
type MovementResult struct {
	StreamKey string `json:"stream_key"`
	Version   int64  `json:"version"`
}

// CreateReservationRequest opens a reservation
type CreateReservationRequest struct {
	ID        *uuid.UUID             `json:"id"`
	Reference string                 `json:"reference"`
	Lines     []RequestedLineRequest `json:"lines" binding:"required,min=1,dive"`
}

// RequestedLineRequest is one requested SKU quantity
type RequestedLineRequest struct {
	WarehouseID string          `json:"warehouse_id" binding:"required"`
	SKU         string          `json:"sku" binding:"required"`
	Quantity    decimal.Decimal `json:"quantity" binding:"required"`
}

// AllocateRequest soft-assigns stock locations to a reservation
type AllocateRequest struct {
	Allocations []AllocationLineRequest `json:"allocations" binding:"required,min=1,dive"`
}

// AllocationLineRequest is one soft allocation line
type AllocationLineRequest struct {
	WarehouseID     string          `json:"warehouse_id" binding:"required"`
	Location        string          `json:"location" binding:"required"`
	SKU             string          `json:"sku" binding:"required"`
	Quantity        decimal.Decimal `json:"quantity" binding:"required"`
	HandlingUnitIDs []string        `json:"handling_unit_ids"`
}

// ConsumeRequest records picked quantities. Lines left out are consumed at
// their locked quantity.
type ConsumeRequest struct {
	Lines []ConsumeLineRequest `json:"lines" binding:"dive"`
	// IssueTo, when set, issues the picked quantities to this external
	// location (e.g. CUSTOMER) in addition to releasing the locks.
	IssueTo string `json:"issue_to"`
}

// ConsumeLineRequest is the actual picked quantity at one key
type ConsumeLineRequest struct {
	WarehouseID    string          `json:"warehouse_id" binding:"required"`
	Location       string          `json:"location" binding:"required"`
	SKU            string          `json:"sku" binding:"required"`
	ActualQuantity decimal.Decimal `json:"actual_quantity"`
}

// CancelRequest cancels a reservation
type CancelRequest struct {
	Reason string `json:"reason"`
}

// StartPickingRequest carries the caller's idempotency key
type StartPickingRequest struct {
	RequestID string `json:"request_id"`
}

// ReservationResponse is the read model of a reservation aggregate
type ReservationResponse struct {
	ID          uuid.UUID                  `json:"id"`
	Status      string                     `json:"status"`
	Reference   string                     `json:"reference,omitempty"`
	Version     int64                      `json:"version"`
	Requested   []inventory.RequestedLine  `json:"requested"`
	Allocations []inventory.AllocationLine `json:"allocations,omitempty"`
	Locked      []inventory.LockedLine     `json:"locked,omitempty"`
	Consumed    []inventory.ConsumedLine   `json:"consumed,omitempty"`
}

// ToReservationResponse converts the aggregate to its response shape
func ToReservationResponse(r *inventory.Reservation) *ReservationResponse {
	return &ReservationResponse{
		ID:          r.ID,
		Status:      string(r.Status),
		Reference:   r.Reference,
		Version:     r.Version,
		Requested:   r.Requested,
		Allocations: r.Allocations,
		Locked:      r.Locked,
		Consumed:    r.Consumed,
	}
}

// StartPickingResult reports the hard locks taken
type StartPickingResult struct {
	ReservationID uuid.UUID              `json:"reservation_id"`
	Status        string                 `json:"status"`
	Version       int64                  `json:"version"`
	Locked        []inventory.LockedLine `json:"locked"`
	Replayed      bool                   `json:"replayed"`
}

// StockFilterRequest is the query string shape of view queries
type StockFilterRequest struct {
	WarehouseID   string `form:"warehouse_id"`
	Location      string `form:"location"`
	SKU           string `form:"sku"`
	OnlyAvailable bool   `form:"only_available"`
	Limit         int    `form:"limit" binding:"omitempty,min=1,max=1000"`
	Offset        int    `form:"offset" binding:"omitempty,min=0"`
}

// ToFilter converts the request to a projection filter
func (r StockFilterRequest) ToFilter() projection.StockFilter {
	return projection.StockFilter{
		WarehouseID:   r.WarehouseID,
		Location:      r.Location,
		SKU:           r.SKU,
		OnlyAvailable: r.OnlyAvailable,
		Limit:         r.Limit,
		Offset:        r.Offset,
	}
}

// AvailableStockResponse is one available-stock view row
type AvailableStockResponse struct {
	WarehouseID   string          `json:"warehouse_id"`
	Location      string          `json:"location"`
	SKU           string          `json:"sku"`
	OnHandQty     decimal.Decimal `json:"on_hand_qty"`
	HardLockedQty decimal.Decimal `json:"hard_locked_qty"`
	AvailableQty  decimal.Decimal `json:"available_qty"`
	LastUpdated   time.Time       `json:"last_updated"`
}
