package inventory

import (
	"github.com/shopspring/decimal"
)

// Event type names as stored in the event log.
const (
	EventTypeStockMoved           = "StockMoved"
	EventTypeReservationCreated   = "ReservationCreated"
	EventTypeReservationAllocated = "ReservationAllocated"
	EventTypePickingStarted       = "PickingStarted"
	EventTypeReservationConsumed  = "ReservationConsumed"
	EventTypeReservationCancelled = "ReservationCancelled"
)

// Payload is the closed set of event bodies. Projections switch over the
// concrete types and ignore anything else.
type Payload interface {
	EventType() string
	isPayload()
}

// StockMoved records a quantity movement on a ledger stream. The warehouse
// comes from the stream key.
type StockMoved struct {
	FromLocation string          `json:"from_location"`
	ToLocation   string          `json:"to_location"`
	SKU          string          `json:"sku"`
	Quantity     decimal.Decimal `json:"quantity"`
	MovementType MovementType    `json:"movement_type"`
	Reference    string          `json:"reference,omitempty"`
}

// RequestedLine is what a reservation asks for before allocation
type RequestedLine struct {
	WarehouseID string          `json:"warehouse_id"`
	SKU         string          `json:"sku"`
	Quantity    decimal.Decimal `json:"quantity"`
}

// AllocationLine is a soft assignment of stock at a specific location
type AllocationLine struct {
	WarehouseID     string          `json:"warehouse_id"`
	Location        string          `json:"location"`
	SKU             string          `json:"sku"`
	Quantity        decimal.Decimal `json:"quantity"`
	HandlingUnitIDs []string        `json:"handling_unit_ids,omitempty"`
}

// Key returns the stock key the line draws from
func (l AllocationLine) Key() StockKey {
	return StockKey{WarehouseID: l.WarehouseID, Location: l.Location, SKU: l.SKU}
}

// LockedLine is one hard-locked quantity at a stock key
type LockedLine struct {
	WarehouseID string          `json:"warehouse_id"`
	Location    string          `json:"location"`
	SKU         string          `json:"sku"`
	Quantity    decimal.Decimal `json:"quantity"`
}

// Key returns the stock key the lock applies to
func (l LockedLine) Key() StockKey {
	return StockKey{WarehouseID: l.WarehouseID, Location: l.Location, SKU: l.SKU}
}

// ConsumedLine records the picked quantity for one hard-locked line
type ConsumedLine struct {
	WarehouseID    string          `json:"warehouse_id"`
	Location       string          `json:"location"`
	SKU            string          `json:"sku"`
	LockedQuantity decimal.Decimal `json:"locked_quantity"`
	ActualQuantity decimal.Decimal `json:"actual_quantity"`
}

// Key returns the stock key of the consumed line
func (l ConsumedLine) Key() StockKey {
	return StockKey{WarehouseID: l.WarehouseID, Location: l.Location, SKU: l.SKU}
}

// ReservationCreated opens a reservation stream
type ReservationCreated struct {
	Reference string          `json:"reference,omitempty"`
	Lines     []RequestedLine `json:"lines"`
}

// ReservationAllocated records the soft allocation
type ReservationAllocated struct {
	Allocations []AllocationLine `json:"allocations"`
}

// PickingStarted records the hard lock of every allocation line
type PickingStarted struct {
	RequestID string       `json:"request_id,omitempty"`
	Lines     []LockedLine `json:"lines"`
}

// ReservationConsumed releases hard locks after picking
type ReservationConsumed struct {
	Lines []ConsumedLine `json:"lines"`
}

// ReservationCancelled releases whatever hard locks the reservation held
type ReservationCancelled struct {
	Reason   string       `json:"reason,omitempty"`
	Released []LockedLine `json:"released,omitempty"`
}

// UnknownEvent is produced when decoding an event type this build does not know.
type UnknownEvent struct {
	Type string
}

func (*StockMoved) EventType() string           { return EventTypeStockMoved }
func (*ReservationCreated) EventType() string   { return EventTypeReservationCreated }
func (*ReservationAllocated) EventType() string { return EventTypeReservationAllocated }
func (*PickingStarted) EventType() string       { return EventTypePickingStarted }
func (*ReservationConsumed) EventType() string  { return EventTypeReservationConsumed }
func (*ReservationCancelled) EventType() string { return EventTypeReservationCancelled }
func (e *UnknownEvent) EventType() string       { return e.Type }

func (*StockMoved) isPayload()           {}
func (*ReservationCreated) isPayload()   {}
func (*ReservationAllocated) isPayload() {}
func (*PickingStarted) isPayload()       {}
func (*ReservationConsumed) isPayload()  {}
func (*ReservationCancelled) isPayload() {}
func (*UnknownEvent) isPayload()         {}
