package projection

import (
	"fmt"
	"time"

	"github.com/erp/stockledger/internal/domain/eventstore"
	"github.com/erp/stockledger/internal/domain/inventory"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// StockDelta is a signed change to one stock key caused by one event
type StockDelta struct {
	Key        inventory.StockKey
	OnHand     decimal.Decimal
	HardLocked decimal.Decimal
	At         time.Time
}

// HardLockChange adds or removes one active hard lock row
type HardLockChange struct {
	Remove bool
	Row    ActiveHardLockRow
}

// StockDeltas derives the on-hand and hard-lock changes of one event. It
// uses only the payload and the envelope's stream key. Unknown events
// produce no deltas.
func StockDeltas(env eventstore.Envelope, p inventory.Payload) ([]StockDelta, error) {
	switch e := p.(type) {
	case *inventory.StockMoved:
		return movementDeltas(env, e)
	case *inventory.PickingStarted:
		deltas := make([]StockDelta, 0, len(e.Lines))
		for _, l := range e.Lines {
			deltas = append(deltas, StockDelta{Key: l.Key(), OnHand: decimal.Zero, HardLocked: l.Quantity, At: env.RecordedAt})
		}
		return deltas, nil
	case *inventory.ReservationConsumed:
		deltas := make([]StockDelta, 0, len(e.Lines))
		for _, l := range e.Lines {
			deltas = append(deltas, StockDelta{Key: l.Key(), OnHand: decimal.Zero, HardLocked: l.LockedQuantity.Neg(), At: env.RecordedAt})
		}
		return deltas, nil
	case *inventory.ReservationCancelled:
		deltas := make([]StockDelta, 0, len(e.Released))
		for _, l := range e.Released {
			deltas = append(deltas, StockDelta{Key: l.Key(), OnHand: decimal.Zero, HardLocked: l.Quantity.Neg(), At: env.RecordedAt})
		}
		return deltas, nil
	default:
		return nil, nil
	}
}

// LocationDeltas derives raw balance changes. Only movements count.
func LocationDeltas(env eventstore.Envelope, p inventory.Payload) ([]StockDelta, error) {
	e, ok := p.(*inventory.StockMoved)
	if !ok {
		return nil, nil
	}
	return movementDeltas(env, e)
}

// HardLockChanges derives active hard lock row changes. The reservation id
// comes from the stream key.
func HardLockChanges(env eventstore.Envelope, p inventory.Payload) ([]HardLockChange, error) {
	var (
		lines  []inventory.LockedLine
		remove bool
	)
	switch e := p.(type) {
	case *inventory.PickingStarted:
		lines = e.Lines
	case *inventory.ReservationConsumed:
		remove = true
		for _, l := range e.Lines {
			lines = append(lines, inventory.LockedLine{WarehouseID: l.WarehouseID, Location: l.Location, SKU: l.SKU, Quantity: l.LockedQuantity})
		}
	case *inventory.ReservationCancelled:
		remove = true
		lines = e.Released
	default:
		return nil, nil
	}
	if len(lines) == 0 {
		return nil, nil
	}

	reservationID, err := inventory.ParseReservationStreamKey(env.StreamKey)
	if err != nil {
		return nil, err
	}
	changes := make([]HardLockChange, 0, len(lines))
	for _, l := range lines {
		changes = append(changes, HardLockChange{
			Remove: remove,
			Row: ActiveHardLockRow{
				ReservationID: reservationID,
				WarehouseID:   l.WarehouseID,
				Location:      l.Location,
				SKU:           l.SKU,
				Quantity:      l.Quantity,
				LockedAt:      env.RecordedAt,
			},
		})
	}
	return changes, nil
}

func movementDeltas(env eventstore.Envelope, e *inventory.StockMoved) ([]StockDelta, error) {
	anchor, err := inventory.ParseStockStreamKey(env.StreamKey)
	if err != nil {
		return nil, fmt.Errorf("movement at seq %d: %w", env.GlobalSeq, err)
	}
	deltas := make([]StockDelta, 0, 2)
	if !inventory.IsExternalLocation(e.FromLocation) {
		deltas = append(deltas, StockDelta{
			Key:        inventory.StockKey{WarehouseID: anchor.WarehouseID, Location: e.FromLocation, SKU: e.SKU},
			OnHand:     e.Quantity.Neg(),
			HardLocked: decimal.Zero,
			At:         env.RecordedAt,
		})
	}
	if !inventory.IsExternalLocation(e.ToLocation) {
		deltas = append(deltas, StockDelta{
			Key:        inventory.StockKey{WarehouseID: anchor.WarehouseID, Location: e.ToLocation, SKU: e.SKU},
			OnHand:     e.Quantity,
			HardLocked: decimal.Zero,
			At:         env.RecordedAt,
		})
	}
	return deltas, nil
}

// NewAvailableStockRow returns an empty row for key
func NewAvailableStockRow(key inventory.StockKey) *AvailableStockRow {
	return &AvailableStockRow{
		WarehouseID:   key.WarehouseID,
		Location:      key.Location,
		SKU:           key.SKU,
		OnHandQty:     decimal.Zero,
		HardLockedQty: decimal.Zero,
		AvailableQty:  decimal.Zero,
	}
}

// NewLocationBalanceRow returns an empty row for key
func NewLocationBalanceRow(key inventory.StockKey) *LocationBalanceRow {
	return &LocationBalanceRow{
		WarehouseID: key.WarehouseID,
		Location:    key.Location,
		SKU:         key.SKU,
		Quantity:    decimal.Zero,
	}
}

// ApplyDelta adds a movement delta to the balance
func (r *LocationBalanceRow) ApplyDelta(d StockDelta) {
	r.Quantity = r.Quantity.Add(d.OnHand)
	if d.At.After(r.LastUpdated) {
		r.LastUpdated = d.At
	}
}

// hardLockID identifies an active hard lock row
type hardLockID struct {
	reservation uuid.UUID
	key         inventory.StockKey
}
