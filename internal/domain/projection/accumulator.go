package projection

import (
	"sort"

	"github.com/erp/stockledger/internal/domain/eventstore"
	"github.com/erp/stockledger/internal/domain/inventory"
)

// Accumulator folds a full event history in memory, keyed by the view's
// natural key, using the same delta functions as incremental maintenance.
type Accumulator interface {
	Apply(env eventstore.Envelope, p inventory.Payload) error
	// Rows returns the accumulated rows sorted by natural key, as a slice
	// suitable for bulk insert.
	Rows() any
	Len() int
}

// AvailableStockAccumulator accumulates the AvailableStock view
type AvailableStockAccumulator struct {
	rows map[inventory.StockKey]*AvailableStockRow
}

// NewAvailableStockAccumulator creates an empty accumulator
func NewAvailableStockAccumulator() *AvailableStockAccumulator {
	return &AvailableStockAccumulator{rows: make(map[inventory.StockKey]*AvailableStockRow)}
}

// Apply folds one event
func (a *AvailableStockAccumulator) Apply(env eventstore.Envelope, p inventory.Payload) error {
	deltas, err := StockDeltas(env, p)
	if err != nil {
		return err
	}
	for _, d := range deltas {
		row, ok := a.rows[d.Key]
		if !ok {
			row = NewAvailableStockRow(d.Key)
			a.rows[d.Key] = row
		}
		row.ApplyDelta(d)
	}
	return nil
}

// Row returns the accumulated row for key, if any
func (a *AvailableStockAccumulator) Row(key inventory.StockKey) (*AvailableStockRow, bool) {
	r, ok := a.rows[key]
	return r, ok
}

// Rows returns []AvailableStockRow sorted by key
func (a *AvailableStockAccumulator) Rows() any {
	out := make([]AvailableStockRow, 0, len(a.rows))
	for _, r := range a.rows {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().Less(out[j].Key()) })
	return out
}

// Len returns the number of rows
func (a *AvailableStockAccumulator) Len() int { return len(a.rows) }

// LocationBalanceAccumulator accumulates the LocationBalance view
type LocationBalanceAccumulator struct {
	rows map[inventory.StockKey]*LocationBalanceRow
}

// NewLocationBalanceAccumulator creates an empty accumulator
func NewLocationBalanceAccumulator() *LocationBalanceAccumulator {
	return &LocationBalanceAccumulator{rows: make(map[inventory.StockKey]*LocationBalanceRow)}
}

// Apply folds one event
func (a *LocationBalanceAccumulator) Apply(env eventstore.Envelope, p inventory.Payload) error {
	deltas, err := LocationDeltas(env, p)
	if err != nil {
		return err
	}
	for _, d := range deltas {
		row, ok := a.rows[d.Key]
		if !ok {
			row = NewLocationBalanceRow(d.Key)
			a.rows[d.Key] = row
		}
		row.ApplyDelta(d)
	}
	return nil
}

// Row returns the accumulated row for key, if any
func (a *LocationBalanceAccumulator) Row(key inventory.StockKey) (*LocationBalanceRow, bool) {
	r, ok := a.rows[key]
	return r, ok
}

// Rows returns []LocationBalanceRow sorted by key
func (a *LocationBalanceAccumulator) Rows() any {
	out := make([]LocationBalanceRow, 0, len(a.rows))
	for _, r := range a.rows {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().Less(out[j].Key()) })
	return out
}

// Len returns the number of rows
func (a *LocationBalanceAccumulator) Len() int { return len(a.rows) }

// ActiveHardLockAccumulator accumulates the ActiveHardLock view
type ActiveHardLockAccumulator struct {
	rows map[hardLockID]*ActiveHardLockRow
}

// NewActiveHardLockAccumulator creates an empty accumulator
func NewActiveHardLockAccumulator() *ActiveHardLockAccumulator {
	return &ActiveHardLockAccumulator{rows: make(map[hardLockID]*ActiveHardLockRow)}
}

// Apply folds one event
func (a *ActiveHardLockAccumulator) Apply(env eventstore.Envelope, p inventory.Payload) error {
	changes, err := HardLockChanges(env, p)
	if err != nil {
		return err
	}
	for _, c := range changes {
		id := hardLockID{reservation: c.Row.ReservationID, key: c.Row.Key()}
		if c.Remove {
			delete(a.rows, id)
			continue
		}
		row := c.Row
		a.rows[id] = &row
	}
	return nil
}

// Rows returns []ActiveHardLockRow sorted by reservation then key
func (a *ActiveHardLockAccumulator) Rows() any {
	out := make([]ActiveHardLockRow, 0, len(a.rows))
	for _, r := range a.rows {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].ReservationID.String(), out[j].ReservationID.String()
		if ri != rj {
			return ri < rj
		}
		return out[i].Key().Less(out[j].Key())
	})
	return out
}

// Len returns the number of rows
func (a *ActiveHardLockAccumulator) Len() int { return len(a.rows) }
