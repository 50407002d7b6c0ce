package inventory

import (
	"fmt"

	"github.com/erp/stockledger/internal/domain/eventstore"
	"github.com/erp/stockledger/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ReservationStatus is the lifecycle state of a reservation
type ReservationStatus string

const (
	StatusNone      ReservationStatus = ""
	StatusCreated   ReservationStatus = "CREATED"
	StatusAllocated ReservationStatus = "ALLOCATED"
	StatusPicking   ReservationStatus = "PICKING"
	StatusConsumed  ReservationStatus = "CONSUMED"
	StatusCancelled ReservationStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are allowed
func (s ReservationStatus) IsTerminal() bool {
	return s == StatusConsumed || s == StatusCancelled
}

// Reservation is an event-sourced aggregate coordinating soft allocation and
// hard locking of stock for one demand.
type Reservation struct {
	ID          uuid.UUID
	Status      ReservationStatus
	Reference   string
	Requested   []RequestedLine
	Allocations []AllocationLine
	Locked      []LockedLine
	Consumed    []ConsumedLine
	// PickingRequestID is the request id that started picking, if any.
	PickingRequestID string

	// Version is the stream version the aggregate was loaded at plus any
	// pending events already applied.
	Version int64

	loadedVersion int64
	pending       []Payload
}

// NewReservation creates a reservation in Created state
func NewReservation(id uuid.UUID, reference string, lines []RequestedLine) (*Reservation, error) {
	if id == uuid.Nil {
		return nil, shared.NewDomainError(shared.CodeInvalidInput, "reservation id is required")
	}
	if len(lines) == 0 {
		return nil, shared.NewDomainError(shared.CodeInvalidInput, "reservation requires at least one line")
	}
	for i, l := range lines {
		if l.WarehouseID == "" || l.SKU == "" {
			return nil, shared.NewDomainError(shared.CodeInvalidInput, fmt.Sprintf("line %d requires warehouse and sku", i))
		}
		if !l.Quantity.IsPositive() {
			return nil, shared.NewDomainError(shared.CodeInvalidInput, fmt.Sprintf("line %d quantity must be positive", i))
		}
	}

	r := &Reservation{ID: id}
	r.raise(&ReservationCreated{Reference: reference, Lines: lines})
	return r, nil
}

// LoadReservation rebuilds a reservation from its stream. It returns
// ErrNotFound for an empty stream.
func LoadReservation(id uuid.UUID, history []eventstore.Envelope) (*Reservation, error) {
	if len(history) == 0 {
		return nil, shared.NewDomainError(shared.CodeNotFound, "reservation not found: "+id.String())
	}
	r := &Reservation{ID: id}
	for _, env := range history {
		p, err := Decode(env)
		if err != nil {
			return nil, err
		}
		r.apply(p)
		r.Version = env.Version
	}
	r.loadedVersion = r.Version
	return r, nil
}

// ExpectedVersion is the optimistic concurrency guard for saving pending events
func (r *Reservation) ExpectedVersion() eventstore.ExpectedVersion {
	return eventstore.ExpectedVersion(r.loadedVersion)
}

// PendingEvents returns events raised since load
func (r *Reservation) PendingEvents() []Payload {
	return r.pending
}

// MarkCommitted clears pending events after a successful append
func (r *Reservation) MarkCommitted(newVersion int64) {
	r.pending = nil
	r.Version = newVersion
	r.loadedVersion = newVersion
}

// Allocate soft-assigns stock to the requested lines. Allocation is
// informational and withholds nothing from other reservations.
func (r *Reservation) Allocate(allocations []AllocationLine) error {
	if r.Status != StatusCreated {
		return r.invalidTransition("allocate")
	}
	if len(allocations) == 0 {
		return shared.NewDomainError(shared.CodeInvalidInput, "allocation requires at least one line")
	}

	requested := make(map[string]bool, len(r.Requested))
	for _, l := range r.Requested {
		requested[l.WarehouseID+"/"+l.SKU] = true
	}
	for i, a := range allocations {
		if err := a.Key().Validate(); err != nil {
			return shared.NewDomainError(shared.CodeInvalidInput, fmt.Sprintf("allocation %d: %s", i, err.Error()))
		}
		if !a.Quantity.IsPositive() {
			return shared.NewDomainError(shared.CodeInvalidInput, fmt.Sprintf("allocation %d quantity must be positive", i))
		}
		if !requested[a.WarehouseID+"/"+a.SKU] {
			return shared.NewDomainError(shared.CodeInvalidInput,
				fmt.Sprintf("allocation %d sku %s in warehouse %s was not requested", i, a.SKU, a.WarehouseID))
		}
	}

	r.raise(&ReservationAllocated{Allocations: allocations})
	return nil
}

// RequiredByKey sums allocated quantity per stock key, in key order
func (r *Reservation) RequiredByKey() []LockedLine {
	totals := make(map[StockKey]decimal.Decimal)
	keys := make([]StockKey, 0, len(r.Allocations))
	for _, a := range r.Allocations {
		k := a.Key()
		if _, seen := totals[k]; !seen {
			keys = append(keys, k)
			totals[k] = decimal.Zero
		}
		totals[k] = totals[k].Add(a.Quantity)
	}
	keys = SortStockKeys(keys)

	lines := make([]LockedLine, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, LockedLine{
			WarehouseID: k.WarehouseID,
			Location:    k.Location,
			SKU:         k.SKU,
			Quantity:    totals[k],
		})
	}
	return lines
}

// StartPicking converts the soft allocation into hard locks. The caller is
// responsible for checking availability under the per-key locks first.
func (r *Reservation) StartPicking(requestID string) (*PickingStarted, error) {
	if r.Status != StatusAllocated {
		return nil, r.invalidTransition("start picking")
	}
	event := &PickingStarted{RequestID: requestID, Lines: r.RequiredByKey()}
	r.raise(event)
	return event, nil
}

// Consume records picked quantities and releases the hard locks. Keys absent
// from actuals are consumed at their locked quantity.
func (r *Reservation) Consume(actuals map[StockKey]decimal.Decimal) error {
	if r.Status != StatusPicking {
		return r.invalidTransition("consume")
	}

	locked := make(map[StockKey]bool, len(r.Locked))
	for _, l := range r.Locked {
		locked[l.Key()] = true
	}
	for k, qty := range actuals {
		if !locked[k] {
			return shared.NewDomainError(shared.CodeInvalidInput, "reservation holds no lock on "+k.String())
		}
		if qty.IsNegative() {
			return shared.NewDomainError(shared.CodeInvalidInput, "actual quantity cannot be negative for "+k.String())
		}
	}

	lines := make([]ConsumedLine, 0, len(r.Locked))
	for _, l := range r.Locked {
		actual, ok := actuals[l.Key()]
		if !ok {
			actual = l.Quantity
		}
		lines = append(lines, ConsumedLine{
			WarehouseID:    l.WarehouseID,
			Location:       l.Location,
			SKU:            l.SKU,
			LockedQuantity: l.Quantity,
			ActualQuantity: actual,
		})
	}
	r.raise(&ReservationConsumed{Lines: lines})
	return nil
}

// Cancel ends the reservation from any non-terminal state, releasing hard locks it holds
func (r *Reservation) Cancel(reason string) error {
	if r.Status == StatusNone || r.Status.IsTerminal() {
		return r.invalidTransition("cancel")
	}
	released := make([]LockedLine, len(r.Locked))
	copy(released, r.Locked)
	r.raise(&ReservationCancelled{Reason: reason, Released: released})
	return nil
}

func (r *Reservation) raise(p Payload) {
	r.apply(p)
	r.Version++
	r.pending = append(r.pending, p)
}

// apply mutates state for one event. Events are facts, so no validation here.
func (r *Reservation) apply(p Payload) {
	switch e := p.(type) {
	case *ReservationCreated:
		r.Status = StatusCreated
		r.Reference = e.Reference
		r.Requested = e.Lines
	case *ReservationAllocated:
		r.Status = StatusAllocated
		r.Allocations = e.Allocations
	case *PickingStarted:
		r.Status = StatusPicking
		r.Locked = e.Lines
		r.PickingRequestID = e.RequestID
	case *ReservationConsumed:
		r.Status = StatusConsumed
		r.Consumed = e.Lines
		r.Locked = nil
	case *ReservationCancelled:
		r.Status = StatusCancelled
		r.Locked = nil
	}
}

func (r *Reservation) invalidTransition(op string) error {
	status := string(r.Status)
	if status == "" {
		status = "NONE"
	}
	return shared.NewDomainError(shared.CodeInvalidState,
		fmt.Sprintf("cannot %s reservation %s in state %s", op, r.ID, status))
}
