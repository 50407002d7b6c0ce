package inventory

import (
	"context"
	"fmt"

	"github.com/erp/stockledger/internal/domain/eventstore"
	"github.com/erp/stockledger/internal/domain/inventory"
	"github.com/erp/stockledger/internal/domain/shared"
	"github.com/erp/stockledger/internal/infrastructure/logger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ReservationService drives the reservation lifecycle outside Start-Picking
type ReservationService struct {
	events eventstore.Store
	locker *KeyLocker
	logger *zap.Logger
}

// NewReservationService creates a new ReservationService
func NewReservationService(events eventstore.Store, locker *KeyLocker, logger *zap.Logger) *ReservationService {
	return &ReservationService{events: events, locker: locker, logger: logger}
}

// Get loads a reservation
func (s *ReservationService) Get(ctx context.Context, id uuid.UUID) (*ReservationResponse, error) {
	r, err := loadReservation(ctx, s.events, id)
	if err != nil {
		return nil, err
	}
	return ToReservationResponse(r), nil
}

// Create opens a new reservation stream
func (s *ReservationService) Create(ctx context.Context, req CreateReservationRequest) (*ReservationResponse, error) {
	id := uuid.New()
	if req.ID != nil {
		id = *req.ID
	}
	lines := make([]inventory.RequestedLine, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, inventory.RequestedLine{WarehouseID: l.WarehouseID, SKU: l.SKU, Quantity: l.Quantity})
	}

	r, err := inventory.NewReservation(id, req.Reference, lines)
	if err != nil {
		return nil, err
	}
	if err := saveReservation(ctx, s.events, r); err != nil {
		return nil, err
	}
	logger.L(ctx, s.logger).Info("Reservation created", zap.String("reservation_id", id.String()))
	return ToReservationResponse(r), nil
}

// Allocate records the soft allocation
func (s *ReservationService) Allocate(ctx context.Context, id uuid.UUID, req AllocateRequest) (*ReservationResponse, error) {
	r, err := loadReservation(ctx, s.events, id)
	if err != nil {
		return nil, err
	}
	allocations := make([]inventory.AllocationLine, 0, len(req.Allocations))
	for _, a := range req.Allocations {
		allocations = append(allocations, inventory.AllocationLine{
			WarehouseID:     a.WarehouseID,
			Location:        a.Location,
			SKU:             a.SKU,
			Quantity:        a.Quantity,
			HandlingUnitIDs: a.HandlingUnitIDs,
		})
	}
	if err := r.Allocate(allocations); err != nil {
		return nil, err
	}
	if err := saveReservation(ctx, s.events, r); err != nil {
		return nil, err
	}
	logger.L(ctx, s.logger).Info("Reservation allocated",
		zap.String("reservation_id", id.String()),
		zap.Int("lines", len(allocations)))
	return ToReservationResponse(r), nil
}

// Consume records the picked quantities and releases the reservation's hard
// locks. With IssueTo set, the picked stock is also issued to that external
// location; the issues are appended first, under the locked keys' locks, so
// availability is never overstated between the appends.
func (s *ReservationService) Consume(ctx context.Context, id uuid.UUID, req ConsumeRequest) (*ReservationResponse, error) {
	issueTo := req.IssueTo
	if issueTo != "" && !inventory.IsExternalLocation(issueTo) {
		return nil, shared.NewDomainError(shared.CodeInvalidInput, "issue_to must be an external location: "+issueTo)
	}

	actuals := make(map[inventory.StockKey]decimal.Decimal, len(req.Lines))
	for _, l := range req.Lines {
		actuals[inventory.StockKey{WarehouseID: l.WarehouseID, Location: l.Location, SKU: l.SKU}] = l.ActualQuantity
	}

	r, err := loadReservation(ctx, s.events, id)
	if err != nil {
		return nil, err
	}
	if r.Status != inventory.StatusPicking {
		return nil, r.Consume(actuals)
	}

	release, err := s.locker.LockAll(ctx, s.locker.NewHolder(), lockedKeys(r))
	if err != nil {
		return nil, err
	}
	defer release()

	// Reload under the locks; a cancel or consume that held them first has
	// already moved the reservation out of Picking.
	if r, err = loadReservation(ctx, s.events, id); err != nil {
		return nil, err
	}
	if err := r.Consume(actuals); err != nil {
		return nil, err
	}

	consumed := r.PendingEvents()[0].(*inventory.ReservationConsumed)
	for _, line := range consumed.Lines {
		if issueTo == "" || !line.ActualQuantity.IsPositive() {
			continue
		}
		m := inventory.Movement{
			WarehouseID:  line.WarehouseID,
			FromLocation: line.Location,
			ToLocation:   issueTo,
			SKU:          line.SKU,
			Quantity:     line.ActualQuantity,
			MovementType: inventory.MovementIssue,
			Reference:    inventory.ReservationStreamKey(id),
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if err := appendMovement(ctx, s.events, m); err != nil {
			return nil, err
		}
	}

	if err := saveReservation(ctx, s.events, r); err != nil {
		return nil, err
	}
	logger.L(ctx, s.logger).Info("Reservation consumed",
		zap.String("reservation_id", id.String()),
		zap.Int("lines", len(consumed.Lines)))
	return ToReservationResponse(r), nil
}

// Cancel ends the reservation and releases any hard locks it holds. A
// reservation in Picking is cancelled under the same key locks Consume takes,
// so a cancel can never land between a consume's issues and its commit.
func (s *ReservationService) Cancel(ctx context.Context, id uuid.UUID, req CancelRequest) (*ReservationResponse, error) {
	r, err := loadReservation(ctx, s.events, id)
	if err != nil {
		return nil, err
	}
	if r.Status == inventory.StatusPicking {
		release, err := s.locker.LockAll(ctx, s.locker.NewHolder(), lockedKeys(r))
		if err != nil {
			return nil, err
		}
		defer release()
		if r, err = loadReservation(ctx, s.events, id); err != nil {
			return nil, err
		}
	}
	if err := r.Cancel(req.Reason); err != nil {
		return nil, err
	}
	if err := saveReservation(ctx, s.events, r); err != nil {
		return nil, err
	}
	logger.L(ctx, s.logger).Info("Reservation cancelled",
		zap.String("reservation_id", id.String()),
		zap.String("reason", req.Reason))
	return ToReservationResponse(r), nil
}

func lockedKeys(r *inventory.Reservation) []inventory.StockKey {
	keys := make([]inventory.StockKey, 0, len(r.Locked))
	for _, l := range r.Locked {
		keys = append(keys, l.Key())
	}
	return keys
}

func loadReservation(ctx context.Context, events eventstore.Store, id uuid.UUID) (*inventory.Reservation, error) {
	history, err := events.ReadStream(ctx, inventory.ReservationStreamKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to read reservation %s: %w", id, err)
	}
	return inventory.LoadReservation(id, history)
}

func saveReservation(ctx context.Context, events eventstore.Store, r *inventory.Reservation) error {
	encoded, err := inventory.Encode(r.PendingEvents()...)
	if err != nil {
		return err
	}
	version, err := events.Append(ctx, inventory.ReservationStreamKey(r.ID), r.ExpectedVersion(), encoded...)
	if err != nil {
		return err
	}
	r.MarkCommitted(version)
	return nil
}

func appendMovement(ctx context.Context, events eventstore.Store, m inventory.Movement) error {
	encoded, err := inventory.Encode(m.Event())
	if err != nil {
		return err
	}
	if _, err := events.Append(ctx, m.AnchorKey().StreamKey(), eventstore.Any, encoded...); err != nil {
		return fmt.Errorf("failed to record movement on %s: %w", m.AnchorKey(), err)
	}
	return nil
}
