package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/erp/stockledger/internal/domain/eventstore"
	"github.com/erp/stockledger/internal/domain/inventory"
	"github.com/erp/stockledger/internal/domain/projection"
	"github.com/erp/stockledger/internal/domain/shared"
	"github.com/erp/stockledger/internal/infrastructure/logger"
	"github.com/erp/stockledger/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PickingService converts a reservation's soft allocation into hard locks.
type PickingService struct {
	events         eventstore.Store
	views          projection.ViewReader
	locker         *KeyLocker
	idempotency    shared.IdempotencyStore
	idempotencyTTL time.Duration
	metrics        *telemetry.StockMetrics
	logger         *zap.Logger
}

// PickingOption configures a PickingService
type PickingOption func(*PickingService)

// WithIdempotency makes repeated calls with the same request id succeed
// without touching stock.
func WithIdempotency(store shared.IdempotencyStore, ttl time.Duration) PickingOption {
	return func(s *PickingService) {
		s.idempotency = store
		s.idempotencyTTL = ttl
	}
}

// WithPickingMetrics records picking outcomes
func WithPickingMetrics(m *telemetry.StockMetrics) PickingOption {
	return func(s *PickingService) {
		s.metrics = m
	}
}

// NewPickingService creates a new PickingService
func NewPickingService(events eventstore.Store, views projection.ViewReader, locker *KeyLocker, logger *zap.Logger, opts ...PickingOption) *PickingService {
	s := &PickingService{
		events:         events,
		views:          views,
		locker:         locker,
		idempotencyTTL: 24 * time.Hour,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartPicking hard-locks every allocation line of the reservation, or
// none of them. Availability is re-read under the per-key locks, so of two
// callers contending for the same stock the second sees the first's lock.
func (s *PickingService) StartPicking(ctx context.Context, reservationID uuid.UUID, requestID string) (*StartPickingResult, error) {
	start := time.Now()
	log := logger.L(ctx, s.logger).With(
		zap.String("reservation_id", reservationID.String()),
		zap.String("request_id", requestID),
	)

	result, err := s.startPicking(ctx, log, reservationID, requestID)
	elapsed := time.Since(start)
	if err != nil {
		outcome := pickingOutcome(err)
		s.metrics.PickingRejected(ctx, outcome, elapsed)
		log.Warn("Start picking rejected", zap.String("outcome", outcome), zap.Error(err))
		return nil, err
	}
	if result.Replayed {
		log.Info("Start picking replayed")
		return result, nil
	}

	warehouse := ""
	if len(result.Locked) > 0 {
		warehouse = result.Locked[0].WarehouseID
	}
	s.metrics.PickingStarted(ctx, warehouse, elapsed)
	log.Info("Picking started", zap.Int("lines", len(result.Locked)), zap.Duration("elapsed", elapsed))
	return result, nil
}

func (s *PickingService) startPicking(ctx context.Context, log *zap.Logger, id uuid.UUID, requestID string) (*StartPickingResult, error) {
	r, err := loadReservation(ctx, s.events, id)
	if err != nil {
		return nil, err
	}
	if replay, err := s.replayed(ctx, r, requestID); err != nil || replay != nil {
		return replay, err
	}
	if r.Status != inventory.StatusAllocated {
		_, err := r.StartPicking(requestID)
		return nil, err
	}

	required := r.RequiredByKey()
	keys := make([]inventory.StockKey, 0, len(required))
	for _, l := range required {
		keys = append(keys, l.Key())
	}

	lockStart := time.Now()
	release, err := s.locker.LockAll(ctx, s.locker.NewHolder(), keys)
	s.metrics.LockWait(ctx, time.Since(lockStart), err == nil)
	if err != nil {
		return nil, err
	}
	defer release()

	// Reload under the locks; the reservation may have moved on meanwhile.
	if r, err = loadReservation(ctx, s.events, id); err != nil {
		return nil, err
	}
	if replay, err := s.replayed(ctx, r, requestID); err != nil || replay != nil {
		return replay, err
	}

	available, err := s.views.FindAvailable(ctx, keys)
	if err != nil {
		return nil, err
	}
	var shortages []Shortage
	for _, l := range r.RequiredByKey() {
		have := decimal.Zero
		if row, ok := available[l.Key()]; ok {
			have = row.AvailableQty
		}
		if have.LessThan(l.Quantity) {
			shortages = append(shortages, Shortage{Key: l.Key(), Requested: l.Quantity, Available: have})
		}
	}
	if len(shortages) > 0 {
		return nil, &InsufficientStockError{ReservationID: id.String(), Shortages: shortages}
	}

	event, err := r.StartPicking(requestID)
	if err != nil {
		return nil, err
	}
	if err := saveReservation(ctx, s.events, r); err != nil {
		return nil, err
	}

	if s.idempotency != nil && requestID != "" {
		if _, err := s.idempotency.MarkProcessed(ctx, idempotencyKey(id, requestID), s.idempotencyTTL); err != nil {
			// The hard lock is already committed.
			log.Warn("Failed to record start-picking request id", zap.Error(err))
		}
	}

	return &StartPickingResult{
		ReservationID: id,
		Status:        string(r.Status),
		Version:       r.Version,
		Locked:        event.Lines,
	}, nil
}

// replayed returns a result when requestID already started picking on r.
// The stream records the request id that started picking; the idempotency
// store, when configured, also answers for ids recorded by MarkProcessed.
func (s *PickingService) replayed(ctx context.Context, r *inventory.Reservation, requestID string) (*StartPickingResult, error) {
	if requestID == "" || r.Status != inventory.StatusPicking {
		return nil, nil
	}
	if r.PickingRequestID != requestID {
		if s.idempotency == nil {
			return nil, nil
		}
		seen, err := s.idempotency.IsProcessed(ctx, idempotencyKey(r.ID, requestID))
		if err != nil || !seen {
			return nil, err
		}
	}
	return &StartPickingResult{
		ReservationID: r.ID,
		Status:        string(r.Status),
		Version:       r.Version,
		Locked:        r.Locked,
		Replayed:      true,
	}, nil
}

func idempotencyKey(id uuid.UUID, requestID string) string {
	return "start-picking/" + id.String() + "/" + requestID
}

func pickingOutcome(err error) string {
	var timeout *LockTimeoutError
	switch {
	case errors.Is(err, shared.ErrInsufficientStock):
		return telemetry.OutcomeRejected
	case errors.As(err, &timeout):
		return telemetry.OutcomeLockTimeout
	case errors.Is(err, shared.ErrInvalidState):
		return telemetry.OutcomeInvalidState
	case errors.Is(err, shared.ErrConcurrencyConflict):
		return telemetry.OutcomeConflict
	default:
		return telemetry.OutcomeFailed
	}
}
