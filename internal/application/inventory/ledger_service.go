package inventory

import (
	"context"
	"fmt"

	"github.com/erp/stockledger/internal/domain/eventstore"
	"github.com/erp/stockledger/internal/domain/inventory"
	"github.com/erp/stockledger/internal/infrastructure/logger"
	"github.com/erp/stockledger/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// StockLedgerService records physical stock movements on the ledger streams
type StockLedgerService struct {
	events  eventstore.Store
	locker  *KeyLocker
	metrics *telemetry.StockMetrics
	logger  *zap.Logger
}

// NewStockLedgerService creates a new StockLedgerService
func NewStockLedgerService(events eventstore.Store, locker *KeyLocker, metrics *telemetry.StockMetrics, logger *zap.Logger) *StockLedgerService {
	return &StockLedgerService{events: events, locker: locker, metrics: metrics, logger: logger}
}

// RecordMovement appends a StockMoved event to the movement's anchor stream
// while holding the locks of every internal key it changes.
func (s *StockLedgerService) RecordMovement(ctx context.Context, m inventory.Movement) (*MovementResult, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	holder := s.locker.NewHolder()
	release, err := s.locker.LockAll(ctx, holder, m.AffectedKeys())
	if err != nil {
		return nil, err
	}
	defer release()

	anchor := m.AnchorKey()
	events, err := inventory.Encode(m.Event())
	if err != nil {
		return nil, err
	}
	version, err := s.events.Append(ctx, anchor.StreamKey(), eventstore.Any, events...)
	if err != nil {
		return nil, fmt.Errorf("failed to record movement on %s: %w", anchor, err)
	}

	s.metrics.MovementRecorded(ctx, string(m.MovementType))
	logger.L(ctx, s.logger).Info("Stock movement recorded",
		zap.String("stock_key", anchor.String()),
		zap.String("movement_type", string(m.MovementType)),
		zap.String("from", m.FromLocation),
		zap.String("to", m.ToLocation),
		zap.String("quantity", m.Quantity.String()),
		zap.Int64("stream_version", version),
	)
	return &MovementResult{StreamKey: anchor.StreamKey(), Version: version}, nil
}
