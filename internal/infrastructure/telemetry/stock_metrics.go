package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Outcome values recorded on picking and rebuild metrics.
const (
	OutcomeSuccess      = "success"
	OutcomeRejected     = "rejected"
	OutcomeConflict     = "conflict"
	OutcomeMismatch     = "checksum_mismatch"
	OutcomeInProgress   = "in_progress"
	OutcomeFailed       = "failed"
	OutcomeIdempotent   = "idempotent_replay"
	OutcomeLockTimeout  = "lock_timeout"
	OutcomeInvalidState = "invalid_state"
)

// StockMetrics holds the instruments recorded by the stock ledger services.
// A nil *StockMetrics records nothing.
type StockMetrics struct {
	pickingStarted  *Counter
	pickingRejected *Counter
	pickingDuration *Histogram
	lockWait        *Histogram
	movements       *Counter
	rebuildDuration *Histogram
	rebuildResult   *Counter
	daemonApplied   *Counter
	daemonLag       *Gauge
}

// NewStockMetrics creates all stock ledger instruments on meter.
func NewStockMetrics(meter metric.Meter) (*StockMetrics, error) {
	var (
		m   StockMetrics
		err error
	)
	if m.pickingStarted, err = NewCounter(meter, "stockledger.picking.started",
		"Reservations moved to picking", "{reservation}"); err != nil {
		return nil, err
	}
	if m.pickingRejected, err = NewCounter(meter, "stockledger.picking.rejected",
		"Start-picking attempts that did not complete", "{attempt}"); err != nil {
		return nil, err
	}
	if m.pickingDuration, err = NewHistogram(meter, HistogramOpts{
		Name:        "stockledger.picking.duration",
		Description: "End-to-end start-picking latency",
		Unit:        "s",
		Boundaries:  LockWaitBuckets,
	}); err != nil {
		return nil, err
	}
	if m.lockWait, err = NewHistogram(meter, HistogramOpts{
		Name:        "stockledger.lock.wait",
		Description: "Time spent acquiring per-stock-key locks",
		Unit:        "s",
		Boundaries:  LockWaitBuckets,
	}); err != nil {
		return nil, err
	}
	if m.movements, err = NewCounter(meter, "stockledger.movements.recorded",
		"Stock movements appended to the ledger", "{movement}"); err != nil {
		return nil, err
	}
	if m.rebuildDuration, err = NewHistogram(meter, HistogramOpts{
		Name:        "stockledger.rebuild.duration",
		Description: "Projection rebuild duration",
		Unit:        "s",
		Boundaries:  RebuildBuckets,
	}); err != nil {
		return nil, err
	}
	if m.rebuildResult, err = NewCounter(meter, "stockledger.rebuild.result",
		"Projection rebuild outcomes", "{rebuild}"); err != nil {
		return nil, err
	}
	if m.daemonApplied, err = NewCounter(meter, "stockledger.projection.events_applied",
		"Events applied by the asynchronous projection daemon", "{event}"); err != nil {
		return nil, err
	}
	if m.daemonLag, err = NewGauge(meter, "stockledger.projection.lag",
		"Events between the log head and the projection progress marker", "{event}"); err != nil {
		return nil, err
	}
	return &m, nil
}

// PickingStarted records a successful start-picking.
func (m *StockMetrics) PickingStarted(ctx context.Context, warehouseID string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.pickingStarted.Inc(ctx, AttrWarehouseID.String(warehouseID))
	m.pickingDuration.RecordDuration(ctx, elapsed, AttrOutcome.String(OutcomeSuccess))
}

// PickingRejected records a start-picking that failed with the given outcome.
func (m *StockMetrics) PickingRejected(ctx context.Context, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.pickingRejected.Inc(ctx, AttrReason.String(outcome))
	m.pickingDuration.RecordDuration(ctx, elapsed, AttrOutcome.String(outcome))
}

// LockWait records how long a set of stock-key locks took to acquire.
func (m *StockMetrics) LockWait(ctx context.Context, wait time.Duration, acquired bool) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if !acquired {
		outcome = OutcomeLockTimeout
	}
	m.lockWait.RecordDuration(ctx, wait, AttrOutcome.String(outcome))
}

// MovementRecorded counts an appended movement.
func (m *StockMetrics) MovementRecorded(ctx context.Context, movementType string) {
	if m == nil {
		return
	}
	m.movements.Inc(ctx, AttrMovement.String(movementType))
}

// RebuildFinished records a rebuild's duration and outcome.
func (m *StockMetrics) RebuildFinished(ctx context.Context, projection, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{AttrProjection.String(projection), AttrOutcome.String(outcome)}
	m.rebuildResult.Inc(ctx, attrs...)
	m.rebuildDuration.RecordDuration(ctx, elapsed, attrs...)
}

// DaemonBatch records events applied by the projection daemon and its lag.
func (m *StockMetrics) DaemonBatch(ctx context.Context, projection string, applied int, lag int64) {
	if m == nil {
		return
	}
	m.daemonApplied.Add(ctx, int64(applied), AttrProjection.String(projection))
	m.daemonLag.Record(ctx, lag, AttrProjection.String(projection))
}
