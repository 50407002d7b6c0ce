// Package projection rebuilds materialized views from the event log and
// keeps asynchronous views caught up.
package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erp/stockledger/internal/domain/eventstore"
	"github.com/erp/stockledger/internal/domain/inventory"
	"github.com/erp/stockledger/internal/domain/lock"
	views "github.com/erp/stockledger/internal/domain/projection"
	"github.com/erp/stockledger/internal/domain/shared"
	"github.com/erp/stockledger/internal/infrastructure/logger"
	"github.com/erp/stockledger/internal/infrastructure/persistence"
	"github.com/erp/stockledger/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ViewStore is the table-level surface a rebuild needs
type ViewStore interface {
	TableExists(ctx context.Context, table string) bool
	DropStaleShadows(ctx context.Context, table string) ([]string, error)
	CreateShadow(ctx context.Context, def views.Definition, shadow string) error
	BulkInsert(ctx context.Context, table string, rows any) error
	RefreshFromQuery(ctx context.Context, def views.Definition, table string) (int64, error)
	Checksum(ctx context.Context, def views.Definition, table string) (string, int64, error)
	Swap(ctx context.Context, def views.Definition, shadow string, opts persistence.SwapOptions) (persistence.SwapResult, error)
}

// ProgressStore tracks the last applied global sequence per async projection
type ProgressStore interface {
	Get(ctx context.Context, name string) (int64, error)
	Set(ctx context.Context, name string, seq int64) error
}

// RebuildConfig holds rebuild settings
type RebuildConfig struct {
	// LockTTL must exceed the longest expected rebuild.
	LockTTL    time.Duration
	InstanceID string
}

// RebuildReport describes a finished rebuild
type RebuildReport struct {
	Projection         string        `json:"projection"`
	Table              string        `json:"table"`
	ShadowTable        string        `json:"shadow_table"`
	Source             string        `json:"source"`
	ReplayedUpTo       int64         `json:"replayed_up_to"`
	EventsReplayed     int64         `json:"events_replayed"`
	EventsCaughtUp     int64         `json:"events_caught_up"`
	Rows               int64         `json:"rows"`
	ProductionChecksum string        `json:"production_checksum"`
	ShadowChecksum     string        `json:"shadow_checksum"`
	ProductionRows     int64         `json:"production_rows"`
	Verified           bool          `json:"verified"`
	ChecksumsMatch     bool          `json:"checksums_match"`
	Swapped            bool          `json:"swapped"`
	ProgressReset      bool          `json:"progress_reset"`
	StaleShadows       []string      `json:"stale_shadows_dropped,omitempty"`
	Duration           time.Duration `json:"duration"`
}

// RebuildStatus is the lock and progress state of one projection
type RebuildStatus struct {
	Projection string         `json:"projection"`
	Mode       string         `json:"mode"`
	InProgress bool           `json:"in_progress"`
	Lock       *lock.LockInfo `json:"lock,omitempty"`
	Head       int64          `json:"head"`
	// Progress and Lag are only set for async projections.
	Progress *int64 `json:"progress,omitempty"`
	Lag      *int64 `json:"lag,omitempty"`
}

// RebuildService recomputes a view into a shadow table, checks it against
// production and swaps it in.
type RebuildService struct {
	events   eventstore.Store
	views    ViewStore
	progress ProgressStore
	locks    lock.DistributedLock
	config   RebuildConfig
	clock    shared.Clock
	metrics  *telemetry.StockMetrics
	logger   *zap.Logger
}

// RebuildOption configures a RebuildService
type RebuildOption func(*RebuildService)

// WithRebuildClock sets the clock used for shadow names and durations
func WithRebuildClock(c shared.Clock) RebuildOption {
	return func(s *RebuildService) { s.clock = c }
}

// WithRebuildMetrics records rebuild outcomes
func WithRebuildMetrics(m *telemetry.StockMetrics) RebuildOption {
	return func(s *RebuildService) { s.metrics = m }
}

// NewRebuildService creates a new RebuildService
func NewRebuildService(
	events eventstore.Store,
	viewStore ViewStore,
	progress ProgressStore,
	locks lock.DistributedLock,
	config RebuildConfig,
	logger *zap.Logger,
	opts ...RebuildOption,
) *RebuildService {
	if config.LockTTL <= 0 {
		config.LockTTL = 30 * time.Minute
	}
	if config.InstanceID == "" {
		config.InstanceID = "stockledger"
	}
	s := &RebuildService{
		events:   events,
		views:    viewStore,
		progress: progress,
		locks:    locks,
		config:   config,
		clock:    shared.SystemClock(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RebuildProjection rebuilds the named projection. With verify set, a
// checksum difference aborts before the swap and production is untouched.
// With resetProgress set, an async projection is replayed to the head and
// its progress marker is moved there after the swap.
func (s *RebuildService) RebuildProjection(ctx context.Context, name string, verify, resetProgress bool) (*RebuildReport, error) {
	start := s.clock.Now()
	log := logger.L(ctx, s.logger).With(zap.String("projection", name))

	def, err := views.Lookup(name)
	if err != nil {
		return nil, err
	}

	key := lock.RebuildLockKey(name)
	holder := s.config.InstanceID + "/rebuild/" + uuid.NewString()
	acquired, current, err := s.locks.TryAcquire(ctx, key, holder, s.config.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire rebuild lock for %s: %w", name, err)
	}
	if !acquired {
		s.metrics.RebuildFinished(ctx, name, telemetry.OutcomeInProgress, s.clock.Now().Sub(start))
		return nil, &AlreadyInProgressError{Projection: name, Lock: current}
	}
	defer func() {
		if err := s.locks.Release(context.WithoutCancel(ctx), key, holder); err != nil {
			log.Warn("Failed to release rebuild lock", zap.Error(err))
		}
	}()

	var report *RebuildReport
	telemetry.WithProfilingLabels(ctx, map[string]string{
		telemetry.ProfilingLabelOperation:  "rebuild",
		telemetry.ProfilingLabelProjection: name,
	}, func(ctx context.Context) {
		report, err = s.rebuild(ctx, def, verify, resetProgress)
	})
	elapsed := s.clock.Now().Sub(start)
	outcome := rebuildOutcome(err)
	s.metrics.RebuildFinished(ctx, name, outcome, elapsed)

	if err != nil {
		fields := []zap.Field{zap.String("outcome", outcome), zap.Error(err)}
		var mismatch *ChecksumMismatchError
		if errors.As(err, &mismatch) {
			fields = append(fields,
				zap.String("checksum_production", mismatch.Production),
				zap.String("checksum_shadow", mismatch.Shadow),
				zap.String("shadow_table", mismatch.ShadowTable))
		}
		log.Error("Projection rebuild failed", fields...)
		return nil, err
	}

	report.Duration = elapsed
	log.Info("Projection rebuilt",
		zap.String("checksum_production", report.ProductionChecksum),
		zap.String("checksum_shadow", report.ShadowChecksum),
		zap.Int64("rows", report.Rows),
		zap.Int64("replayed_up_to", report.ReplayedUpTo),
		zap.Bool("swapped", report.Swapped),
		zap.Duration("elapsed", elapsed))
	return report, nil
}

func (s *RebuildService) rebuild(ctx context.Context, def views.Definition, verify, resetProgress bool) (*RebuildReport, error) {
	if !s.views.TableExists(ctx, def.Table) {
		return nil, shared.NewDomainError(shared.CodeNotFound,
			fmt.Sprintf("production table %s for projection %s does not exist", def.Table, def.Name))
	}
	report := &RebuildReport{
		Projection: def.Name,
		Table:      def.Table,
		Source:     string(def.Source),
		Verified:   verify,
	}

	stale, err := s.views.DropStaleShadows(ctx, def.Table)
	if err != nil {
		return nil, s.classify(def, "drop stale shadows", err)
	}
	report.StaleShadows = stale

	bound, err := s.replayBound(ctx, def, resetProgress)
	if err != nil {
		return nil, err
	}
	report.ReplayedUpTo = bound

	shadow := persistence.ShadowTableName(def.Table, s.clock.Now().UnixNano())
	report.ShadowTable = shadow
	if err := s.views.CreateShadow(ctx, def, shadow); err != nil {
		return nil, s.classify(def, "create shadow", err)
	}

	switch def.Source {
	case views.SourceEvents:
		replayed, err := s.replay(ctx, def, shadow, bound)
		if err != nil {
			return nil, err
		}
		report.EventsReplayed = replayed
	case views.SourceQuery:
		if _, err := s.views.RefreshFromQuery(ctx, def, shadow); err != nil {
			return nil, s.classify(def, "refresh from query", err)
		}
	default:
		return nil, fmt.Errorf("projection %s has unsupported source %q", def.Name, def.Source)
	}

	shadowSum, shadowRows, err := s.views.Checksum(ctx, def, shadow)
	if err != nil {
		return nil, s.classify(def, "checksum shadow", err)
	}
	prodSum, prodRows, err := s.views.Checksum(ctx, def, def.Table)
	if err != nil {
		return nil, s.classify(def, "checksum production", err)
	}
	report.ShadowChecksum, report.Rows = shadowSum, shadowRows
	report.ProductionChecksum, report.ProductionRows = prodSum, prodRows
	report.ChecksumsMatch = shadowSum == prodSum

	if verify && !report.ChecksumsMatch {
		moved, err := s.headMoved(ctx, def, bound)
		if err != nil {
			return nil, err
		}
		// Appends after the bound reach an inline production view but not
		// the shadow yet; the swap re-checks once they are caught up.
		if !moved {
			return nil, mismatchError(def, shadow, report)
		}
	}

	// Cancellation before this point leaves the shadow for the next attempt.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result, err := s.views.Swap(ctx, def, shadow, persistence.SwapOptions{
		After:   bound,
		Verify:  verify,
		Recheck: verify && !report.ChecksumsMatch,
	})
	if result.Rechecked {
		report.ShadowChecksum, report.ProductionChecksum = result.ShadowChecksum, result.ProductionChecksum
		report.Rows, report.ProductionRows = result.Rows, result.ProductionRows
		report.ChecksumsMatch = result.ShadowChecksum == result.ProductionChecksum
	}
	if errors.Is(err, persistence.ErrSwapVerificationFailed) {
		return nil, mismatchError(def, shadow, report)
	}
	if err != nil {
		return nil, s.classify(def, "swap", err)
	}
	report.Swapped = true
	report.EventsCaughtUp = result.EventsCaughtUp
	report.ReplayedUpTo = result.CaughtUpTo

	if resetProgress && def.Mode == views.ModeAsync {
		if err := s.progress.Set(ctx, def.Name, bound); err != nil {
			return nil, fmt.Errorf("swapped %s but failed to reset progress: %w", def.Name, err)
		}
		report.ProgressReset = true
	}
	return report, nil
}

// headMoved reports whether an inline view has seen events past bound
func (s *RebuildService) headMoved(ctx context.Context, def views.Definition, bound int64) (bool, error) {
	if def.Mode != views.ModeInline {
		return false, nil
	}
	head, err := s.events.Head(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read event head: %w", err)
	}
	return head > bound, nil
}

func mismatchError(def views.Definition, shadow string, report *RebuildReport) error {
	return &ChecksumMismatchError{
		Projection:     def.Name,
		ShadowTable:    shadow,
		Production:     report.ProductionChecksum,
		Shadow:         report.ShadowChecksum,
		ProductionRows: report.ProductionRows,
		ShadowRows:     report.Rows,
	}
}

// replayBound is the head for inline views. Async views replay to their
// progress marker so shadow and production cover the same events.
func (s *RebuildService) replayBound(ctx context.Context, def views.Definition, resetProgress bool) (int64, error) {
	if def.Mode == views.ModeAsync && !resetProgress {
		seq, err := s.progress.Get(ctx, def.Name)
		if err != nil {
			return 0, err
		}
		return seq, nil
	}
	head, err := s.events.Head(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read event head: %w", err)
	}
	return head, nil
}

func (s *RebuildService) replay(ctx context.Context, def views.Definition, shadow string, bound int64) (int64, error) {
	if def.NewAccumulator == nil {
		return 0, fmt.Errorf("projection %s has no accumulator", def.Name)
	}
	acc := def.NewAccumulator()
	var n int64
	for env, err := range s.events.ReadRange(ctx, 0, bound) {
		if err != nil {
			return n, fmt.Errorf("replay of %s stopped at event %d: %w", def.Name, n, err)
		}
		payload, err := inventory.Decode(env)
		if err != nil {
			return n, err
		}
		if err := acc.Apply(env, payload); err != nil {
			return n, fmt.Errorf("replay of %s failed at seq %d: %w", def.Name, env.GlobalSeq, err)
		}
		n++
	}
	if err := s.views.BulkInsert(ctx, shadow, acc.Rows()); err != nil {
		return n, s.classify(def, "bulk insert", err)
	}
	return n, nil
}

func (s *RebuildService) classify(def views.Definition, op string, err error) error {
	if persistence.IsRebuildConflict(err) {
		return &RebuildConflictError{Projection: def.Name, Op: op, Err: err}
	}
	return fmt.Errorf("rebuild of %s failed during %s: %w", def.Name, op, err)
}

// GetRebuildStatus reports whether a rebuild of name is running and, for
// async projections, how far the daemon has caught up.
func (s *RebuildService) GetRebuildStatus(ctx context.Context, name string) (*RebuildStatus, error) {
	def, err := views.Lookup(name)
	if err != nil {
		return nil, err
	}
	info, err := s.locks.GetActiveLock(ctx, lock.RebuildLockKey(name))
	if err != nil {
		return nil, fmt.Errorf("failed to read rebuild lock for %s: %w", name, err)
	}
	head, err := s.events.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read event head: %w", err)
	}
	status := &RebuildStatus{
		Projection: name,
		Mode:       string(def.Mode),
		InProgress: info != nil,
		Lock:       info,
		Head:       head,
	}
	if def.Mode == views.ModeAsync {
		seq, err := s.progress.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		lag := head - seq
		status.Progress = &seq
		status.Lag = &lag
	}
	return status, nil
}

func rebuildOutcome(err error) string {
	switch {
	case err == nil:
		return telemetry.OutcomeSuccess
	case errors.Is(err, shared.ErrChecksumMismatch):
		return telemetry.OutcomeMismatch
	case errors.Is(err, shared.ErrRebuildConflict):
		return telemetry.OutcomeConflict
	case errors.Is(err, shared.ErrAlreadyInProgress):
		return telemetry.OutcomeInProgress
	default:
		return telemetry.OutcomeFailed
	}
}
