package projection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/erp/stockledger/internal/domain/eventstore"
	"github.com/erp/stockledger/internal/domain/lock"
	"github.com/erp/stockledger/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// AsyncProjection is a view the daemon keeps caught up. ApplyBatch must
// apply the events and advance the progress marker atomically.
type AsyncProjection interface {
	Name() string
	Progress(ctx context.Context) (int64, error)
	ApplyBatch(ctx context.Context, events []eventstore.Envelope) error
}

// ExpiredLockPurger deletes lease rows whose expiry has passed
type ExpiredLockPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// DaemonOption configures a ProjectionDaemon
type DaemonOption func(*ProjectionDaemon)

// WithLockPurge makes the daemon delete expired lease rows at most once per
// interval. Expired rows never block acquisition; this only bounds table growth.
func WithLockPurge(purger ExpiredLockPurger, interval time.Duration) DaemonOption {
	return func(d *ProjectionDaemon) {
		d.purger = purger
		d.purgeInterval = interval
	}
}

// DaemonConfig holds configuration for the projection daemon
type DaemonConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// LockTTL bounds one batch; the rebuild lock is held per batch.
	LockTTL    time.Duration
	InstanceID string
	// Workers caps how many projections catch up at once. Zero means one
	// worker per projection.
	Workers int
	// GapTimeout is how long a missing global sequence holds a projection
	// back before it is treated as a rolled-back append and skipped.
	GapTimeout time.Duration
}

// DefaultDaemonConfig returns default configuration
func DefaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		PollInterval: time.Second,
		BatchSize:    500,
		LockTTL:      time.Minute,
		GapTimeout:   10 * time.Second,
	}
}

// ProjectionDaemon polls the event log and applies new events to async
// projections. Each batch runs under the projection's rebuild lock, so a
// batch never interleaves with a rebuild swap.
type ProjectionDaemon struct {
	events      eventstore.Store
	locks       lock.DistributedLock
	projections []AsyncProjection
	config      DaemonConfig
	metrics     *telemetry.StockMetrics
	logger      *zap.Logger
	holder      string
	pool        *ants.Pool

	purger        ExpiredLockPurger
	purgeInterval time.Duration
	lastPurge     time.Time

	now    func() time.Time
	gapsMu sync.Mutex
	gaps   map[string]sequenceGap

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// sequenceGap is the first missing sequence a projection is waiting on
type sequenceGap struct {
	seq       int64
	firstSeen time.Time
}

// NewProjectionDaemon creates a new projection daemon
func NewProjectionDaemon(
	events eventstore.Store,
	locks lock.DistributedLock,
	projections []AsyncProjection,
	config DaemonConfig,
	metrics *telemetry.StockMetrics,
	logger *zap.Logger,
	opts ...DaemonOption,
) (*ProjectionDaemon, error) {
	defaults := DefaultDaemonConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.LockTTL <= 0 {
		config.LockTTL = defaults.LockTTL
	}
	if config.InstanceID == "" {
		config.InstanceID = "stockledger"
	}
	if config.Workers <= 0 {
		config.Workers = max(len(projections), 1)
	}
	if config.GapTimeout <= 0 {
		config.GapTimeout = defaults.GapTimeout
	}

	log := logger.Named("projection-daemon")
	pool, err := ants.NewPool(config.Workers,
		ants.WithPanicHandler(func(p any) {
			log.Error("projection worker panic recovered", zap.Any("panic", p), zap.Stack("stack"))
		}),
		ants.WithNonblocking(false),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create projection worker pool: %w", err)
	}

	d := &ProjectionDaemon{
		events:      events,
		locks:       locks,
		projections: projections,
		config:      config,
		metrics:     metrics,
		logger:      log,
		holder:      config.InstanceID + "/daemon/" + uuid.NewString(),
		pool:        pool,
		now:         time.Now,
		gaps:        make(map[string]sequenceGap),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Start starts the background loop
func (d *ProjectionDaemon) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.wg.Add(1)
	go d.loop(ctx)

	d.logger.Info("projection daemon started",
		zap.Int("projections", len(d.projections)),
		zap.Int("workers", d.pool.Cap()),
		zap.Int("batch_size", d.config.BatchSize),
		zap.Duration("poll_interval", d.config.PollInterval),
	)
	return nil
}

// Stop gracefully stops the daemon
func (d *ProjectionDaemon) Stop(ctx context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	timeout := time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if err := d.pool.ReleaseTimeout(timeout); err != nil {
		return fmt.Errorf("projection workers did not finish: %w", err)
	}
	d.logger.Info("projection daemon stopped")
	return nil
}

func (d *ProjectionDaemon) loop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RunOnce(ctx)
			d.PurgeLocks(ctx, time.Now())
		}
	}
}

// PurgeLocks deletes expired lease rows when a purger is configured and the
// interval has elapsed since the last purge. It reports whether a purge ran.
func (d *ProjectionDaemon) PurgeLocks(ctx context.Context, now time.Time) bool {
	if d.purger == nil || now.Sub(d.lastPurge) < d.purgeInterval {
		return false
	}
	d.lastPurge = now
	n, err := d.purger.PurgeExpired(ctx)
	if err != nil {
		d.logger.Warn("failed to purge expired locks", zap.Error(err))
		return true
	}
	if n > 0 {
		d.logger.Info("purged expired locks", zap.Int64("count", n))
	}
	return true
}

// RunOnce catches every projection up to the current head on the worker
// pool and returns the number of events applied per projection. Failures
// are logged and the projection is retried on the next tick.
func (d *ProjectionDaemon) RunOnce(ctx context.Context) map[string]int {
	applied := make(map[string]int, len(d.projections))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, p := range d.projections {
		wg.Add(1)
		err := d.pool.Submit(func() {
			defer wg.Done()
			n, err := d.CatchUp(ctx, p)
			mu.Lock()
			applied[p.Name()] = n
			mu.Unlock()
			if err != nil && ctx.Err() == nil {
				d.logger.Error("failed to catch up projection",
					zap.String("projection", p.Name()),
					zap.Error(err),
				)
			}
		})
		if err != nil {
			wg.Done()
			d.logger.Warn("projection catch-up not scheduled",
				zap.String("projection", p.Name()),
				zap.Error(err),
			)
		}
	}
	wg.Wait()
	return applied
}

// CatchUp applies batches to p until it reaches the head observed at the
// start. It returns early without error while a rebuild holds the lock.
func (d *ProjectionDaemon) CatchUp(ctx context.Context, p AsyncProjection) (int, error) {
	head, err := d.events.Head(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read event head: %w", err)
	}

	total := 0
	for {
		n, done, err := d.applyBatch(ctx, p, head)
		total += n
		if err != nil || done {
			return total, err
		}
	}
}

func (d *ProjectionDaemon) applyBatch(ctx context.Context, p AsyncProjection, head int64) (int, bool, error) {
	key := lock.RebuildLockKey(p.Name())
	acquired, current, err := d.locks.TryAcquire(ctx, key, d.holder, d.config.LockTTL)
	if err != nil {
		return 0, true, fmt.Errorf("failed to acquire %s: %w", key, err)
	}
	if !acquired {
		holder := ""
		if current != nil {
			holder = current.Holder
		}
		d.logger.Debug("projection locked, skipping batch",
			zap.String("projection", p.Name()),
			zap.String("holder", holder),
		)
		return 0, true, nil
	}
	defer func() {
		if err := d.locks.Release(context.WithoutCancel(ctx), key, d.holder); err != nil {
			d.logger.Warn("failed to release projection lock", zap.String("projection", p.Name()), zap.Error(err))
		}
	}()

	// Read progress under the lock; a rebuild may have reset it.
	from, err := p.Progress(ctx)
	if err != nil {
		return 0, true, err
	}
	if from >= head {
		return 0, true, nil
	}

	// Sequences are assigned before commit, so a hole below the head may be
	// an append that is still in flight. The batch stops at the hole until
	// it fills or outlives GapTimeout.
	batch := make([]eventstore.Envelope, 0, d.config.BatchSize)
	next, blocked := from+1, false
	for env, err := range d.events.ReadRange(ctx, from, head) {
		if err != nil {
			return 0, true, err
		}
		if env.GlobalSeq != next && !d.gapSettled(p.Name(), next, env.GlobalSeq) {
			blocked = true
			break
		}
		batch = append(batch, env)
		next = env.GlobalSeq + 1
		if len(batch) == d.config.BatchSize {
			break
		}
	}
	if len(batch) == 0 {
		return 0, true, nil
	}
	if err := p.ApplyBatch(ctx, batch); err != nil {
		return 0, true, fmt.Errorf("failed to apply batch to %s: %w", p.Name(), err)
	}

	last := batch[len(batch)-1].GlobalSeq
	d.metrics.DaemonBatch(ctx, p.Name(), len(batch), head-last)
	return len(batch), blocked || last >= head, nil
}

// gapSettled reports whether the missing sequences [missing, found) have
// been absent for at least GapTimeout.
func (d *ProjectionDaemon) gapSettled(name string, missing, found int64) bool {
	d.gapsMu.Lock()
	defer d.gapsMu.Unlock()

	now := d.now()
	g, ok := d.gaps[name]
	if !ok || g.seq != missing {
		d.gaps[name] = sequenceGap{seq: missing, firstSeen: now}
		d.logger.Debug("waiting on sequence gap",
			zap.String("projection", name),
			zap.Int64("missing_from", missing),
			zap.Int64("next_seen", found),
		)
		return false
	}
	if now.Sub(g.firstSeen) < d.config.GapTimeout {
		return false
	}
	delete(d.gaps, name)
	d.logger.Warn("skipping sequence gap",
		zap.String("projection", name),
		zap.Int64("missing_from", missing),
		zap.Int64("next_seen", found),
		zap.Duration("waited", now.Sub(g.firstSeen)),
	)
	return true
}
