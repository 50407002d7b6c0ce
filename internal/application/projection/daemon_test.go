package projection

import (
	"context"
	"iter"
	"sync/atomic"
	"testing"
	"time"

	"github.com/erp/stockledger/internal/domain/eventstore"
	"github.com/erp/stockledger/internal/domain/inventory"
	views "github.com/erp/stockledger/internal/domain/projection"
	"github.com/erp/stockledger/internal/infrastructure/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newDaemon(t *testing.T, env *testEnv, batch int) *ProjectionDaemon {
	t.Helper()
	async := persistence.DefaultAsyncProjections(env.db, env.progress)
	projections := make([]AsyncProjection, len(async))
	for i, p := range async {
		projections[i] = p
	}
	d, err := NewProjectionDaemon(env.events, env.locks, projections, DaemonConfig{
		PollInterval: 10 * time.Millisecond,
		BatchSize:    batch,
		InstanceID:   "test",
	}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(d.pool.Release)
	return d
}

func TestProjectionDaemon_CatchesUpInBatches(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	keyB := inventory.StockKey{WarehouseID: "WH1", Location: "LOC-B", SKU: "SKU-001"}
	for i := 0; i < 5; i++ {
		receive(t, env.events, keyA, 2)
	}
	receive(t, env.events, keyB, 7)
	pick(t, env.events, keyA, 1)

	d := newDaemon(t, env, 2)
	applied := d.RunOnce(ctx)
	assert.Equal(t, 9, applied[views.LocationBalance])

	seq, err := env.progress.Get(ctx, views.LocationBalance)
	require.NoError(t, err)
	assert.Equal(t, int64(9), seq)

	var rows []views.LocationBalanceRow
	require.NoError(t, env.db.Table(views.TableLocationBalance).Order("location").Find(&rows).Error)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Quantity.Equal(qty(10)))
	assert.True(t, rows[1].Quantity.Equal(qty(7)))

	assert.Equal(t, 0, d.RunOnce(ctx)[views.LocationBalance])

	// The caught-up view verifies against a full replay.
	report, err := env.rebuild.RebuildProjection(ctx, views.LocationBalance, true, false)
	require.NoError(t, err)
	assert.True(t, report.ChecksumsMatch)
}

func TestProjectionDaemon_SkipsWhileRebuildHoldsLock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	receive(t, env.events, keyA, 3)

	ok, _, err := env.locks.TryAcquire(ctx, "projection-rebuild:"+views.LocationBalance, "rebuilder", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	d := newDaemon(t, env, 10)
	assert.Equal(t, 0, d.RunOnce(ctx)[views.LocationBalance])

	require.NoError(t, env.locks.Release(ctx, "projection-rebuild:"+views.LocationBalance, "rebuilder"))
	assert.Equal(t, 1, d.RunOnce(ctx)[views.LocationBalance])
}

func TestProjectionDaemon_StartStop(t *testing.T) {
	env := newTestEnv(t)
	receive(t, env.events, keyA, 4)

	d := newDaemon(t, env, 10)
	require.NoError(t, d.Start(context.Background()))

	require.Eventually(t, func() bool {
		seq, err := env.progress.Get(context.Background(), views.LocationBalance)
		return err == nil && seq == 1
	}, 2*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Stop(stopCtx))
}

// countingProjection applies nothing but records what it was given
type countingProjection struct {
	name    string
	applied atomic.Int64
	panics  bool
}

func (p *countingProjection) Name() string { return p.name }

func (p *countingProjection) Progress(context.Context) (int64, error) { return p.applied.Load(), nil }

func (p *countingProjection) ApplyBatch(_ context.Context, events []eventstore.Envelope) error {
	if p.panics {
		panic("boom")
	}
	p.applied.Add(int64(len(events)))
	return nil
}

func TestProjectionDaemon_WorkerPool(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		receive(t, env.events, keyA, 1)
	}

	healthy := &countingProjection{name: "Healthy"}
	other := &countingProjection{name: "Other"}
	broken := &countingProjection{name: "Broken", panics: true}

	d, err := NewProjectionDaemon(env.events, env.locks, []AsyncProjection{healthy, broken, other},
		DaemonConfig{BatchSize: 2, Workers: 2, InstanceID: "test"}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(d.pool.Release)
	assert.Equal(t, 2, d.pool.Cap())

	applied := d.RunOnce(ctx)
	assert.Equal(t, 3, applied["Healthy"])
	assert.Equal(t, 3, applied["Other"])
	assert.NotContains(t, applied, "Broken", "a panicking worker reports nothing")
	assert.Equal(t, int64(3), healthy.applied.Load())

	// The lock held by the panicking batch is released by its deferred cleanup.
	info, err := env.locks.GetActiveLock(ctx, "projection-rebuild:Broken")
	require.NoError(t, err)
	assert.Nil(t, info)
}

// inFlightStore hides one global sequence from range reads, like an append
// whose transaction has taken a sequence but not committed.
type inFlightStore struct {
	eventstore.Store
	hidden atomic.Int64
}

func (s *inFlightStore) ReadRange(ctx context.Context, after, upTo int64) iter.Seq2[eventstore.Envelope, error] {
	return func(yield func(eventstore.Envelope, error) bool) {
		for env, err := range s.Store.ReadRange(ctx, after, upTo) {
			if err == nil && env.GlobalSeq == s.hidden.Load() {
				continue
			}
			if !yield(env, err) {
				return
			}
		}
	}
}

func TestProjectionDaemon_WaitsOnSequenceGap(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*testEnv, *inFlightStore, *ProjectionDaemon, *time.Time) {
		env := newTestEnv(t)
		for i := 0; i < 4; i++ {
			receive(t, env.events, keyA, 1)
		}
		store := &inFlightStore{Store: env.events}
		store.hidden.Store(2)

		async := persistence.DefaultAsyncProjections(env.db, env.progress)
		d, err := NewProjectionDaemon(store, env.locks, []AsyncProjection{async[0]}, DaemonConfig{
			BatchSize:  10,
			InstanceID: "test",
			GapTimeout: 5 * time.Second,
		}, nil, zaptest.NewLogger(t))
		require.NoError(t, err)
		t.Cleanup(d.pool.Release)

		now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
		d.now = func() time.Time { return now }
		return env, store, d, &now
	}
	progress := func(t *testing.T, env *testEnv) int64 {
		seq, err := env.progress.Get(ctx, views.LocationBalance)
		require.NoError(t, err)
		return seq
	}

	t.Run("applies the late event once it commits", func(t *testing.T) {
		env, store, d, now := setup(t)

		assert.Equal(t, 1, d.RunOnce(ctx)[views.LocationBalance])
		assert.Equal(t, int64(1), progress(t, env), "progress stops below the hole")

		*now = now.Add(time.Second)
		assert.Equal(t, 0, d.RunOnce(ctx)[views.LocationBalance])

		store.hidden.Store(0)
		assert.Equal(t, 3, d.RunOnce(ctx)[views.LocationBalance])
		assert.Equal(t, int64(4), progress(t, env))

		var row views.LocationBalanceRow
		require.NoError(t, env.db.Table(views.TableLocationBalance).Where("location = ?", keyA.Location).First(&row).Error)
		assert.True(t, row.Quantity.Equal(qty(4)))
	})

	t.Run("skips a hole that outlives the timeout", func(t *testing.T) {
		env, _, d, now := setup(t)

		assert.Equal(t, 1, d.RunOnce(ctx)[views.LocationBalance])
		*now = now.Add(4 * time.Second)
		assert.Equal(t, 0, d.RunOnce(ctx)[views.LocationBalance])

		*now = now.Add(time.Second)
		assert.Equal(t, 2, d.RunOnce(ctx)[views.LocationBalance])
		assert.Equal(t, int64(4), progress(t, env))

		var row views.LocationBalanceRow
		require.NoError(t, env.db.Table(views.TableLocationBalance).Where("location = ?", keyA.Location).First(&row).Error)
		assert.True(t, row.Quantity.Equal(qty(3)))
	})
}

type fakePurger struct {
	calls atomic.Int32
	err   error
}

func (p *fakePurger) PurgeExpired(context.Context) (int64, error) {
	p.calls.Add(1)
	return 2, p.err
}

func TestProjectionDaemon_PurgeLocks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	purger := &fakePurger{}

	d, err := NewProjectionDaemon(env.events, env.locks, nil, DaemonConfig{InstanceID: "test"}, nil,
		zaptest.NewLogger(t), WithLockPurge(purger, time.Minute))
	require.NoError(t, err)
	t.Cleanup(d.pool.Release)

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	assert.True(t, d.PurgeLocks(ctx, now))
	assert.False(t, d.PurgeLocks(ctx, now.Add(30*time.Second)))
	assert.True(t, d.PurgeLocks(ctx, now.Add(time.Minute)))
	assert.Equal(t, int32(2), purger.calls.Load())

	plain, err := NewProjectionDaemon(env.events, env.locks, nil, DaemonConfig{InstanceID: "test"}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(plain.pool.Release)
	assert.False(t, plain.PurgeLocks(ctx, now))
}
