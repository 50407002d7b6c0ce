package projection

import (
	"context"
	"testing"
	"time"

	"github.com/erp/stockledger/internal/domain/eventstore"
	"github.com/erp/stockledger/internal/domain/inventory"
	views "github.com/erp/stockledger/internal/domain/projection"
	"github.com/erp/stockledger/internal/infrastructure/persistence"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testEnv struct {
	db       *gorm.DB
	events   *persistence.GormEventStore
	raw      *persistence.GormEventStore
	views    *persistence.ViewStore
	progress *persistence.ProgressStore
	locks    *persistence.GormLockStore
	rebuild  *RebuildService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, persistence.AutoMigrate(db))

	env := &testEnv{
		db:       db,
		events:   persistence.NewGormEventStore(db, persistence.WithInlineProjectors(persistence.DefaultInlineProjectors()...)),
		raw:      persistence.NewGormEventStore(db),
		views:    persistence.NewViewStore(db, 2),
		progress: persistence.NewProgressStore(db, nil),
		locks:    persistence.NewGormLockStore(db, nil),
	}
	env.rebuild = NewRebuildService(env.events, env.views, env.progress, env.locks,
		RebuildConfig{LockTTL: time.Minute, InstanceID: "test"}, zaptest.NewLogger(t))
	return env
}

var keyA = inventory.StockKey{WarehouseID: "WH1", Location: "LOC-A", SKU: "SKU-001"}

func qty(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// receive appends a receipt through store; the raw store skips inline views
func receive(t *testing.T, store eventstore.Store, key inventory.StockKey, n int64) {
	t.Helper()
	m := inventory.Movement{
		WarehouseID:  key.WarehouseID,
		FromLocation: inventory.LocationSupplier,
		ToLocation:   key.Location,
		SKU:          key.SKU,
		Quantity:     qty(n),
		MovementType: inventory.MovementReceipt,
	}
	encoded, err := inventory.Encode(m.Event())
	require.NoError(t, err)
	_, err = store.Append(context.Background(), m.AnchorKey().StreamKey(), eventstore.Any, encoded...)
	require.NoError(t, err)
}

// pick records a reservation that hard-locks n units at key
func pick(t *testing.T, store eventstore.Store, key inventory.StockKey, n int64) uuid.UUID {
	t.Helper()
	id := uuid.New()
	r, err := inventory.NewReservation(id, "", []inventory.RequestedLine{{WarehouseID: key.WarehouseID, SKU: key.SKU, Quantity: qty(n)}})
	require.NoError(t, err)
	require.NoError(t, r.Allocate([]inventory.AllocationLine{{WarehouseID: key.WarehouseID, Location: key.Location, SKU: key.SKU, Quantity: qty(n)}}))
	_, err = r.StartPicking("")
	require.NoError(t, err)
	encoded, err := inventory.Encode(r.PendingEvents()...)
	require.NoError(t, err)
	_, err = store.Append(context.Background(), inventory.ReservationStreamKey(id), r.ExpectedVersion(), encoded...)
	require.NoError(t, err)
	return id
}

func (e *testEnv) checksum(t *testing.T, name string) string {
	t.Helper()
	def, err := views.Lookup(name)
	require.NoError(t, err)
	sum, _, err := e.views.Checksum(context.Background(), def, def.Table)
	require.NoError(t, err)
	return sum
}
