package inventory

import (
	"context"
	"testing"
	"time"

	"github.com/erp/stockledger/internal/domain/inventory"
	"github.com/erp/stockledger/internal/infrastructure/cache"
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
	db           *gorm.DB
	events       *persistence.GormEventStore
	views        *persistence.GormViewReader
	locks        *persistence.GormLockStore
	locker       *KeyLocker
	ledger       *StockLedgerService
	reservations *ReservationService
	picking      *PickingService
	queries      *StockQueryService
	idempotency  *cache.InMemoryIdempotencyStore
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

	log := zaptest.NewLogger(t)
	env := &testEnv{
		db:     db,
		events: persistence.NewGormEventStore(db, persistence.WithInlineProjectors(persistence.DefaultInlineProjectors()...)),
		views:  persistence.NewGormViewReader(db),
		locks:  persistence.NewGormLockStore(db, nil),
	}
	env.locker = NewKeyLocker(env.locks, LockSettings{
		TTL:            10 * time.Second,
		AcquireTimeout: 5 * time.Second,
		RetryInterval:  2 * time.Millisecond,
	}, "test-node", log)
	env.idempotency = cache.NewInMemoryIdempotencyStore(nil, time.Hour)
	t.Cleanup(func() { _ = env.idempotency.Close() })

	env.ledger = NewStockLedgerService(env.events, env.locker, nil, log)
	env.reservations = NewReservationService(env.events, env.locker, log)
	env.picking = NewPickingService(env.events, env.views, env.locker, log, WithIdempotency(env.idempotency, time.Hour))
	env.queries = NewStockQueryService(env.views)
	return env
}

var keyA = inventory.StockKey{WarehouseID: "WH1", Location: "LOC-A", SKU: "SKU-001"}

func qty(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func (e *testEnv) receive(t *testing.T, key inventory.StockKey, n int64) {
	t.Helper()
	_, err := e.ledger.RecordMovement(context.Background(), inventory.Movement{
		WarehouseID:  key.WarehouseID,
		FromLocation: inventory.LocationSupplier,
		ToLocation:   key.Location,
		SKU:          key.SKU,
		Quantity:     qty(n),
		MovementType: inventory.MovementReceipt,
	})
	require.NoError(t, err)
}

// allocated creates a reservation allocated to n units at key
func (e *testEnv) allocated(t *testing.T, key inventory.StockKey, n int64) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	created, err := e.reservations.Create(ctx, CreateReservationRequest{
		Lines: []RequestedLineRequest{{WarehouseID: key.WarehouseID, SKU: key.SKU, Quantity: qty(n)}},
	})
	require.NoError(t, err)
	_, err = e.reservations.Allocate(ctx, created.ID, AllocateRequest{
		Allocations: []AllocationLineRequest{{WarehouseID: key.WarehouseID, Location: key.Location, SKU: key.SKU, Quantity: qty(n)}},
	})
	require.NoError(t, err)
	return created.ID
}

func (e *testEnv) available(t *testing.T, key inventory.StockKey) (onHand, locked, available decimal.Decimal) {
	t.Helper()
	rows, err := e.views.FindAvailable(context.Background(), []inventory.StockKey{key})
	require.NoError(t, err)
	row, ok := rows[key]
	require.True(t, ok, "no available_stock row for %s", key)
	return row.OnHandQty, row.HardLockedQty, row.AvailableQty
}
