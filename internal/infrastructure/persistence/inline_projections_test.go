package persistence

import (
	"context"
	"testing"

	"github.com/erp/stockledger/internal/domain/eventstore"
	"github.com/erp/stockledger/internal/domain/inventory"
	"github.com/erp/stockledger/internal/domain/projection"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newInlineStore(t *testing.T) (*GormEventStore, *gorm.DB) {
	db := setupTestDB(t)
	return NewGormEventStore(db, WithInlineProjectors(DefaultInlineProjectors()...)), db
}

func availableRow(t *testing.T, db *gorm.DB, key inventory.StockKey) projection.AvailableStockRow {
	t.Helper()
	rows, err := NewGormViewReader(db).FindAvailable(context.Background(), []inventory.StockKey{key})
	require.NoError(t, err)
	row, ok := rows[key]
	require.True(t, ok, "no available stock row for %s", key)
	return row
}

func TestInlineProjections_LockAndConsume(t *testing.T) {
	ctx := context.Background()
	store, db := newInlineStore(t)
	reader := NewGormViewReader(db)

	appendReceipt(t, store, testKey, 200)
	row := availableRow(t, db, testKey)
	assert.True(t, row.OnHandQty.Equal(qty(200)))
	assert.True(t, row.AvailableQty.Equal(qty(200)))

	id := uuid.New()
	appendReservationEvents(t, store, id, eventstore.Any,
		&inventory.PickingStarted{Lines: []inventory.LockedLine{lockedLine(testKey, 80)}})

	row = availableRow(t, db, testKey)
	assert.True(t, row.OnHandQty.Equal(qty(200)), "on hand %s", row.OnHandQty)
	assert.True(t, row.HardLockedQty.Equal(qty(80)), "hard locked %s", row.HardLockedQty)
	assert.True(t, row.AvailableQty.Equal(qty(120)), "available %s", row.AvailableQty)

	locks, err := reader.HardLocksByReservation(ctx, id)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, testKey, locks[0].Key())
	assert.True(t, locks[0].Quantity.Equal(qty(80)))

	appendReservationEvents(t, store, id, eventstore.Any,
		&inventory.ReservationConsumed{Lines: []inventory.ConsumedLine{{
			WarehouseID: testKey.WarehouseID, Location: testKey.Location, SKU: testKey.SKU,
			LockedQuantity: qty(80), ActualQuantity: qty(80),
		}}})

	row = availableRow(t, db, testKey)
	assert.True(t, row.HardLockedQty.IsZero())
	assert.True(t, row.AvailableQty.Equal(qty(200)))

	locks, err = reader.HardLocksByReservation(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestInlineProjections_ReleaseIsClampedAtZero(t *testing.T) {
	store, db := newInlineStore(t)
	appendReceipt(t, store, testKey, 50)

	id := uuid.New()
	appendReservationEvents(t, store, id, eventstore.Any,
		&inventory.PickingStarted{Lines: []inventory.LockedLine{lockedLine(testKey, 10)}},
		&inventory.ReservationCancelled{Reason: "oversized release", Released: []inventory.LockedLine{lockedLine(testKey, 30)}})

	row := availableRow(t, db, testKey)
	assert.True(t, row.HardLockedQty.IsZero())
	assert.True(t, row.AvailableQty.Equal(row.OnHandQty.Sub(row.HardLockedQty)))
	assert.True(t, row.AvailableQty.Equal(qty(50)))
}

func TestInlineProjections_TransferTouchesBothLocations(t *testing.T) {
	store, db := newInlineStore(t)
	appendReceipt(t, store, testKey, 100)

	dest := inventory.StockKey{WarehouseID: "WH1", Location: "LOC-B", SKU: "SKU-001"}
	m := inventory.Movement{
		WarehouseID: "WH1", FromLocation: testKey.Location, ToLocation: dest.Location,
		SKU: "SKU-001", Quantity: qty(30), MovementType: inventory.MovementTransfer,
	}
	events, err := inventory.Encode(m.Event())
	require.NoError(t, err)
	_, err = store.Append(context.Background(), m.AnchorKey().StreamKey(), eventstore.Any, events...)
	require.NoError(t, err)

	assert.True(t, availableRow(t, db, testKey).OnHandQty.Equal(qty(70)))
	assert.True(t, availableRow(t, db, dest).OnHandQty.Equal(qty(30)))
}

func TestInlineProjections_FailureRollsBackAppend(t *testing.T) {
	ctx := context.Background()
	store, db := newInlineStore(t)
	require.NoError(t, db.Migrator().DropTable(projection.TableAvailableStock))

	stream, events := receipt(t, testKey, 10)
	_, err := store.Append(ctx, stream, eventstore.Any, events...)
	require.Error(t, err)

	head, err := store.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), head)
}

func TestLocationBalanceProjector(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	store := NewGormEventStore(db)
	appendReceipt(t, store, testKey, 25)
	appendReceipt(t, store, testKey, 5)

	var envs []eventstore.Envelope
	for env, err := range store.ReadAll(ctx) {
		require.NoError(t, err)
		envs = append(envs, env)
	}
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return NewLocationBalanceProjector().ApplyInline(ctx, tx, envs)
	}))

	rows, err := NewGormViewReader(db).QueryLocationBalance(ctx, projection.StockFilter{WarehouseID: "WH1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Quantity.Equal(qty(30)))
}
