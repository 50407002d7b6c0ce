package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/erp/stockledger/internal/domain/eventstore"
	"github.com/erp/stockledger/internal/domain/inventory"
	"github.com/erp/stockledger/internal/domain/projection"
	"github.com/erp/stockledger/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedLocationBalance(t *testing.T, store *ViewStore, table string, rows []projection.LocationBalanceRow) {
	t.Helper()
	require.NoError(t, store.BulkInsert(context.Background(), table, rows))
}

func sampleBalances() []projection.LocationBalanceRow {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return []projection.LocationBalanceRow{
		{WarehouseID: "WH1", Location: "LOC-A", SKU: "SKU-001", Quantity: decimal.RequireFromString("12.5"), LastUpdated: at},
		{WarehouseID: "WH1", Location: "LOC-B", SKU: "SKU-001", Quantity: qty(7), LastUpdated: at},
		{WarehouseID: "WH2", Location: "LOC-A", SKU: "SKU-002", Quantity: qty(3), LastUpdated: at},
	}
}

func TestViewStore_ShadowLifecycle(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	store := NewViewStore(db, 2)
	def, err := projection.Lookup(projection.LocationBalance)
	require.NoError(t, err)

	seedLocationBalance(t, store, def.Table, sampleBalances())

	shadow := ShadowTableName(def.Table, 42)
	assert.Equal(t, "location_balance_shadow_42", shadow)
	require.NoError(t, store.CreateShadow(ctx, def, shadow))
	assert.True(t, store.TableExists(ctx, shadow))

	t.Run("empty shadow differs from production", func(t *testing.T) {
		prod, prodRows, err := store.Checksum(ctx, def, def.Table)
		require.NoError(t, err)
		empty, emptyRows, err := store.Checksum(ctx, def, shadow)
		require.NoError(t, err)
		assert.Equal(t, int64(3), prodRows)
		assert.Equal(t, int64(0), emptyRows)
		assert.NotEqual(t, prod, empty)
	})

	t.Run("same rows in different insert order hash the same", func(t *testing.T) {
		rows := sampleBalances()
		reversed := []projection.LocationBalanceRow{rows[2], rows[0], rows[1]}
		// Scale differences must not matter.
		reversed[1].Quantity = decimal.RequireFromString("12.5000")
		seedLocationBalance(t, store, shadow, reversed)

		prod, _, err := store.Checksum(ctx, def, def.Table)
		require.NoError(t, err)
		sh, _, err := store.Checksum(ctx, def, shadow)
		require.NoError(t, err)
		assert.Equal(t, prod, sh)
	})

	t.Run("swap promotes the shadow and drops the backup", func(t *testing.T) {
		_, err := store.Swap(ctx, def, shadow, SwapOptions{})
		require.NoError(t, err)
		assert.True(t, store.TableExists(ctx, def.Table))
		assert.False(t, store.TableExists(ctx, shadow))
		assert.False(t, store.TableExists(ctx, BackupTableName(def.Table)))

		rows, err := NewGormViewReader(db).QueryLocationBalance(ctx, projection.StockFilter{})
		require.NoError(t, err)
		assert.Len(t, rows, 3)
	})
}

func TestViewStore_SwapRefusesLeftoverBackup(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	store := NewViewStore(db, 0)
	def, _ := projection.Lookup(projection.AvailableStock)

	require.NoError(t, store.CreateShadow(ctx, def, BackupTableName(def.Table)))
	shadow := ShadowTableName(def.Table, 1)
	require.NoError(t, store.CreateShadow(ctx, def, shadow))

	_, err := store.Swap(ctx, def, shadow, SwapOptions{})
	assert.ErrorIs(t, err, ErrBackupTableExists)
	assert.True(t, store.TableExists(ctx, def.Table))
	assert.True(t, store.TableExists(ctx, shadow))
}

func availableShadow(t *testing.T, store *ViewStore, def projection.Definition, onHand int64) string {
	t.Helper()
	shadow := ShadowTableName(def.Table, time.Now().UnixNano())
	require.NoError(t, store.CreateShadow(context.Background(), def, shadow))
	require.NoError(t, store.BulkInsert(context.Background(), shadow, []projection.AvailableStockRow{{
		WarehouseID: testKey.WarehouseID, Location: testKey.Location, SKU: testKey.SKU,
		OnHandQty: qty(onHand), HardLockedQty: decimal.Zero, AvailableQty: qty(onHand),
	}}))
	return shadow
}

func TestViewStore_SwapCatchesUpInlineView(t *testing.T) {
	ctx := context.Background()
	events, db := newInlineStore(t)
	store := NewViewStore(db, 1)
	def, _ := projection.Lookup(projection.AvailableStock)

	appendReceipt(t, events, testKey, 200)
	shadow := availableShadow(t, store, def, 200)

	// Lands after the shadow was built up to seq 1.
	appendReservationEvents(t, events, uuid.New(), eventstore.Any,
		&inventory.PickingStarted{Lines: []inventory.LockedLine{lockedLine(testKey, 80)}})
	appendReceipt(t, events, testKey, 5)

	result, err := store.Swap(ctx, def, shadow, SwapOptions{After: 1, Verify: true})
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.CaughtUpTo)
	assert.Equal(t, int64(2), result.EventsCaughtUp)
	assert.True(t, result.Rechecked)
	assert.Equal(t, result.ProductionChecksum, result.ShadowChecksum)

	row := availableRow(t, db, testKey)
	assert.True(t, row.OnHandQty.Equal(qty(205)), "on hand %s", row.OnHandQty)
	assert.True(t, row.HardLockedQty.Equal(qty(80)), "hard locked %s", row.HardLockedQty)
	assert.True(t, row.AvailableQty.Equal(qty(125)), "available %s", row.AvailableQty)
	assert.False(t, store.TableExists(ctx, shadow))
}

func TestViewStore_SwapRefusesDivergedShadow(t *testing.T) {
	ctx := context.Background()
	events, db := newInlineStore(t)
	store := NewViewStore(db, 0)
	def, _ := projection.Lookup(projection.AvailableStock)

	appendReceipt(t, events, testKey, 200)
	shadow := availableShadow(t, store, def, 150)
	appendReceipt(t, events, testKey, 5)

	result, err := store.Swap(ctx, def, shadow, SwapOptions{After: 1, Verify: true})
	require.ErrorIs(t, err, ErrSwapVerificationFailed)
	assert.True(t, result.Rechecked)
	assert.NotEqual(t, result.ProductionChecksum, result.ShadowChecksum)

	row := availableRow(t, db, testKey)
	assert.True(t, row.OnHandQty.Equal(qty(205)))
	assert.True(t, store.TableExists(ctx, shadow), "shadow is kept")

	t.Run("recheck without late events", func(t *testing.T) {
		other := availableShadow(t, store, def, 1)
		_, err := store.Swap(ctx, def, other, SwapOptions{After: 2, Verify: true, Recheck: true})
		assert.ErrorIs(t, err, ErrSwapVerificationFailed)
	})
}

func TestViewStore_DropStaleShadows(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	store := NewViewStore(db, 0)
	def, _ := projection.Lookup(projection.AvailableStock)
	other, _ := projection.Lookup(projection.LocationBalance)

	require.NoError(t, store.CreateShadow(ctx, def, ShadowTableName(def.Table, 1)))
	require.NoError(t, store.CreateShadow(ctx, def, ShadowTableName(def.Table, 2)))
	require.NoError(t, store.CreateShadow(ctx, other, ShadowTableName(other.Table, 3)))

	dropped, err := store.DropStaleShadows(ctx, def.Table)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"available_stock_shadow_1", "available_stock_shadow_2"}, dropped)
	assert.True(t, store.TableExists(ctx, def.Table))
	assert.True(t, store.TableExists(ctx, ShadowTableName(other.Table, 3)))
}

func TestViewStore_RefreshOnHandValue(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	store := NewViewStore(db, 0)
	def, _ := projection.Lookup(projection.OnHandValue)

	var stock []projection.AvailableStockRow
	for _, b := range sampleBalances() {
		stock = append(stock, projection.AvailableStockRow{
			WarehouseID: b.WarehouseID, Location: b.Location, SKU: b.SKU,
			OnHandQty: b.Quantity, HardLockedQty: qty(1), AvailableQty: b.Quantity.Sub(qty(1)),
			LastUpdated: b.LastUpdated,
		})
	}
	require.NoError(t, store.BulkInsert(ctx, projection.TableAvailableStock, stock))
	// location_balance is asynchronous and plays no part.
	seedLocationBalance(t, store, projection.TableLocationBalance, sampleBalances()[:1])
	require.NoError(t, db.Create(&[]models.ItemRecord{
		{SKU: "SKU-001", Name: "Widget", Category: "parts", UnitCost: decimal.RequireFromString("2.5")},
		{SKU: "SKU-002", Name: "Gadget", Category: "tools", UnitCost: qty(10)},
	}).Error)

	n, err := store.RefreshFromQuery(ctx, def, def.Table)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rows, err := NewGormViewReader(db).QueryOnHandValue(ctx, projection.StockFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Widget", rows[0].ItemName)
	assert.True(t, rows[0].Quantity.Equal(decimal.RequireFromString("19.5")), "quantity %s", rows[0].Quantity)
	assert.True(t, rows[0].TotalValue.Equal(decimal.RequireFromString("48.75")), "value %s", rows[0].TotalValue)
	assert.True(t, rows[1].TotalValue.Equal(qty(30)))

	_, err = store.RefreshFromQuery(ctx, projection.Definition{Name: "Nope"}, def.Table)
	assert.Error(t, err)
}

func TestViewStore_BulkInsertEmpty(t *testing.T) {
	store := NewViewStore(setupTestDB(t), 0)
	assert.NoError(t, store.BulkInsert(context.Background(), projection.TableAvailableStock, []projection.AvailableStockRow{}))
}

func TestGormViewReader_Filters(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	store := NewViewStore(db, 0)
	other := inventory.StockKey{WarehouseID: "WH2", Location: "LOC-A", SKU: "SKU-002"}
	rows := []projection.AvailableStockRow{
		*projection.NewAvailableStockRow(testKey),
		*projection.NewAvailableStockRow(other),
	}
	rows[0].OnHandQty, rows[0].AvailableQty = qty(5), qty(5)
	require.NoError(t, store.BulkInsert(ctx, projection.TableAvailableStock, rows))

	reader := NewGormViewReader(db)
	got, err := reader.QueryAvailableStock(ctx, projection.StockFilter{OnlyAvailable: true})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, testKey, got[0].Key())

	got, err = reader.QueryAvailableStock(ctx, projection.StockFilter{WarehouseID: "WH2"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, other, got[0].Key())

	found, err := reader.FindAvailable(ctx, []inventory.StockKey{testKey, other, {WarehouseID: "X", Location: "Y", SKU: "Z"}})
	require.NoError(t, err)
	assert.Len(t, found, 2)
}
