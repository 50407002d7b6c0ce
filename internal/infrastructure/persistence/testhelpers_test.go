package persistence

import (
	"context"
	"testing"

	"github.com/erp/stockledger/internal/domain/eventstore"
	"github.com/erp/stockledger/internal/domain/inventory"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB opens a migrated in-memory SQLite database
func setupTestDB(t *testing.T) *gorm.DB {
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

	require.NoError(t, AutoMigrate(db))
	return db
}

var testKey = inventory.StockKey{WarehouseID: "WH1", Location: "LOC-A", SKU: "SKU-001"}

func qty(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func receipt(t *testing.T, key inventory.StockKey, n int64) (string, []eventstore.NewEvent) {
	t.Helper()
	m := inventory.Movement{
		WarehouseID:  key.WarehouseID,
		FromLocation: inventory.LocationSupplier,
		ToLocation:   key.Location,
		SKU:          key.SKU,
		Quantity:     qty(n),
		MovementType: inventory.MovementReceipt,
	}
	events, err := inventory.Encode(m.Event())
	require.NoError(t, err)
	return m.AnchorKey().StreamKey(), events
}

func appendReceipt(t *testing.T, store *GormEventStore, key inventory.StockKey, n int64) {
	t.Helper()
	stream, events := receipt(t, key, n)
	_, err := store.Append(context.Background(), stream, eventstore.Any, events...)
	require.NoError(t, err)
}

func appendReservationEvents(t *testing.T, store *GormEventStore, id uuid.UUID, expected eventstore.ExpectedVersion, payloads ...inventory.Payload) int64 {
	t.Helper()
	events, err := inventory.Encode(payloads...)
	require.NoError(t, err)
	v, err := store.Append(context.Background(), inventory.ReservationStreamKey(id), expected, events...)
	require.NoError(t, err)
	return v
}

func lockedLine(key inventory.StockKey, n int64) inventory.LockedLine {
	return inventory.LockedLine{WarehouseID: key.WarehouseID, Location: key.Location, SKU: key.SKU, Quantity: qty(n)}
}
