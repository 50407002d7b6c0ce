package migration_test

import (
	"testing"

	"github.com/erp/stockledger/internal/infrastructure/migration"
	"github.com/erp/stockledger/internal/testutil/pgtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMigrator_Postgres(t *testing.T) {
	tdb := pgtest.NewEmpty(t)

	m, err := migration.New(tdb.SqlDB, zaptest.NewLogger(t))
	require.NoError(t, err)

	version, dirty, err := m.Version()
	require.NoError(t, err)
	assert.Zero(t, version)
	assert.False(t, dirty)

	require.NoError(t, m.Up())
	version, _, err = m.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)

	for _, table := range []string{"event_store", "distributed_locks", "projection_progress", "items",
		"location_balance", "available_stock", "active_hard_locks", "on_hand_value"} {
		assert.True(t, tdb.DB.Migrator().HasTable(table), table)
	}

	var seeded int64
	require.NoError(t, tdb.DB.Table("projection_progress").Where("projection = ?", "LocationBalance").Count(&seeded).Error)
	assert.Equal(t, int64(1), seeded)

	t.Run("up again is a no-op", func(t *testing.T) {
		require.NoError(t, m.Up())
	})

	t.Run("step back and forward", func(t *testing.T) {
		require.NoError(t, m.Steps(-1))
		assert.False(t, tdb.DB.Migrator().HasTable("available_stock"))
		assert.True(t, tdb.DB.Migrator().HasTable("event_store"))

		require.NoError(t, m.GoTo(2))
		assert.True(t, tdb.DB.Migrator().HasTable("available_stock"))
	})

	t.Run("down removes everything", func(t *testing.T) {
		require.NoError(t, m.Down())
		assert.False(t, tdb.DB.Migrator().HasTable("event_store"))
		version, _, err := m.Version()
		require.NoError(t, err)
		assert.Zero(t, version)
	})
}
