package migration

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/erp/stockledger/migrations"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"add stock holds", "add_stock_holds"},
		{"Add-Stock-Holds", "add_stock_holds"},
		{"ADD_STOCK_HOLDS", "add_stock_holds"},
		{"add__stock__holds", "add_stock_holds"},
		{"Index 2", "index_2"},
		{"   spaces   ", "spaces"},
		{"special!@#$chars", "specialchars"},
		{"_leading", "leading"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeName(tt.input))
		})
	}
}

func TestList(t *testing.T) {
	t.Run("pairs up and down files in version order", func(t *testing.T) {
		fsys := fstest.MapFS{
			"000002_views.up.sql":       {Data: []byte("--")},
			"000002_views.down.sql":     {Data: []byte("--")},
			"000001_events.up.sql":      {Data: []byte("--")},
			"000010_backfill.up.sql":    {Data: []byte("--")},
			"README.md":                 {Data: []byte("notes")},
			"embed.go":                  {Data: []byte("package migrations")},
			"nested/000003_x.up.sql":    {Data: []byte("--")},
			"000004_missing_suffix.sql": {Data: []byte("--")},
		}

		got, err := List(fsys)
		require.NoError(t, err)
		assert.Equal(t, []Info{
			{Version: 1, Name: "events"},
			{Version: 2, Name: "views", HasDown: true},
			{Version: 10, Name: "backfill"},
		}, got)
	})

	t.Run("missing directory is empty", func(t *testing.T) {
		got, err := List(os.DirFS(filepath.Join(t.TempDir(), "absent")))
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("embedded schema is reversible", func(t *testing.T) {
		got, err := List(migrations.FS)
		require.NoError(t, err)
		require.NotEmpty(t, got)
		for i, info := range got {
			assert.Equal(t, uint(i+1), info.Version, "versions are contiguous")
			assert.True(t, info.HasDown, "migration %d has no down file", info.Version)
		}
	})
}

func TestCreateMigration(t *testing.T) {
	t.Run("numbers after the highest existing version", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "000007_items.up.sql"), nil, 0o644))

		mf, err := CreateMigration(dir, "Add Item Barcode", "barcode column for items")
		require.NoError(t, err)
		assert.Equal(t, uint(8), mf.Version)
		assert.Equal(t, "000008_add_item_barcode.up.sql", filepath.Base(mf.UpPath))
		assert.Equal(t, "000008_add_item_barcode.down.sql", filepath.Base(mf.DownPath))

		up, err := os.ReadFile(mf.UpPath)
		require.NoError(t, err)
		assert.Contains(t, string(up), "-- Migration: add_item_barcode")
		assert.Contains(t, string(up), "-- barcode column for items")

		down, err := os.ReadFile(mf.DownPath)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(down), "-- Rollback: add_item_barcode"))
	})

	t.Run("creates the directory and starts at one", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "migrations")
		mf, err := CreateMigration(dir, "init", "")
		require.NoError(t, err)
		assert.Equal(t, uint(1), mf.Version)
		assert.FileExists(t, mf.UpPath)
		assert.FileExists(t, mf.DownPath)

		up, err := os.ReadFile(mf.UpPath)
		require.NoError(t, err)
		assert.NotContains(t, string(up), "-- \n")
	})

	t.Run("rejects a name with nothing usable", func(t *testing.T) {
		_, err := CreateMigration(t.TempDir(), "!!!", "")
		assert.Error(t, err)
	})
}

func TestMigrateLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := migrateLogger{zap.New(core)}

	assert.True(t, l.Verbose())
	l.Printf("Start buffering %d/u %s", 1, "event_store")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "Start buffering 1/u event_store", logs.All()[0].Message)

	quiet, _ := observer.New(zapcore.InfoLevel)
	assert.False(t, migrateLogger{zap.New(quiet)}.Verbose())
}
