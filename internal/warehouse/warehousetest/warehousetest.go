// Package warehousetest opens throwaway SQLite warehouses for package tests.
package warehousetest

import (
	"context"
	"path/filepath"
	"testing"

	"coinflow/config"
	"coinflow/internal/warehouse"
)

// Config returns a SQLite warehouse config rooted in a fresh temp dir.
func Config(t testing.TB) config.WarehouseConfig {
	t.Helper()
	return config.WarehouseConfig{
		Driver:       config.DriverSQLite,
		Name:         filepath.Join(t.TempDir(), "warehouse.db"),
		MaxOpenConns: 4,
	}
}

// Open returns a migrated SQLite warehouse closed at test cleanup.
func Open(t testing.TB) *warehouse.Warehouse {
	t.Helper()
	wh, err := warehouse.Open(context.Background(), Config(t))
	if err != nil {
		t.Fatalf("open warehouse: %v", err)
	}
	t.Cleanup(func() { wh.Close() })
	if err := wh.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return wh
}
