// Package storetest opens throwaway SQLite databases for package tests.
package storetest

import (
	"path/filepath"
	"testing"

	"github.com/vitwit/x402guard/store"
	"gorm.io/gorm"
)

// Open returns a migrated database in a per-test temp directory.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "x402guard.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := store.Migrate(db); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}
