// Package storetest opens throwaway databases for tests.
package storetest

import (
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"papertrader/internal/store"
	"papertrader/pkg/config"
)

// Open opens a private in-memory SQLite database with the full schema.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	db, err := store.Open(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    "file:" + uuid.NewString() + "?mode=memory&cache=shared",
	}, nil)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}
