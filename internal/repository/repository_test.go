package repository

import (
	"fmt"
	"testing"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm"

	"github.com/studyflow/dicomgw/internal/db"
)

// newTestDB opens a private in-memory SQLite database, migrated the same
// way db.New migrates a real one. Each test gets its own database, named so
// that :memory: connections never collide even though database/sql pools
// connections under the hood.
//
// SQLite's single-writer model means these tests exercise the queue's
// sequential correctness (claim marks a row processing, a second claim
// never sees it again) but not true multi-connection SKIP LOCKED
// concurrency, which requires Postgres.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gdb, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      dsn,
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	return gdb
}
