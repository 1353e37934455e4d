// Package testutil wires a throwaway database for repo-level tests.
// Grounded on the teacher's internal/data/repos/testutil package, but
// backed by an in-memory sqlite database (gorm.io/driver/sqlite) instead
// of a DSN-gated Postgres instance, so repo tests run without any
// external service — there is no CI Postgres available to this module,
// and sqlite's jsonb-via-text support is sufficient for the datatypes
// column round-trips this repo layer exercises.
package testutil

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/relioncluster/pipeline-orchestrator/internal/data/db"
	"github.com/relioncluster/pipeline-orchestrator/internal/platform/logger"
)

var (
	logOnce sync.Once
	logg    *logger.Logger
	logErr  error
)

func Logger(tb testing.TB) *logger.Logger {
	tb.Helper()
	logOnce.Do(func() {
		logg, logErr = logger.New("test")
	})
	if logErr != nil {
		tb.Fatalf("failed to init logger: %v", logErr)
	}
	return logg
}

// DB opens a fresh in-memory sqlite database per call (each test gets
// full isolation; there's no shared fixture to reset between tests).
func DB(tb testing.TB) *gorm.DB {
	tb.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		tb.Fatalf("open in-memory sqlite: %v", err)
	}
	if err := db.AutoMigrateAll(gdb); err != nil {
		tb.Fatalf("auto migrate: %v", err)
	}
	return gdb
}
