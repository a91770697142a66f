// Package testutil provides an in-memory database and quiet logger for tests.
package testutil

import (
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"settlement-backend/internal/db"
)

// NewDB opens a private in-memory SQLite database with every table migrated.
// A single connection serialises access the way row locks would on Postgres;
// SQLite drops the FOR UPDATE clause.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	database, err := gorm.Open(sqlite.Open(dsn), db.GormConfig())
	require.NoError(t, err)

	sqlDB, err := database.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.Migrate(database, Logger()))
	return database
}

// Logger discards output unless the test runs with -v.
func Logger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	if testing.Verbose() {
		log.SetOutput(logrus.StandardLogger().Out)
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}
