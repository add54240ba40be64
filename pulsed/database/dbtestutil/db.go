// Package dbtestutil constructs database.Stores for tests.
package dbtestutil

import (
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/devpulse/devpulse/pulsed/database"
	"github.com/devpulse/devpulse/pulsed/database/dbfake"
	"github.com/devpulse/devpulse/pulsed/database/migrations"
)

// NewDB returns an in-memory store unless DEVPULSE_TEST_POSTGRES_URL
// points at a real postgres, in which case the migrated database is
// used instead.
func NewDB(t testing.TB) database.Store {
	t.Helper()

	dbURL := os.Getenv("DEVPULSE_TEST_POSTGRES_URL")
	if dbURL == "" {
		return dbfake.New()
	}

	sqlDB, err := sql.Open("postgres", dbURL)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	err = migrations.Up(sqlDB)
	require.NoError(t, err)

	return database.New(sqlDB)
}
