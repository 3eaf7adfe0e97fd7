package testutil

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/lockerhq/lockerd/internal/database"
)

// TestDBOption customises the behaviour of MustOpenTestDB.
type TestDBOption func(*testDBConfig)

type testDBConfig struct {
	autoMigrate bool
	poolSize    int
}

// WithAutoMigrate enables automatic schema migration after opening the test database.
func WithAutoMigrate() TestDBOption {
	return func(cfg *testDBConfig) {
		cfg.autoMigrate = true
	}
}

// WithLockerPool migrates the schema and seeds the given number of available lockers.
func WithLockerPool(size int) TestDBOption {
	return func(cfg *testDBConfig) {
		cfg.autoMigrate = true
		cfg.poolSize = size
	}
}

// MustOpenTestDB opens an in-memory SQLite database for tests, applying optional
// migrations and locker pool seeding. The connection is closed via t.Cleanup.
func MustOpenTestDB(t *testing.T, opts ...TestDBOption) *gorm.DB {
	t.Helper()

	cfg := testDBConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	// Named shared-cache memory databases keep the gorm connection pool on a
	// single store while isolating each test from its neighbours.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=1", uuid.NewString())
	db, err := database.Open(database.Config{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)

	if cfg.autoMigrate {
		require.NoError(t, database.AutoMigrate(db))
	}
	if cfg.poolSize > 0 {
		require.NoError(t, database.SeedLockers(db, cfg.poolSize))
	}

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// A single connection serialises concurrent writers at the pool instead
	// of surfacing sqlite busy/locked errors to the code under test.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	return db
}
