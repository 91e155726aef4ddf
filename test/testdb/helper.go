package testdb

import (
	"os"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/stockshield/risk-engine/internal/adapters/database"
)

// TestDB wraps a live postgres handle with schema setup and cleanup
// helpers. Callers skip when no database is reachable unless
// TEST_DATABASE_URL points at one explicitly.
type TestDB struct {
	DB *sqlx.DB
}

// Setup connects to the test database and applies migrations.
func Setup(t *testing.T, migrationsPath string) *TestDB {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	forced := dsn != ""
	if dsn == "" {
		dsn = "host=localhost port=5432 user=stockshield password=stockshield dbname=stockshield_test sslmode=disable"
	}

	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		if forced {
			t.Fatalf("failed to connect to test database: %v (DSN: %s)", err, dsn)
		}
		t.Skipf("test database not reachable: %v", err)
	}

	if err := database.RunMigrations(db.DB, migrationsPath); err != nil {
		db.Close()
		t.Fatalf("failed to apply migrations: %v", err)
	}

	tdb := &TestDB{DB: db}
	t.Cleanup(func() {
		db.Close()
	})
	return tdb
}

// PurgeAsset removes every row a test asset produced so reruns start
// clean. Test assets should carry a unique prefix to avoid touching
// real data when pointed at a shared database.
func (tdb *TestDB) PurgeAsset(t *testing.T, asset string) {
	t.Helper()

	queries := []string{
		"DELETE FROM auction_sessions WHERE asset = $1",
		"DELETE FROM risk_events WHERE asset = $1",
	}
	for _, query := range queries {
		if _, err := tdb.DB.Exec(query, asset); err != nil {
			t.Fatalf("failed to purge rows for %s: %v\nQuery: %s", asset, err, query)
		}
	}
}

// Exec executes SQL against the test database.
func (tdb *TestDB) Exec(t *testing.T, query string, args ...interface{}) {
	t.Helper()

	if _, err := tdb.DB.Exec(query, args...); err != nil {
		t.Fatalf("failed to execute query: %v\nQuery: %s", err, query)
	}
}

// Count returns COUNT(*) for an arbitrary filter.
func (tdb *TestDB) Count(t *testing.T, query string, args ...interface{}) int {
	t.Helper()

	var n int
	if err := tdb.DB.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("failed to count: %v\nQuery: %s", err, query)
	}
	return n
}
