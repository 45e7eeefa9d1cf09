package rbac

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"
)

// TestDatabaseEnv names the variable holding a Postgres URL for database tests
const TestDatabaseEnv = "PERMGATE_TEST_POSTGRES"

// SkipIfNoDatabase skips the test if PERMGATE_TEST_POSTGRES is not set.
// This allows tests to run in CI where the database is available, but skip locally if not configured.
func SkipIfNoDatabase(t *testing.T) string {
	t.Helper()

	dbURL := os.Getenv(TestDatabaseEnv)
	if dbURL == "" {
		t.Skipf("Skipping test: %s environment variable not set (database not available)", TestDatabaseEnv)
	}

	return dbURL
}

// SkipIfNoDatabaseOrShort skips the test if running in short mode OR if database is not available.
func SkipIfNoDatabaseOrShort(t *testing.T) string {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping database test in short mode")
	}

	return SkipIfNoDatabase(t)
}

// RequireDatabase connects to the test database, applies the RBAC schema and
// empties the RBAC tables, or skips the test in short mode or when no
// database is available. The connection is closed when the test ends.
func RequireDatabase(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := SkipIfNoDatabaseOrShort(t)

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Skipf("Failed to connect to database: %v", err)
	}

	// Verify connection
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("Database not reachable: %v", err)
	}

	if err := PrepareDatabase(context.Background(), db); err != nil {
		db.Close()
		t.Fatalf("Failed to prepare database: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

// PrepareDatabase migrates db and removes every RBAC row, leaving profile
// rows in place with no role
func PrepareDatabase(ctx context.Context, db *sql.DB) error {
	if _, err := RunMigrations(ctx, db); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, `
		UPDATE profiles SET role_id = NULL;
		DELETE FROM user_permissions;
		DELETE FROM role_permissions;
		DELETE FROM roles;
		DELETE FROM permissions;
	`)
	return err
}

// IsDatabaseAvailable returns true if PERMGATE_TEST_POSTGRES is set (does not test connection).
func IsDatabaseAvailable() bool {
	return os.Getenv(TestDatabaseEnv) != ""
}
