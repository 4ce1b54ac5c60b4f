package journal

import (
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"
)

// SetupTestDB recreates the journal_test database and applies Schema. The
// test is skipped when Postgres is not reachable. JOURNAL_TEST_ADMIN_DSN
// and JOURNAL_TEST_DSN override the connections.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	adminDSN := os.Getenv("JOURNAL_TEST_ADMIN_DSN")
	if adminDSN == "" {
		adminDSN = "host=localhost port=5432 user=shotrelay password=shotrelay dbname=postgres sslmode=disable"
	}
	db, err := sql.Open("postgres", adminDSN)
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("Skipping test, Postgres not available: %v", err)
	}

	if _, err := db.Exec(`DROP DATABASE IF EXISTS journal_test`); err != nil {
		t.Fatalf("Failed to drop database: %v", err)
	}
	if _, err := db.Exec(`CREATE DATABASE journal_test`); err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	db.Close()

	testDSN := os.Getenv("JOURNAL_TEST_DSN")
	if testDSN == "" {
		testDSN = "host=localhost port=5432 user=shotrelay password=shotrelay dbname=journal_test sslmode=disable"
	}
	db, err = sql.Open("postgres", testDSN)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}
	return db
}
