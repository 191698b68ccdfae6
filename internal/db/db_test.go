package db

import (
	"path/filepath"
	"testing"
)

func openTemp(t *testing.T) *Database {
	t.Helper()
	database, err := Open("", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestOpenSQLiteFallback(t *testing.T) {
	database := openTemp(t)
	if database.Dialect != "sqlite" {
		t.Fatalf("dialect = %q, want sqlite", database.Dialect)
	}
	if err := database.Health(); err != nil {
		t.Fatalf("Health: %v", err)
	}
}

func TestSQLiteSingleWriterPool(t *testing.T) {
	database := openTemp(t)
	stats := database.Stats()
	if got := stats["max_open_connections"]; got != 1 {
		t.Fatalf("max_open_connections = %v, want 1", got)
	}
	if got := stats["dialect"]; got != "sqlite" {
		t.Fatalf("dialect = %v", got)
	}
}

func TestHealthAfterClose(t *testing.T) {
	database, err := Open("", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := database.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := database.Health(); err == nil {
		t.Fatal("Health should fail after Close")
	}
}
