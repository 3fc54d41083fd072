package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/xxxsen/ragchat/internal/config"
	"github.com/xxxsen/ragchat/internal/db"
)

func OpenTestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	host := os.Getenv("TEST_DB_HOST")
	if host == "" {
		t.Skip("TEST_DB_HOST not set, skipping postgres test")
	}
	conn, err := db.Open(config.DatabaseConfig{
		Host:     host,
		Port:     5432,
		User:     "ragchat",
		Password: "ragchat_pass",
		DBName:   "ragchat_test",
		SSLMode:  "disable",
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.ApplyMigrations(conn); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return conn, func() {
		_ = conn.Close()
	}
}

// CreateCollection creates a throwaway 3-dimensional collection and drops it
// on cleanup.
func CreateCollection(t *testing.T, conn *sql.DB, name string) config.CollectionConfig {
	t.Helper()
	coll := config.CollectionConfig{
		Name:          name,
		ChunkTable:    name + "_documents",
		DocumentTable: name + "_documents_metadata",
		Language:      "italian",
	}
	ctx := context.Background()
	drop := func() {
		_, _ = conn.ExecContext(ctx, "DROP TABLE IF EXISTS "+coll.ChunkTable)
		_, _ = conn.ExecContext(ctx, "DROP TABLE IF EXISTS "+coll.DocumentTable)
	}
	drop()
	if err := db.EnsureCollection(ctx, conn, coll, 3); err != nil {
		t.Fatalf("ensure collection: %v", err)
	}
	t.Cleanup(drop)
	return coll
}
