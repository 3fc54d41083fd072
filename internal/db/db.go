package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	_ "github.com/lib/pq"

	"github.com/xxxsen/ragchat/internal/config"
	"github.com/xxxsen/ragchat/internal/pkg/dbutil"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func Open(cfg config.DatabaseConfig) (*sql.DB, error) {
	dsn := cfg.DSN
	if dsn == "" {
		sslmode := cfg.SSLMode
		if sslmode == "" {
			sslmode = "disable"
		}
		port := cfg.Port
		if port == 0 {
			port = 5432
		}
		dsn = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, port, cfg.User, cfg.Password, cfg.DBName, sslmode)
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func ApplyMigrations(db *sql.DB) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	for _, file := range files {
		content, err := fs.ReadFile(migrationsFS, "migrations/"+file)
		if err != nil {
			return err
		}
		if err := execStatements(db, file, string(content)); err != nil {
			return err
		}
	}
	return nil
}

// EnsureCollection creates the chunk and metadata tables of a collection when
// they do not exist yet and adds the generated lexical column to chunk tables
// created by older ingestion jobs. dims <= 0 leaves the vector column
// unconstrained and skips the ANN index.
func EnsureCollection(ctx context.Context, db *sql.DB, coll config.CollectionConfig, dims int) error {
	chunkTable, err := dbutil.QuoteTable(coll.ChunkTable)
	if err != nil {
		return err
	}
	docTable, err := dbutil.QuoteTable(coll.DocumentTable)
	if err != nil {
		return err
	}
	vectorType := "VECTOR"
	if dims > 0 {
		vectorType = fmt.Sprintf("VECTOR(%d)", dims)
	}
	lang := strings.ReplaceAll(coll.Language, "'", "")
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			title TEXT,
			url TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, docTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			embedding %s
		)`, chunkTable, vectorType),
		fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS content_tsv TSVECTOR
			GENERATED ALWAYS AS (to_tsvector('%s'::regconfig, coalesce(content, ''))) STORED`, chunkTable, lang),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING GIN (content_tsv)`,
			indexName(coll.ChunkTable, "tsv"), chunkTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s ((metadata->>'file_id'))`,
			indexName(coll.ChunkTable, "file_id"), chunkTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (created_at DESC, id)`,
			indexName(coll.DocumentTable, "created"), docTable),
	}
	if dims > 0 {
		stmts = append(stmts, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_cosine_ops)`,
			indexName(coll.ChunkTable, "embedding"), chunkTable))
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure collection %s: %w", coll.Name, err)
		}
	}
	return nil
}

func indexName(table, suffix string) string {
	return "idx_" + table + "_" + suffix
}

func execStatements(db *sql.DB, file, content string) error {
	queries := strings.Split(content, ";")
	for _, q := range queries {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		if _, err := db.Exec(q); err != nil {
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("execute query in %s: %w", file, err)
		}
	}
	return nil
}
