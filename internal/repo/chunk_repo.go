package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/xxxsen/ragchat/internal/model"
	"github.com/xxxsen/ragchat/internal/pkg/dbutil"
	appErr "github.com/xxxsen/ragchat/internal/pkg/errors"
)

// ChunkRepo reads the chunk table of one collection. Chunks carry the id of
// their source file in metadata->>'file_id'.
type ChunkRepo struct {
	db    *sql.DB
	table string
}

func NewChunkRepo(db *sql.DB, table string) (*ChunkRepo, error) {
	quoted, err := dbutil.QuoteTable(table)
	if err != nil {
		return nil, err
	}
	return &ChunkRepo{db: db, table: quoted}, nil
}

// VectorSearch returns up to limit chunks nearest to vec by cosine distance.
// Similarity is 1 - distance.
func (r *ChunkRepo) VectorSearch(ctx context.Context, vec []float32, limit int) ([]model.SearchHit, error) {
	query := fmt.Sprintf(`
		SELECT id, content, metadata, 1 - (embedding <=> $1) AS similarity
		FROM %s
		WHERE embedding IS NOT NULL
		ORDER BY embedding <=> $1, id
		LIMIT $2
	`, r.table)
	rows, err := r.db.QueryContext(ctx, query, pgvector.NewVector(vec), limit)
	if err != nil {
		if dbutil.IsDimensionMismatch(err) {
			return nil, fmt.Errorf("vector search: %w: %v", appErr.ErrInvalid, err)
		}
		return nil, err
	}
	defer rows.Close()
	hits := make([]model.SearchHit, 0, limit)
	for rows.Next() {
		var (
			hit  model.SearchHit
			meta []byte
		)
		if err := rows.Scan(&hit.ID, &hit.Content, &meta, &hit.Similarity); err != nil {
			return nil, err
		}
		hit.Metadata, hit.SourceFileID = decodeMetadata(meta)
		hit.InVector = true
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// LexicalSearch ranks chunks with ts_rank against plainto_tsquery in the given
// text search configuration.
func (r *ChunkRepo) LexicalSearch(ctx context.Context, language, text string, limit int) ([]model.SearchHit, error) {
	query := fmt.Sprintf(`
		SELECT id, content, metadata, ts_rank(content_tsv, q) AS rank
		FROM %s, plainto_tsquery($1::regconfig, $2) AS q
		WHERE content_tsv @@ q
		ORDER BY rank DESC, id
		LIMIT $3
	`, r.table)
	rows, err := r.db.QueryContext(ctx, query, language, text, limit)
	if err != nil {
		if dbutil.IsUndefinedColumn(err) {
			return nil, fmt.Errorf("lexical search on %s needs the content_tsv column: %w", r.table, err)
		}
		return nil, err
	}
	defer rows.Close()
	hits := make([]model.SearchHit, 0, limit)
	for rows.Next() {
		var (
			hit  model.SearchHit
			meta []byte
		)
		if err := rows.Scan(&hit.ID, &hit.Content, &meta, &hit.LexicalScore); err != nil {
			return nil, err
		}
		hit.Metadata, hit.SourceFileID = decodeMetadata(meta)
		hit.InLexical = true
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// ListBySource returns every chunk of a source file ordered by chunk id.
func (r *ChunkRepo) ListBySource(ctx context.Context, sourceID string) ([]model.Chunk, error) {
	query := fmt.Sprintf(`
		SELECT id, content, metadata
		FROM %s
		WHERE metadata->>'file_id' = $1
		ORDER BY id
	`, r.table)
	rows, err := r.db.QueryContext(ctx, query, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var chunks []model.Chunk
	for rows.Next() {
		var (
			chunk model.Chunk
			meta  []byte
		)
		if err := rows.Scan(&chunk.ID, &chunk.Content, &meta); err != nil {
			return nil, err
		}
		chunk.Metadata, chunk.SourceFileID = decodeMetadata(meta)
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

func (r *ChunkRepo) GetByID(ctx context.Context, id string) (*model.Chunk, error) {
	query := fmt.Sprintf(`SELECT id, content, metadata FROM %s WHERE id::text = $1`, r.table)
	var (
		chunk model.Chunk
		meta  []byte
	)
	err := r.db.QueryRowContext(ctx, query, id).Scan(&chunk.ID, &chunk.Content, &meta)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErr.ErrNotFound
		}
		return nil, err
	}
	chunk.Metadata, chunk.SourceFileID = decodeMetadata(meta)
	return &chunk, nil
}

func decodeMetadata(raw []byte) (map[string]interface{}, string) {
	if len(raw) == 0 {
		return nil, ""
	}
	meta := map[string]interface{}{}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, ""
	}
	var fileID string
	switch v := meta["file_id"].(type) {
	case string:
		fileID = v
	case float64:
		fileID = fmt.Sprintf("%.0f", v)
	}
	return meta, fileID
}
