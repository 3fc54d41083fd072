package repo_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/require"

	"github.com/xxxsen/ragchat/internal/model"
	appErr "github.com/xxxsen/ragchat/internal/pkg/errors"
	"github.com/xxxsen/ragchat/internal/repo"
	"github.com/xxxsen/ragchat/internal/retrieval"
	"github.com/xxxsen/ragchat/test/testutil"
)

type fixedEmbedder struct {
	vec []float32
}

func (f *fixedEmbedder) Embed(ctx context.Context, text string, taskType string) ([]float32, error) {
	return f.vec, nil
}

func (f *fixedEmbedder) ModelName() string {
	return "fixed"
}

func seedCollection(t *testing.T, db *sql.DB, chunkTable, docTable string) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	docs := []struct {
		id, title string
		at        time.Time
	}{
		{"f1", "Bolletta luce", base},
		{"f2", "Contratto gas", base.Add(time.Hour)},
		{"f3", "Rimborsi", base.Add(time.Hour)},
	}
	for _, d := range docs {
		_, err := db.ExecContext(ctx, "INSERT INTO "+docTable+" (id, title, created_at) VALUES ($1, $2, $3)", d.id, d.title, d.at)
		require.NoError(t, err)
	}
	chunks := []struct {
		id, fileID, content string
		vec                 []float32
	}{
		{"c1", "f1", "La bolletta della luce arriva ogni due mesi.", []float32{1, 0, 0}},
		{"c2", "f1", "Il pagamento della bolletta si fa con domiciliazione.", []float32{0.9, 0.1, 0}},
		{"c3", "f2", "Il contratto gas dura dodici mesi.", []float32{0, 1, 0}},
	}
	for _, c := range chunks {
		_, err := db.ExecContext(ctx,
			"INSERT INTO "+chunkTable+" (id, content, metadata, embedding) VALUES ($1, $2, jsonb_build_object('file_id', $3::text), $4)",
			c.id, c.content, c.fileID, pgvector.NewVector(c.vec))
		require.NoError(t, err)
	}
}

func newCollectionEngine(t *testing.T, db *sql.DB, name string) *retrieval.Engine {
	t.Helper()
	coll := testutil.CreateCollection(t, db, name)
	seedCollection(t, db, coll.ChunkTable, coll.DocumentTable)
	chunks, err := repo.NewChunkRepo(db, coll.ChunkTable)
	require.NoError(t, err)
	docs, err := repo.NewDocumentRepo(db, coll.DocumentTable)
	require.NoError(t, err)
	return retrieval.NewEngine(&fixedEmbedder{vec: []float32{1, 0, 0}}, retrieval.Options{}, []retrieval.Collection{{
		Name:                coll.Name,
		Chunks:              chunks,
		Documents:           docs,
		Language:            coll.Language,
		SimilarityThreshold: 0.3,
	}})
}

func TestCollectionListAndGetDocument(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()
	engine := newCollectionEngine(t, db, "repo_test_docs")
	ctx := context.Background()

	docs, err := engine.ListDocuments(ctx, "repo_test_docs", 2, 0)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, "f2", docs[0].ID)
	require.Equal(t, "f3", docs[1].ID)

	docs, err = engine.ListDocuments(ctx, "repo_test_docs", 2, 2)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "f1", docs[0].ID)

	full, err := engine.GetDocument(ctx, "repo_test_docs", "f1")
	require.NoError(t, err)
	require.Equal(t, "Bolletta luce", full.Title)
	require.Equal(t, 2, full.ChunkCount)
	require.Contains(t, full.Content, "ogni due mesi")

	full, err = engine.GetDocument(ctx, "repo_test_docs", "c3")
	require.NoError(t, err)
	require.Equal(t, "f2", full.ID)

	_, err = engine.GetDocument(ctx, "repo_test_docs", "missing")
	require.ErrorIs(t, err, appErr.ErrNotFound)
}

func TestCollectionHybridSearch(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()
	engine := newCollectionEngine(t, db, "repo_test_search")

	hits, err := engine.Search(context.Background(), retrieval.SearchRequest{
		Collection: "repo_test_search",
		Query:      "bolletta",
		Limit:      5,
	})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	for _, h := range hits {
		require.True(t, h.DualMatch())
		require.Equal(t, "Bolletta luce", h.Title)
	}
	require.Equal(t, "c1", hits[0].ID)
}

func TestEmbeddingCacheRoundTripAndCleanup(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()
	ctx := context.Background()
	cache := repo.NewEmbeddingCacheRepo(db)
	_, err := db.ExecContext(ctx, "DELETE FROM embedding_cache WHERE model_name = 'repo-test'")
	require.NoError(t, err)

	require.NoError(t, cache.Save(ctx, &model.EmbeddingCache{
		ModelName: "repo-test", TaskType: "RETRIEVAL_QUERY", ContentHash: "old",
		Embedding: []float32{1, 2, 3}, Ctime: 100,
	}))
	require.NoError(t, cache.Save(ctx, &model.EmbeddingCache{
		ModelName: "repo-test", TaskType: "RETRIEVAL_QUERY", ContentHash: "new",
		Embedding: []float32{4, 5, 6}, Ctime: time.Now().Unix(),
	}))

	vec, ok, err := cache.Get(ctx, "repo-test", "RETRIEVAL_QUERY", "old")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []float32{1, 2, 3}, vec)

	_, err = cache.DeleteBefore(ctx, 1000)
	require.NoError(t, err)
	_, ok, err = cache.Get(ctx, "repo-test", "RETRIEVAL_QUERY", "old")
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = cache.Get(ctx, "repo-test", "RETRIEVAL_QUERY", "new")
	require.NoError(t, err)
	require.True(t, ok)
}
