package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xxxsen/ragchat/internal/ai"
	"github.com/xxxsen/ragchat/internal/model"
	appErr "github.com/xxxsen/ragchat/internal/pkg/errors"
)

const (
	defaultCandidates = 20
	defaultMaxLimit   = 50
	queryTaskType     = "RETRIEVAL_QUERY"
)

// ChunkStore is the chunk table of one collection. repo.ChunkRepo satisfies it.
type ChunkStore interface {
	VectorSearch(ctx context.Context, vec []float32, limit int) ([]model.SearchHit, error)
	LexicalSearch(ctx context.Context, language, text string, limit int) ([]model.SearchHit, error)
	ListBySource(ctx context.Context, sourceID string) ([]model.Chunk, error)
	GetByID(ctx context.Context, id string) (*model.Chunk, error)
}

// DocumentStore is the source document table of one collection.
type DocumentStore interface {
	List(ctx context.Context, limit, offset uint) ([]model.SourceDocument, error)
	Get(ctx context.Context, id string) (*model.SourceDocument, error)
}

type Collection struct {
	Name                string
	Chunks              ChunkStore
	Documents           DocumentStore
	Language            string
	SimilarityThreshold float64
}

type Options struct {
	Candidates int
	MaxLimit   int
	// TaskType is forwarded to embedders that distinguish query and document
	// embeddings (gemini).
	TaskType string
}

type Option func(*Engine)

func WithReranker(r ai.IReranker) Option {
	return func(e *Engine) {
		e.reranker = r
	}
}

type SearchRequest struct {
	Collection string
	Query      string
	Limit      int
	// Threshold overrides the collection's similarity floor when set.
	Threshold *float64
}

type Engine struct {
	embedder    ai.IEmbedder
	reranker    ai.IReranker
	collections map[string]*Collection
	opts        Options
}

func NewEngine(embedder ai.IEmbedder, opts Options, collections []Collection, options ...Option) *Engine {
	if opts.Candidates <= 0 {
		opts.Candidates = defaultCandidates
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = defaultMaxLimit
	}
	if opts.TaskType == "" {
		opts.TaskType = queryTaskType
	}
	e := &Engine{
		embedder:    embedder,
		collections: make(map[string]*Collection, len(collections)),
		opts:        opts,
	}
	for i := range collections {
		coll := collections[i]
		e.collections[coll.Name] = &coll
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

func (e *Engine) MaxLimit() int {
	return e.opts.MaxLimit
}

func (e *Engine) HasCollection(name string) bool {
	_, ok := e.collections[name]
	return ok
}

func (e *Engine) collection(name string) (*Collection, error) {
	coll, ok := e.collections[name]
	if !ok {
		return nil, fmt.Errorf("unknown collection %q: %w", name, appErr.ErrInvalid)
	}
	return coll, nil
}

func (e *Engine) checkLimit(limit int) error {
	if limit <= 0 || limit > e.opts.MaxLimit {
		return fmt.Errorf("limit must be in [1,%d], got %d: %w", e.opts.MaxLimit, limit, appErr.ErrInvalid)
	}
	return nil
}

// Search runs the vector and lexical channels concurrently and fuses them.
// A failing channel degrades the search to the other one; only when both
// fail is ErrProviderUnavailable returned.
func (e *Engine) Search(ctx context.Context, req SearchRequest) ([]model.SearchHit, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("empty query: %w", appErr.ErrInvalid)
	}
	if err := e.checkLimit(req.Limit); err != nil {
		return nil, err
	}
	coll, err := e.collection(req.Collection)
	if err != nil {
		return nil, err
	}
	threshold := coll.SimilarityThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	candidates := e.opts.Candidates
	if candidates < req.Limit {
		candidates = req.Limit
	}
	logger := logutil.GetLogger(ctx).With(zap.String("collection", coll.Name))

	var (
		vectorHits, lexicalHits []model.SearchHit
		vectorErr, lexicalErr   error
		g                       errgroup.Group
	)
	g.Go(func() error {
		vectorHits, vectorErr = e.vectorChannel(ctx, coll, query, candidates, threshold)
		return nil
	})
	g.Go(func() error {
		lexicalHits, lexicalErr = coll.Chunks.LexicalSearch(ctx, coll.Language, query, candidates)
		return nil
	})
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch {
	case vectorErr != nil && lexicalErr != nil:
		logger.Error("both retrieval channels failed", zap.NamedError("vector_err", vectorErr), zap.NamedError("lexical_err", lexicalErr))
		return nil, fmt.Errorf("%w: vector: %v; lexical: %v", appErr.ErrProviderUnavailable, vectorErr, lexicalErr)
	case vectorErr != nil:
		logger.Warn("vector channel failed, lexical only", zap.Error(vectorErr))
	case lexicalErr != nil:
		logger.Warn("lexical channel failed, vector only", zap.Error(lexicalErr))
	}

	hits := fuse(vectorHits, lexicalHits)
	hits = rerankWithinTiers(ctx, e.reranker, query, hits)
	if len(hits) > req.Limit {
		hits = hits[:req.Limit]
	}
	e.attachTitles(ctx, coll, hits)
	logger.Debug("search finished",
		zap.Int("vector_hits", len(vectorHits)),
		zap.Int("lexical_hits", len(lexicalHits)),
		zap.Int("returned", len(hits)),
	)
	return hits, nil
}

func (e *Engine) vectorChannel(ctx context.Context, coll *Collection, query string, candidates int, threshold float64) ([]model.SearchHit, error) {
	if e.embedder == nil {
		return nil, fmt.Errorf("embedder not configured: %w", appErr.ErrProviderUnavailable)
	}
	vec, err := e.embedder.Embed(ctx, query, e.opts.TaskType)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := coll.Chunks.VectorSearch(ctx, vec, candidates)
	if err != nil {
		return nil, err
	}
	return filterByThreshold(hits, threshold), nil
}

func (e *Engine) attachTitles(ctx context.Context, coll *Collection, hits []model.SearchHit) {
	titles := make(map[string]string)
	for i := range hits {
		src := hits[i].SourceFileID
		if src == "" {
			continue
		}
		title, ok := titles[src]
		if !ok {
			title = model.UntitledDocument
			if doc, err := coll.Documents.Get(ctx, src); err == nil {
				title = doc.Title
			}
			titles[src] = title
		}
		hits[i].Title = title
	}
}

// ListDocuments pages through the collection's source documents ordered by
// creation time (newest first) and id.
func (e *Engine) ListDocuments(ctx context.Context, collection string, limit, offset int) ([]model.SourceDocument, error) {
	if err := e.checkLimit(limit); err != nil {
		return nil, err
	}
	if offset < 0 {
		return nil, fmt.Errorf("negative offset: %w", appErr.ErrInvalid)
	}
	coll, err := e.collection(collection)
	if err != nil {
		return nil, err
	}
	return coll.Documents.List(ctx, uint(limit), uint(offset))
}

// GetDocument rebuilds a source document from its chunks. id is first taken
// as a source file id; when no chunk references it, it is resolved as a
// chunk id and the chunk's source document is returned instead.
func (e *Engine) GetDocument(ctx context.Context, collection, id string) (*model.FullDocument, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("empty document id: %w", appErr.ErrInvalid)
	}
	coll, err := e.collection(collection)
	if err != nil {
		return nil, err
	}
	sourceID := id
	chunks, err := coll.Chunks.ListBySource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		chunk, err := coll.Chunks.GetByID(ctx, id)
		if err != nil {
			if appErr.IsNotFound(err) {
				return nil, fmt.Errorf("document %s: %w", id, appErr.ErrNotFound)
			}
			return nil, err
		}
		if chunk.SourceFileID == "" {
			chunks = []model.Chunk{*chunk}
		} else {
			sourceID = chunk.SourceFileID
			if chunks, err = coll.Chunks.ListBySource(ctx, sourceID); err != nil {
				return nil, err
			}
		}
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("document %s: %w", id, appErr.ErrNotFound)
	}
	parts := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		parts = append(parts, chunk.Content)
	}
	doc := &model.FullDocument{
		SourceDocument: model.SourceDocument{ID: sourceID, Title: model.UntitledDocument},
		Content:        strings.Join(parts, "\n\n"),
		ChunkCount:     len(chunks),
	}
	if src, err := coll.Documents.Get(ctx, sourceID); err == nil {
		doc.SourceDocument = *src
	} else if !appErr.IsNotFound(err) {
		logutil.GetLogger(ctx).Warn("load source document failed", zap.String("id", sourceID), zap.Error(err))
	}
	return doc, nil
}
