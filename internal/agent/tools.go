package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/xxxsen/ragchat/internal/ai"
	"github.com/xxxsen/ragchat/internal/model"
	appErr "github.com/xxxsen/ragchat/internal/pkg/errors"
	"github.com/xxxsen/ragchat/internal/retrieval"
)

type ToolName string

const (
	ToolListDocuments   ToolName = "list_documents"
	ToolGetFileContents ToolName = "get_file_contents"
	ToolVectorSearch    ToolName = "vector_search"
)

const (
	defaultListLimit    = 50
	defaultSearchLimit  = 5
	defaultPreviewChars = 500
	defaultMaxResult    = 12000
	truncatedMarker     = "\n[...contenuto troncato]"
)

func ParseToolName(name string) (ToolName, error) {
	switch ToolName(strings.TrimSpace(name)) {
	case ToolListDocuments:
		return ToolListDocuments, nil
	case ToolGetFileContents:
		return ToolGetFileContents, nil
	case ToolVectorSearch:
		return ToolVectorSearch, nil
	}
	return "", fmt.Errorf("unknown tool %q: %w", name, appErr.ErrInvalid)
}

// Retriever is the retrieval surface the tools need. *retrieval.Engine
// satisfies it.
type Retriever interface {
	Search(ctx context.Context, req retrieval.SearchRequest) ([]model.SearchHit, error)
	ListDocuments(ctx context.Context, collection string, limit, offset int) ([]model.SourceDocument, error)
	GetDocument(ctx context.Context, collection, id string) (*model.FullDocument, error)
	MaxLimit() int
}

type ToolsetConfig struct {
	SearchLimit    int
	PreviewChars   int
	MaxResultChars int
}

// Toolset binds the retrieval tools to one collection.
type Toolset struct {
	retriever  Retriever
	collection string
	cfg        ToolsetConfig
}

func NewToolset(retriever Retriever, collection string, cfg ToolsetConfig) *Toolset {
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = defaultSearchLimit
	}
	if cfg.PreviewChars <= 0 {
		cfg.PreviewChars = defaultPreviewChars
	}
	if cfg.MaxResultChars <= 0 {
		cfg.MaxResultChars = defaultMaxResult
	}
	return &Toolset{retriever: retriever, collection: collection, cfg: cfg}
}

func (t *Toolset) Collection() string {
	return t.collection
}

type toolHandler func(t *Toolset, ctx context.Context, args json.RawMessage) (string, error)

var toolHandlers = map[ToolName]toolHandler{
	ToolListDocuments:   (*Toolset).listDocuments,
	ToolGetFileContents: (*Toolset).getFileContents,
	ToolVectorSearch:    (*Toolset).vectorSearch,
}

func (t *Toolset) Definitions() []ai.ToolDefinition {
	return []ai.ToolDefinition{
		{
			Name: string(ToolListDocuments),
			Description: "List the documents available in the knowledge base, newest first. " +
				"Returns id, title and created_at of each document. Supports pagination.",
			Params: map[string]ai.ToolParam{
				"limit":  {Type: ai.ParamInteger, Description: "Maximum number of documents to return (default 50)."},
				"offset": {Type: ai.ParamInteger, Description: "Number of documents to skip (default 0)."},
			},
		},
		{
			Name: string(ToolGetFileContents),
			Description: "Return the full text of a document. Accepts the id of a document from list_documents " +
				"or the chunk_id of a vector_search result.",
			Params: map[string]ai.ToolParam{
				"document_id": {Type: ai.ParamString, Description: "Document id or chunk_id."},
			},
			Required: []string{"document_id"},
		},
		{
			Name: string(ToolVectorSearch),
			Description: "Search the knowledge base combining semantic similarity and keyword matching. " +
				"Returns the most relevant passages with their chunk_id, a content preview and the source document title.",
			Params: map[string]ai.ToolParam{
				"query": {Type: ai.ParamString, Description: "What to search for."},
				"limit": {Type: ai.ParamInteger, Description: "Maximum number of results (default 5)."},
			},
			Required: []string{"query"},
		},
	}
}

// Execute runs one tool call. The returned text is bounded in length.
func (t *Toolset) Execute(ctx context.Context, call ai.ToolCall) (string, error) {
	name, err := ParseToolName(call.Name)
	if err != nil {
		return "", err
	}
	out, err := toolHandlers[name](t, ctx, call.Arguments)
	if err != nil {
		return "", err
	}
	return truncate(out, t.cfg.MaxResultChars), nil
}

// flexInt accepts both 5 and "5"; models are not consistent about it.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		*f = flexInt(n)
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexInt(int(n))
	return nil
}

func decodeArgs(raw json.RawMessage, dst interface{}) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode tool arguments: %w: %v", appErr.ErrInvalid, err)
	}
	return nil
}

func (t *Toolset) clampLimit(limit int, def int) int {
	if limit <= 0 {
		limit = def
	}
	if maxLimit := t.retriever.MaxLimit(); maxLimit > 0 && limit > maxLimit {
		limit = maxLimit
	}
	return limit
}

type listDocumentsArgs struct {
	Limit  flexInt `json:"limit"`
	Offset flexInt `json:"offset"`
}

type listedDocument struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
}

func (t *Toolset) listDocuments(ctx context.Context, raw json.RawMessage) (string, error) {
	var args listDocumentsArgs
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	docs, err := t.retriever.ListDocuments(ctx, t.collection, t.clampLimit(int(args.Limit), defaultListLimit), int(args.Offset))
	if err != nil {
		return "", err
	}
	if len(docs) == 0 {
		return "No documents found.", nil
	}
	items := make([]listedDocument, 0, len(docs))
	for _, doc := range docs {
		items = append(items, listedDocument{ID: doc.ID, Title: doc.Title, CreatedAt: doc.CreatedAt.Format(time.RFC3339)})
	}
	return marshalResult(items)
}

type getFileContentsArgs struct {
	DocumentID string `json:"document_id"`
	FileID     string `json:"file_id"`
}

func (t *Toolset) getFileContents(ctx context.Context, raw json.RawMessage) (string, error) {
	var args getFileContentsArgs
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	id := args.DocumentID
	if id == "" {
		id = args.FileID
	}
	doc, err := t.retriever.GetDocument(ctx, t.collection, id)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(doc.Content) == "" {
		return "Document found but has no content.", nil
	}
	return fmt.Sprintf("Title: %s\nDocument id: %s\n\n%s", doc.Title, doc.ID, doc.Content), nil
}

type vectorSearchArgs struct {
	Query string  `json:"query"`
	Limit flexInt `json:"limit"`
}

type searchResult struct {
	ChunkID      string  `json:"chunk_id"`
	Title        string  `json:"title,omitempty"`
	SourceFileID string  `json:"source_file_id,omitempty"`
	Content      string  `json:"content"`
	Score        float64 `json:"score"`
	Similarity   float64 `json:"similarity,omitempty"`
	Match        string  `json:"match"`
}

func (t *Toolset) vectorSearch(ctx context.Context, raw json.RawMessage) (string, error) {
	var args vectorSearchArgs
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	hits, err := t.retriever.Search(ctx, retrieval.SearchRequest{
		Collection: t.collection,
		Query:      args.Query,
		Limit:      t.clampLimit(int(args.Limit), t.cfg.SearchLimit),
	})
	if err != nil {
		return "", err
	}
	if len(hits) == 0 {
		return "No documents found matching your query.", nil
	}
	items := make([]searchResult, 0, len(hits))
	for _, hit := range hits {
		items = append(items, searchResult{
			ChunkID:      hit.ID,
			Title:        hit.Title,
			SourceFileID: hit.SourceFileID,
			Content:      truncate(hit.Content, t.cfg.PreviewChars),
			Score:        hit.Score,
			Similarity:   hit.Similarity,
			Match:        matchLabel(hit),
		})
	}
	return marshalResult(items)
}

func matchLabel(hit model.SearchHit) string {
	switch {
	case hit.DualMatch():
		return "semantic+keyword"
	case hit.InVector:
		return "semantic"
	default:
		return "keyword"
	}
}

func marshalResult(v interface{}) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func truncate(s string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxChars]) + truncatedMarker
}
