package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/ragchat/internal/ai"
	"github.com/xxxsen/ragchat/internal/model"
	appErr "github.com/xxxsen/ragchat/internal/pkg/errors"
	"github.com/xxxsen/ragchat/internal/retrieval"
)

type docRetriever struct {
	fakeRetriever
	doc        *model.FullDocument
	lastLimit  int
	lastOffset int
	lastSearch retrieval.SearchRequest
}

func (d *docRetriever) GetDocument(ctx context.Context, collection, id string) (*model.FullDocument, error) {
	if d.doc != nil && d.doc.ID == id {
		return d.doc, nil
	}
	return nil, appErr.ErrNotFound
}

func (d *docRetriever) ListDocuments(ctx context.Context, collection string, limit, offset int) ([]model.SourceDocument, error) {
	d.lastLimit, d.lastOffset = limit, offset
	return d.docs, nil
}

func (d *docRetriever) Search(ctx context.Context, req retrieval.SearchRequest) ([]model.SearchHit, error) {
	d.lastSearch = req
	return nil, nil
}

func TestFlexInt(t *testing.T) {
	cases := map[string]int{`5`: 5, `"7"`: 7, `null`: 0, `""`: 0, `3.0`: 3}
	for in, want := range cases {
		var v flexInt
		require.NoError(t, json.Unmarshal([]byte(in), &v), in)
		require.Equal(t, want, int(v), in)
	}
	var v flexInt
	require.Error(t, json.Unmarshal([]byte(`"many"`), &v))
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "abc", truncate("abc", 3))
	require.Equal(t, "abc", truncate("abc", 0))
	out := truncate("perché però", 5)
	require.Equal(t, "perch"+truncatedMarker, out)
}

func TestListDocumentsClampsAndPaginates(t *testing.T) {
	r := &docRetriever{}
	ts := NewToolset(r, "noi_cer", ToolsetConfig{})
	out, err := ts.Execute(context.Background(), ai.ToolCall{Name: "list_documents", Arguments: json.RawMessage(`{"limit":"500","offset":10}`)})
	require.NoError(t, err)
	require.Equal(t, "No documents found.", out)
	require.Equal(t, 50, r.lastLimit)
	require.Equal(t, 10, r.lastOffset)
}

func TestGetFileContentsAcceptsFileID(t *testing.T) {
	r := &docRetriever{doc: &model.FullDocument{
		SourceDocument: model.SourceDocument{ID: "f1", Title: "Statuto"},
		Content:        "Art. 1",
	}}
	ts := NewToolset(r, "noi_cer", ToolsetConfig{})
	out, err := ts.Execute(context.Background(), ai.ToolCall{Name: "get_file_contents", Arguments: json.RawMessage(`{"file_id":"f1"}`)})
	require.NoError(t, err)
	require.Equal(t, "Title: Statuto\nDocument id: f1\n\nArt. 1", out)

	_, err = ts.Execute(context.Background(), ai.ToolCall{Name: "get_file_contents", Arguments: json.RawMessage(`{"document_id":"f2"}`)})
	require.ErrorIs(t, err, appErr.ErrNotFound)
}

func TestVectorSearchDefaultsAndEmptyResult(t *testing.T) {
	r := &docRetriever{}
	ts := NewToolset(r, "noi_energia", ToolsetConfig{SearchLimit: 4})
	out, err := ts.Execute(context.Background(), ai.ToolCall{Name: "vector_search", Arguments: json.RawMessage(`{"query":"bollette"}`)})
	require.NoError(t, err)
	require.Equal(t, "No documents found matching your query.", out)
	require.Equal(t, "noi_energia", r.lastSearch.Collection)
	require.Equal(t, 4, r.lastSearch.Limit)
}

func TestExecuteBoundsOutput(t *testing.T) {
	r := &docRetriever{doc: &model.FullDocument{
		SourceDocument: model.SourceDocument{ID: "big", Title: "Lungo"},
		Content:        strings.Repeat("x", 500),
	}}
	ts := NewToolset(r, "noi_cer", ToolsetConfig{MaxResultChars: 100})
	out, err := ts.Execute(context.Background(), ai.ToolCall{Name: "get_file_contents", Arguments: json.RawMessage(`{"document_id":"big"}`)})
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(out, truncatedMarker))
	require.Equal(t, 100+len([]rune(truncatedMarker)), len([]rune(out)))
}

func TestExecuteRejectsMalformedArguments(t *testing.T) {
	ts := NewToolset(&docRetriever{}, "noi_cer", ToolsetConfig{})
	_, err := ts.Execute(context.Background(), ai.ToolCall{Name: "vector_search", Arguments: json.RawMessage(`{"query":`)})
	require.ErrorIs(t, err, appErr.ErrInvalid)
}
