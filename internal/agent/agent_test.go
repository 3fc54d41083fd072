package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/ragchat/internal/ai"
	"github.com/xxxsen/ragchat/internal/model"
	appErr "github.com/xxxsen/ragchat/internal/pkg/errors"
	"github.com/xxxsen/ragchat/internal/retrieval"
)

type step func(req *ai.ChatRequest) (*ai.ChatResponse, error)

type scriptedModel struct {
	mu       sync.Mutex
	steps    []step
	requests []*ai.ChatRequest
}

func (m *scriptedModel) Chat(ctx context.Context, req *ai.ChatRequest) (*ai.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	idx := len(m.requests) - 1
	if idx >= len(m.steps) {
		idx = len(m.steps) - 1
	}
	return m.steps[idx](req)
}

func (m *scriptedModel) ModelName() string { return "scripted" }

func answer(text string) step {
	return func(req *ai.ChatRequest) (*ai.ChatResponse, error) {
		return &ai.ChatResponse{Content: text}, nil
	}
}

func callTools(calls ...ai.ToolCall) step {
	return func(req *ai.ChatRequest) (*ai.ChatResponse, error) {
		return &ai.ChatResponse{ToolCalls: calls}, nil
	}
}

func fail(err error) step {
	return func(req *ai.ChatRequest) (*ai.ChatResponse, error) {
		return nil, err
	}
}

// toolsUntilFinal keeps requesting a search while tools are offered and
// answers once they are withdrawn.
func toolsUntilFinal(text string) step {
	return func(req *ai.ChatRequest) (*ai.ChatResponse, error) {
		if len(req.Tools) == 0 {
			return &ai.ChatResponse{Content: text}, nil
		}
		return &ai.ChatResponse{ToolCalls: []ai.ToolCall{call("", ToolVectorSearch, `{"query":"cer"}`)}}, nil
	}
}

func call(id string, name ToolName, args string) ai.ToolCall {
	return ai.ToolCall{ID: id, Name: string(name), Arguments: json.RawMessage(args)}
}

type fakeRetriever struct {
	docs   []model.SourceDocument
	delay  map[string]time.Duration
	search func(req retrieval.SearchRequest) ([]model.SearchHit, error)
}

func (f *fakeRetriever) Search(ctx context.Context, req retrieval.SearchRequest) ([]model.SearchHit, error) {
	if d := f.delay[req.Query]; d > 0 {
		time.Sleep(d)
	}
	if f.search != nil {
		return f.search(req)
	}
	return []model.SearchHit{{Chunk: model.Chunk{ID: "chunk-" + req.Query, Content: "testo " + req.Query}, InVector: true, InLexical: true}}, nil
}

func (f *fakeRetriever) ListDocuments(ctx context.Context, collection string, limit, offset int) ([]model.SourceDocument, error) {
	return f.docs, nil
}

func (f *fakeRetriever) GetDocument(ctx context.Context, collection, id string) (*model.FullDocument, error) {
	return nil, fmt.Errorf("document %s: %w", id, appErr.ErrNotFound)
}

func (f *fakeRetriever) MaxLimit() int { return 50 }

type fakeHistory struct {
	msgs      []model.Message
	lastLimit int
}

func (f *fakeHistory) GetHistory(ctx context.Context, sessionID string, limit int) ([]model.Message, error) {
	f.lastLimit = limit
	return f.msgs, nil
}

func newTestAgent(m ai.IChatModel, r Retriever, h HistoryReader, rounds int) *Agent {
	a := New("noi_cer", m, NewToolset(r, "noi_cer", ToolsetConfig{}), h, Config{
		SystemPrompt:  "Sei l'assistente di NOI CER.",
		MaxToolRounds: rounds,
		Retry:         RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond},
	})
	a.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return a
}

func TestRunListDocumentsScenario(t *testing.T) {
	m := &scriptedModel{steps: []step{
		callTools(call("c1", ToolListDocuments, `{}`)),
		answer("Sono disponibili 2 documenti: Statuto e Regolamento."),
	}}
	r := &fakeRetriever{docs: []model.SourceDocument{{ID: "d1", Title: "Statuto"}, {ID: "d2", Title: "Regolamento"}}}
	a := newTestAgent(m, r, &fakeHistory{}, 5)

	res, err := a.Run(context.Background(), "u1", "Elenca documenti disponibili")
	require.NoError(t, err)
	require.Equal(t, "Sono disponibili 2 documenti: Statuto e Regolamento.", res.Answer)
	require.Equal(t, 1, res.Rounds)
	require.Equal(t, 1, res.ToolCalls)
	require.False(t, res.Forced)
	require.Equal(t, 4, res.MessagesReturned)
	require.Equal(t, []State{StateStart, StateAwaitingModel, StateToolRequested, StateToolExecuting, StateAwaitingModel, StateFinished}, res.States)

	require.Len(t, m.requests, 2)
	require.Len(t, m.requests[0].Tools, 3)
	second := m.requests[1].Messages
	last := second[len(second)-1]
	require.Equal(t, ai.RoleTool, last.Role)
	require.Equal(t, "c1", last.ToolCallID)
	require.Contains(t, last.Content, "Regolamento")
}

func TestRunNeverExceedsRoundBound(t *testing.T) {
	m := &scriptedModel{steps: []step{toolsUntilFinal("risposta finale")}}
	a := newTestAgent(m, &fakeRetriever{}, nil, 3)

	res, err := a.Run(context.Background(), "u1", "dimmi tutto")
	require.NoError(t, err)
	require.Equal(t, 3, res.Rounds)
	require.True(t, res.Forced)
	require.Equal(t, "risposta finale", res.Answer)
	require.Equal(t, StateFinished, res.States[len(res.States)-1])
	require.Len(t, m.requests, 4)
	require.Empty(t, m.requests[3].Tools)
}

func TestRunSynthesizesWhenModelIgnoresBound(t *testing.T) {
	m := &scriptedModel{steps: []step{callTools(call("", ToolVectorSearch, `{"query":"incentivi"}`))}}
	a := newTestAgent(m, &fakeRetriever{}, nil, 2)

	res, err := a.Run(context.Background(), "u1", "incentivi?")
	require.NoError(t, err)
	require.True(t, res.Forced)
	require.Equal(t, 2, res.Rounds)
	require.True(t, strings.HasPrefix(res.Answer, fallbackIntro))
	require.Contains(t, res.Answer, "testo incentivi")
}

func TestRunSynthesizesWhenFinalCallFails(t *testing.T) {
	m := &scriptedModel{steps: []step{
		callTools(call("a", ToolVectorSearch, `{"query":"cer"}`)),
		fail(&ai.HTTPError{Provider: "groq", StatusCode: 400, Body: "bad"}),
	}}
	a := newTestAgent(m, &fakeRetriever{}, nil, 1)
	res, err := a.Run(context.Background(), "u1", "cer?")
	require.NoError(t, err)
	require.True(t, res.Forced)
	require.Contains(t, res.Answer, "testo cer")
}

func TestRunRetriesTransientModelErrors(t *testing.T) {
	transient := &ai.HTTPError{Provider: "groq", StatusCode: 503, Body: "overloaded"}
	m := &scriptedModel{steps: []step{fail(transient), fail(transient), answer("ok")}}
	a := newTestAgent(m, &fakeRetriever{}, nil, 5)
	var delays []time.Duration
	a.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	res, err := a.Run(context.Background(), "u1", "ciao")
	require.NoError(t, err)
	require.Equal(t, "ok", res.Answer)
	require.Len(t, delays, 2)
	for _, d := range delays {
		require.LessOrEqual(t, d, 4*time.Millisecond)
	}
}

func TestRunSurfacesExhaustedRetries(t *testing.T) {
	m := &scriptedModel{steps: []step{fail(&ai.HTTPError{Provider: "groq", StatusCode: 429})}}
	a := newTestAgent(m, &fakeRetriever{}, nil, 5)
	_, err := a.Run(context.Background(), "u1", "ciao")
	require.ErrorIs(t, err, appErr.ErrProviderUnavailable)
	require.Len(t, m.requests, 3)
}

type countingModel struct {
	ai.IChatModel
	calls int
}

func (c *countingModel) Chat(ctx context.Context, req *ai.ChatRequest) (*ai.ChatResponse, error) {
	c.calls++
	return c.IChatModel.Chat(ctx, req)
}

func TestRunRetriesUnreachableModel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	provider, err := ai.NewChatProvider("groq", map[string]interface{}{"api_key": "key", "base_url": "http://" + addr + "/openai/v1"})
	require.NoError(t, err)
	m := &countingModel{IChatModel: ai.NewChatModel(provider, "llama-3.3-70b-versatile", nil)}
	a := newTestAgent(m, &fakeRetriever{}, nil, 5)
	var delays []time.Duration
	a.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	_, err = a.Run(context.Background(), "u1", "ciao")
	require.ErrorIs(t, err, appErr.ErrProviderUnavailable)
	require.Equal(t, 3, m.calls)
	require.Len(t, delays, 2)
}

func TestRunDoesNotRetryFatalModelErrors(t *testing.T) {
	m := &scriptedModel{steps: []step{fail(&ai.HTTPError{Provider: "groq", StatusCode: 401})}}
	a := newTestAgent(m, &fakeRetriever{}, nil, 5)
	_, err := a.Run(context.Background(), "u1", "ciao")
	require.ErrorIs(t, err, appErr.ErrProviderUnavailable)
	require.Len(t, m.requests, 1)
}

func TestRunReportsUnknownToolToModel(t *testing.T) {
	m := &scriptedModel{steps: []step{
		callTools(call("x", ToolName("delete_everything"), `{}`)),
		answer("non posso"),
	}}
	a := newTestAgent(m, &fakeRetriever{}, nil, 5)
	res, err := a.Run(context.Background(), "u1", "cancella")
	require.NoError(t, err)
	require.Equal(t, "non posso", res.Answer)
	msgs := m.requests[1].Messages
	require.Contains(t, msgs[len(msgs)-1].Content, "unknown tool")
}

func TestRunKeepsToolResultOrder(t *testing.T) {
	m := &scriptedModel{steps: []step{
		callTools(
			call("first", ToolVectorSearch, `{"query":"lento"}`),
			call("second", ToolVectorSearch, `{"query":"veloce"}`),
			call("third", ToolGetFileContents, `{"document_id":"nope"}`),
		),
		answer("fatto"),
	}}
	r := &fakeRetriever{delay: map[string]time.Duration{"lento": 30 * time.Millisecond}}
	a := newTestAgent(m, r, nil, 5)

	res, err := a.Run(context.Background(), "u1", "cerca")
	require.NoError(t, err)
	require.Equal(t, 3, res.ToolCalls)
	msgs := m.requests[1].Messages
	tools := msgs[len(msgs)-3:]
	require.Equal(t, "first", tools[0].ToolCallID)
	require.Contains(t, tools[0].Content, "chunk-lento")
	require.Equal(t, "second", tools[1].ToolCallID)
	require.Equal(t, "third", tools[2].ToolCallID)
	require.True(t, strings.HasPrefix(tools[2].Content, "error:"))
}

func TestRunUsesHistoryWindow(t *testing.T) {
	h := &fakeHistory{msgs: []model.Message{
		{Role: model.RoleUser, Content: "prima domanda"},
		{Role: model.RoleAssistant, Content: "prima risposta"},
	}}
	m := &scriptedModel{steps: []step{answer("ok")}}
	a := newTestAgent(m, &fakeRetriever{}, h, 5)

	_, err := a.Run(context.Background(), "u1", "seconda domanda")
	require.NoError(t, err)
	require.Equal(t, defaultHistoryWindow, h.lastLimit)
	msgs := m.requests[0].Messages
	require.Len(t, msgs, 4)
	require.Equal(t, ai.RoleSystem, msgs[0].Role)
	require.Equal(t, ai.RoleAssistant, msgs[2].Role)
	require.Equal(t, "seconda domanda", msgs[3].Content)
}

func TestRunStopsAfterRepeatedToolFailures(t *testing.T) {
	m := &scriptedModel{steps: []step{toolsUntilFinal("mi arrendo")}}
	r := &fakeRetriever{search: func(req retrieval.SearchRequest) ([]model.SearchHit, error) {
		return nil, fmt.Errorf("bad: %w", appErr.ErrInvalid)
	}}
	a := newTestAgent(m, r, nil, 10)
	res, err := a.Run(context.Background(), "u1", "cerca")
	require.NoError(t, err)
	require.Equal(t, maxConsecutiveErrorRounds, res.Rounds)
	require.Equal(t, "mi arrendo", res.Answer)
	require.True(t, res.Forced)
}

func TestRunHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := &scriptedModel{steps: []step{func(req *ai.ChatRequest) (*ai.ChatResponse, error) {
		cancel()
		return nil, context.Canceled
	}}}
	a := newTestAgent(m, &fakeRetriever{}, nil, 5)
	_, err := a.Run(ctx, "u1", "ciao")
	require.True(t, errors.Is(err, context.Canceled))
}

func TestRunRejectsEmptyMessage(t *testing.T) {
	a := newTestAgent(&scriptedModel{steps: []step{answer("x")}}, &fakeRetriever{}, nil, 5)
	_, err := a.Run(context.Background(), "u1", "  ")
	require.ErrorIs(t, err, appErr.ErrInvalid)
}

func TestParseToolName(t *testing.T) {
	name, err := ParseToolName("vector_search")
	require.NoError(t, err)
	require.Equal(t, ToolVectorSearch, name)
	_, err = ParseToolName("rm")
	require.ErrorIs(t, err, appErr.ErrInvalid)
}

func TestBackoffIsBounded(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}.normalized()
	for attempt := 0; attempt < 10; attempt++ {
		d := p.backoff(attempt, func() float64 { return 1 })
		require.LessOrEqual(t, d, time.Second)
		require.GreaterOrEqual(t, p.backoff(attempt, func() float64 { return 0 }), 50*time.Millisecond)
	}
	require.Equal(t, 400*time.Millisecond, p.backoff(2, func() float64 { return 1 }))
}
