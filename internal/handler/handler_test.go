package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/xxxsen/common/webapi"

	"github.com/xxxsen/ragchat/internal/chatwoot"
	"github.com/xxxsen/ragchat/internal/handler"
	"github.com/xxxsen/ragchat/internal/middleware"
	"github.com/xxxsen/ragchat/internal/model"
	"github.com/xxxsen/ragchat/internal/pkg/errcode"
	appErr "github.com/xxxsen/ragchat/internal/pkg/errors"
	"github.com/xxxsen/ragchat/internal/service"
)

type fakeChat struct {
	mu      sync.Mutex
	inputs  []service.ChatInput
	err     error
	history map[string][]model.Message
	resets  []string
}

func (f *fakeChat) Chat(ctx context.Context, in service.ChatInput) (*service.ChatOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &service.ChatOutput{Bot: "noi_cer", Response: "risposta", MessagesReturned: 2}, nil
}

func (f *fakeChat) History(ctx context.Context, sessionID string, limit int) (*service.HistoryOutput, error) {
	if sessionID == "missing" {
		return nil, appErr.ErrInvalid
	}
	msgs := f.history[sessionID]
	return &service.HistoryOutput{SessionID: sessionID, Messages: msgs, Total: len(msgs)}, nil
}

func (f *fakeChat) Reset(ctx context.Context, sessionID string) error {
	f.resets = append(f.resets, sessionID)
	return nil
}

type fakeProcessor struct {
	mu   sync.Mutex
	msgs []*chatwoot.Incoming
	bots []string
}

func (f *fakeProcessor) Process(ctx context.Context, bot chatwoot.Bot, in *chatwoot.Incoming) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, in)
	f.bots = append(f.bots, bot.Name)
	return nil
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func setupRouter(t *testing.T, chat *fakeChat, proc *fakeProcessor) (http.Handler, *handler.WebhookHandler) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	webhook := handler.NewWebhookHandler(proc, []chatwoot.Bot{{Name: "noi_cer", BotToken: "tok"}})
	deps := handler.RouterDeps{
		Chat:    handler.NewChatHandler(chat, 25<<20),
		Webhook: webhook,
		Health:  handler.NewHealthHandler(nil, []string{"noi_cer"}),
	}
	engine, err := webapi.NewEngine(
		"/api/v1",
		"",
		webapi.WithRegister(func(group *gin.RouterGroup) {
			handler.RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(
			middleware.RequestID(),
			middleware.CORS(nil),
		),
	)
	require.NoError(t, err)
	return engine, webhook
}

func do(t *testing.T, h http.Handler, method, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	return resp
}

func decode(t *testing.T, resp *httptest.ResponseRecorder) envelope {
	var env envelope
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &env))
	return env
}

func TestChatEndpoint(t *testing.T) {
	chat := &fakeChat{}
	router, _ := setupRouter(t, chat, &fakeProcessor{})

	resp := do(t, router, http.MethodPost, "/api/v1/chat",
		[]byte(`{"session_id":"u1","message":"Elenca documenti disponibili","collection":"noi_cer","attachments":[{"file_type":"audio","url":"https://x/a.ogg"}]}`), nil)
	require.Equal(t, http.StatusOK, resp.Code)
	env := decode(t, resp)
	require.Equal(t, 0, env.Code)
	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.Equal(t, "risposta", data["response"])
	require.Equal(t, float64(2), data["messages_returned"])

	require.Len(t, chat.inputs, 1)
	require.Equal(t, "u1", chat.inputs[0].SessionID)
	require.Equal(t, "noi_cer", chat.inputs[0].Bot)
	require.Equal(t, "https://x/a.ogg", chat.inputs[0].Attachments[0].DataURL)
}

func TestChatEndpointErrors(t *testing.T) {
	chat := &fakeChat{err: appErr.ErrProviderUnavailable}
	router, _ := setupRouter(t, chat, &fakeProcessor{})

	resp := do(t, router, http.MethodPost, "/api/v1/chat", []byte(`{"session_id":"u1","message":"ciao"}`), nil)
	require.Equal(t, errcode.ErrProviderUnavailable, decode(t, resp).Code)

	resp = do(t, router, http.MethodPost, "/api/v1/chat", []byte(`not json`), nil)
	require.Equal(t, errcode.ErrInvalid, decode(t, resp).Code)

	chat.err = appErr.ErrPayloadTooLarge
	resp = do(t, router, http.MethodPost, "/api/v1/chat", []byte(`{"session_id":"u1","message":"ciao"}`), nil)
	env := decode(t, resp)
	require.Equal(t, errcode.ErrPayloadTooLarge, env.Code)
	require.Contains(t, env.Msg, "25MB")
}

func TestHistoryAndReset(t *testing.T) {
	chat := &fakeChat{history: map[string][]model.Message{
		"u1": {{Role: model.RoleUser, Content: "a"}, {Role: model.RoleAssistant, Content: "b"}},
	}}
	router, _ := setupRouter(t, chat, &fakeProcessor{})

	resp := do(t, router, http.MethodGet, "/api/v1/chat/history/u1?limit=10", nil, nil)
	env := decode(t, resp)
	require.Equal(t, 0, env.Code)
	var data struct {
		SessionID     string          `json:"session_id"`
		Messages      []model.Message `json:"messages"`
		TotalMessages int             `json:"total_messages"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.Equal(t, "u1", data.SessionID)
	require.Equal(t, 2, data.TotalMessages)
	require.Equal(t, model.RoleAssistant, data.Messages[1].Role)

	resp = do(t, router, http.MethodGet, "/api/v1/chat/history/u1?limit=abc", nil, nil)
	require.Equal(t, errcode.ErrInvalid, decode(t, resp).Code)

	resp = do(t, router, http.MethodPost, "/api/v1/chat/reset", []byte(`{"session_id":"u1"}`), nil)
	require.Equal(t, 0, decode(t, resp).Code)
	require.Equal(t, []string{"u1"}, chat.resets)
}

func TestWebhookEndpoint(t *testing.T) {
	proc := &fakeProcessor{}
	router, webhook := setupRouter(t, &fakeChat{}, proc)
	payload := []byte(`{"id":1,"message_type":"incoming","content":"ciao","conversation":{"id":9},"sender":{"id":4}}`)

	resp := do(t, router, http.MethodPost, "/api/v1/chatwoot/webhook/noi_cer", payload, nil)
	require.Equal(t, http.StatusForbidden, resp.Code)

	resp = do(t, router, http.MethodPost, "/api/v1/chatwoot/webhook/noi_cer", payload, map[string]string{"Authorization": "Bearer tok"})
	require.Equal(t, http.StatusAccepted, resp.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, "accepted", body["status"])
	require.NotEmpty(t, body["request_id"])
	webhook.Wait()
	require.Len(t, proc.msgs, 1)
	require.Equal(t, "4", proc.msgs[0].Contact)
	require.Equal(t, "noi_cer", proc.bots[0])

	resp = do(t, router, http.MethodPost, "/api/v1/chatwoot/webhook/noi_cer",
		[]byte(`{"message_type":"outgoing","content":"x","conversation":{"id":9},"sender":{"id":4}}`), map[string]string{"Authorization": "Bearer tok"})
	require.Equal(t, http.StatusOK, resp.Code)

	resp = do(t, router, http.MethodPost, "/api/v1/chatwoot/webhook/unknown", payload, nil)
	require.Equal(t, http.StatusNotFound, resp.Code)
}

func TestHealthz(t *testing.T) {
	router, _ := setupRouter(t, &fakeChat{}, &fakeProcessor{})
	resp := do(t, router, http.MethodGet, "/api/v1/healthz", nil, nil)
	require.Equal(t, 0, decode(t, resp).Code)
}
