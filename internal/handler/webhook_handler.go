package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/ragchat/internal/chatwoot"
	appErr "github.com/xxxsen/ragchat/internal/pkg/errors"
	"github.com/xxxsen/ragchat/internal/pkg/response"
)

const maxWebhookBodyBytes = 1 << 20

type WebhookProcessor interface {
	Process(ctx context.Context, bot chatwoot.Bot, in *chatwoot.Incoming) error
}

// WebhookHandler accepts chatwoot deliveries and answers them in the
// background. Chatwoot gets a 202 as soon as the payload is accepted.
type WebhookHandler struct {
	bots      map[string]chatwoot.Bot
	processor WebhookProcessor
	wg        sync.WaitGroup
}

func NewWebhookHandler(processor WebhookProcessor, bots []chatwoot.Bot) *WebhookHandler {
	h := &WebhookHandler{bots: make(map[string]chatwoot.Bot, len(bots)), processor: processor}
	for _, b := range bots {
		h.bots[b.Name] = b
	}
	return h
}

func (h *WebhookHandler) Receive(c *gin.Context) {
	requestID := uuid.NewString()
	logger := logutil.GetLogger(c.Request.Context()).With(zap.String("request_id", requestID), zap.String("bot", c.Param("bot")))
	bot, ok := h.bots[c.Param("bot")]
	if !ok {
		response.Status(c, http.StatusNotFound, "not_found", gin.H{"error": "unknown bot"})
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		response.Status(c, http.StatusBadRequest, "bad_request", gin.H{"error": "unreadable body"})
		return
	}
	if !chatwoot.Authorize(raw, c.Request.Header, c.Request.URL.Query(), bot.WebhookSecret, bot.BotToken) {
		logger.Warn("webhook authorization failed")
		response.Status(c, http.StatusForbidden, "forbidden", gin.H{"error": "Unauthorized"})
		return
	}
	in, err := chatwoot.ParseIncoming(raw)
	switch {
	case errors.Is(err, chatwoot.ErrIgnored):
		logger.Debug("webhook event ignored", zap.Error(err))
		response.Status(c, http.StatusOK, "ignored", gin.H{"request_id": requestID})
		return
	case errors.Is(err, appErr.ErrInvalid):
		logger.Warn("invalid webhook payload", zap.Error(err))
		response.Status(c, http.StatusBadRequest, "bad_request", gin.H{"error": err.Error()})
		return
	case err != nil:
		logger.Error("webhook parse failed", zap.Error(err))
		response.Status(c, http.StatusInternalServerError, "internal_server_error", gin.H{"request_id": requestID})
		return
	}
	ctx := context.WithoutCancel(c.Request.Context())
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		start := time.Now()
		if err := h.processor.Process(ctx, bot, in); err != nil {
			logger.Error("webhook processing failed", zap.Error(err), zap.Duration("cost", time.Since(start)))
			return
		}
		logger.Info("webhook processed", zap.Duration("cost", time.Since(start)))
	}()
	response.Status(c, http.StatusAccepted, "accepted", gin.H{"request_id": requestID})
}

// Wait blocks until in-flight deliveries are answered.
func (h *WebhookHandler) Wait() {
	h.wg.Wait()
}
