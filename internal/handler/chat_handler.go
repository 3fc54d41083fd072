package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/ragchat/internal/model"
	"github.com/xxxsen/ragchat/internal/pkg/errcode"
	appErr "github.com/xxxsen/ragchat/internal/pkg/errors"
	"github.com/xxxsen/ragchat/internal/pkg/response"
	"github.com/xxxsen/ragchat/internal/service"
)

const maxChatBodyBytes = 1 << 20

type ChatService interface {
	Chat(ctx context.Context, in service.ChatInput) (*service.ChatOutput, error)
	History(ctx context.Context, sessionID string, limit int) (*service.HistoryOutput, error)
	Reset(ctx context.Context, sessionID string) error
}

type ChatHandler struct {
	chat          ChatService
	maxAudioBytes int64
}

func NewChatHandler(chat ChatService, maxAudioBytes int64) *ChatHandler {
	return &ChatHandler{chat: chat, maxAudioBytes: maxAudioBytes}
}

type attachmentRequest struct {
	FileType string `json:"file_type"`
	DataURL  string `json:"data_url"`
	URL      string `json:"url"`
}

type chatRequest struct {
	SessionID   string              `json:"session_id"`
	Message     string              `json:"message"`
	Collection  string              `json:"collection"`
	Attachments []attachmentRequest `json:"attachments"`
}

type chatResponse struct {
	Response         string `json:"response"`
	MessagesReturned int    `json:"messages_returned"`
	Bot              string `json:"bot"`
	Transcription    string `json:"transcription,omitempty"`
}

type resetRequest struct {
	SessionID string `json:"session_id"`
}

type historyResponse struct {
	SessionID     string          `json:"session_id"`
	Messages      []model.Message `json:"messages"`
	TotalMessages int             `json:"total_messages"`
}

func (h *ChatHandler) Chat(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxChatBodyBytes)
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errcode.ErrInvalid, "invalid request")
		return
	}
	in := service.ChatInput{
		SessionID: strings.TrimSpace(req.SessionID),
		Message:   req.Message,
		Bot:       req.Collection,
	}
	for _, a := range req.Attachments {
		u := a.DataURL
		if u == "" {
			u = a.URL
		}
		in.Attachments = append(in.Attachments, model.Attachment{FileType: a.FileType, DataURL: u})
	}
	out, err := h.chat.Chat(c.Request.Context(), in)
	if err != nil {
		if errors.Is(err, appErr.ErrPayloadTooLarge) && h.maxAudioBytes > 0 {
			response.Error(c, errcode.ErrPayloadTooLarge, fmt.Sprintf("voice message larger than %s", formatSizeLimit(h.maxAudioBytes)))
			return
		}
		handleError(c, err)
		return
	}
	response.Success(c, chatResponse{
		Response:         out.Response,
		MessagesReturned: out.MessagesReturned,
		Bot:              out.Bot,
		Transcription:    out.Transcription,
	})
}

func (h *ChatHandler) History(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			response.Error(c, errcode.ErrInvalid, "limit must be a positive integer")
			return
		}
		limit = v
	}
	out, err := h.chat.History(c.Request.Context(), c.Param("session_id"), limit)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, historyResponse{
		SessionID:     out.SessionID,
		Messages:      out.Messages,
		TotalMessages: out.Total,
	})
}

func (h *ChatHandler) Reset(c *gin.Context) {
	var req resetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errcode.ErrInvalid, "invalid request")
		return
	}
	if err := h.chat.Reset(c.Request.Context(), req.SessionID); err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"session_id": req.SessionID, "reset": true})
}
