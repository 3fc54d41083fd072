package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	appErr "github.com/xxxsen/ragchat/internal/pkg/errors"
	"github.com/xxxsen/ragchat/internal/pkg/response"
)

type Pinger interface {
	PingContext(ctx context.Context) error
}

type HealthHandler struct {
	db   Pinger
	bots []string
}

func NewHealthHandler(db Pinger, bots []string) *HealthHandler {
	return &HealthHandler{db: db, bots: bots}
}

func (h *HealthHandler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			handleError(c, fmt.Errorf("%w: database: %v", appErr.ErrProviderUnavailable, err))
			return
		}
	}
	response.Success(c, gin.H{"status": "ok", "bots": h.bots})
}
