package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/ragchat/internal/pkg/errcode"
	appErr "github.com/xxxsen/ragchat/internal/pkg/errors"
	"github.com/xxxsen/ragchat/internal/pkg/response"
)

func formatSizeLimit(bytes int64) string {
	const mb = 1024 * 1024
	if bytes <= 0 {
		return "0MB"
	}
	value := bytes / mb
	if value <= 0 {
		value = 1
	}
	return strconv.FormatInt(value, 10) + "MB"
}

func handleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	requestID, _ := c.Get("request_id")
	logutil.GetLogger(c.Request.Context()).Error("request failed",
		zap.Any("request_id", requestID),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Error(err),
	)
	switch {
	case errors.Is(err, appErr.ErrUnauthorized):
		response.Error(c, errcode.ErrUnauthorized, "unauthorized")
	case errors.Is(err, appErr.ErrNotFound):
		response.Error(c, errcode.ErrNotFound, err.Error())
	case errors.Is(err, appErr.ErrInvalid):
		response.Error(c, errcode.ErrInvalid, err.Error())
	case errors.Is(err, appErr.ErrTooMany):
		response.Error(c, errcode.ErrTooMany, "too many requests")
	case errors.Is(err, appErr.ErrPayloadTooLarge):
		response.Error(c, errcode.ErrPayloadTooLarge, err.Error())
	case errors.Is(err, appErr.ErrUnsupportedFormat):
		response.Error(c, errcode.ErrUnsupportedFormat, err.Error())
	case errors.Is(err, appErr.ErrTranscriptionFailed):
		response.Error(c, errcode.ErrTranscriptionFailed, "voice message could not be transcribed")
	case errors.Is(err, appErr.ErrProviderUnavailable):
		response.Error(c, errcode.ErrProviderUnavailable, "language model unavailable, retry later")
	default:
		response.Error(c, errcode.ErrInternal, "internal error")
	}
}
