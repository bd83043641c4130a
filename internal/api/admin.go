package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"papertrader/pkg/response"
)

func (h *Handlers) feedConnect(c *gin.Context) {
	if err := h.feed.Connect(c.Request.Context()); err != nil {
		h.logger.Warn("manual feed connect failed", zap.Error(err))
		fail(c, err)
		return
	}
	response.OK(c, h.feed.Status())
}

func (h *Handlers) feedDisconnect(c *gin.Context) {
	if err := h.feed.Disconnect(); err != nil {
		fail(c, err)
		return
	}
	response.OK(c, h.feed.Status())
}

func (h *Handlers) feedStatus(c *gin.Context) {
	response.OK(c, h.feed.Status())
}
