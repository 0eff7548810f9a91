package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *httpHandler) handleTokenInfo(c *gin.Context) {
	ticker := c.Param("ticker")
	token, err := h.market.TokenInfo(c.Request.Context(), ticker)
	if err != nil {
		h.logger.Warn("token info lookup failed", zap.String("ticker", ticker), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream_unavailable"})
		return
	}
	if token == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "token_not_found"})
		return
	}
	c.JSON(http.StatusOK, token)
}
