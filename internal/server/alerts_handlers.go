package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/alerts"
	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/broadcast"
	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

const (
	streamEventError  = "error"
	heartbeatComment  = ": keep-alive\n\n"
	streamErrorSlow   = "slow_consumer"
	streamErrorFeed   = "feed_unavailable"
	streamErrorClosed = "server_shutdown"
)

func (h *httpHandler) handleSnapshot(c *gin.Context) {
	category, ok := h.resolveCategory(c)
	if !ok {
		return
	}
	limit := h.snapshotLimit
	if raw := c.Query("limit"); raw != "" {
		requested, err := cast.ToIntE(raw)
		if err != nil || requested <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		if requested < limit {
			limit = requested
		}
	}

	items, err := h.alerts.Recent(c.Request.Context(), category, limit)
	if err != nil {
		h.logger.Error("snapshot query failed", zap.String("category", category.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "snapshot_unavailable"})
		return
	}
	c.JSON(http.StatusOK, items)
}

// handleStream forwards every new alert of the category as one `data:` frame until
// the client goes away or the hub terminates the subscription.
func (h *httpHandler) handleStream(c *gin.Context) {
	category, ok := h.resolveCategory(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	subscription, err := h.hub.Subscribe(ctx, category)
	if err != nil {
		h.logger.Error("stream subscribe failed", zap.String("category", category.String()), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stream_unavailable"})
		return
	}
	defer subscription.Close()

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case alert, open := <-subscription.Alerts():
			if !open {
				h.endStream(c, subscription)
				return
			}
			if err := writeAlertFrame(c.Writer, alert); err != nil {
				h.logger.Debug("stream write failed", zap.String("category", category.String()), zap.Error(err))
				return
			}
			c.Writer.Flush()
		case <-heartbeat.C:
			if _, err := io.WriteString(c.Writer, heartbeatComment); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

func (h *httpHandler) endStream(c *gin.Context, subscription *broadcast.Subscription) {
	cause := subscription.Err()
	if cause == nil {
		return
	}
	code := streamErrorFeed
	switch {
	case errors.Is(cause, broadcast.ErrSlowConsumer):
		code = streamErrorSlow
	case errors.Is(cause, broadcast.ErrHubClosed):
		code = streamErrorClosed
	}
	h.logger.Warn("stream terminated",
		zap.String("category", subscription.Category.String()),
		zap.Int64("subscriber_id", subscription.ID),
		zap.Error(cause))
	if err := writeErrorFrame(c.Writer, code); err == nil {
		c.Writer.Flush()
	}
}

func writeAlertFrame(w io.Writer, alert alerts.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	return sse.Encode(w, sse.Event{Data: frameData(payload)})
}

func writeErrorFrame(w io.Writer, code string) error {
	payload, err := json.Marshal(map[string]string{"error": code})
	if err != nil {
		return err
	}
	return sse.Encode(w, sse.Event{Event: streamEventError, Data: frameData(payload)})
}

// frameData renders compact JSON as `data: <json>`; the encoder emits the field name without a space.
func frameData(payload []byte) string {
	return " " + string(payload)
}
