package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/settings"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type settingsRequestPayload struct {
	UserID     any      `json:"userId"`
	TelegramID any      `json:"telegramId"`
	Enabled    *bool    `json:"enabled"`
	Threshold  *float64 `json:"threshold"`
}

type settingsResponsePayload struct {
	Success   bool    `json:"success"`
	Enabled   bool    `json:"enabled"`
	Threshold float64 `json:"threshold"`
}

// handleGetSettings always answers with a usable shape; lookups that cannot be
// served fall back to the defaults.
func (h *httpHandler) handleGetSettings(c *gin.Context) {
	raw := c.Query("userId")
	if raw == "" {
		raw = c.Query("telegramId")
	}
	userID, err := settings.NormalizeUserID(raw)
	if err != nil {
		c.JSON(http.StatusOK, settings.DefaultPreferences())
		return
	}

	setting, found, err := h.settings.Get(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("settings lookup failed, serving defaults", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusOK, settings.DefaultPreferences())
		return
	}
	if !found {
		c.JSON(http.StatusOK, settings.DefaultPreferences())
		return
	}
	c.JSON(http.StatusOK, setting.Preferences())
}

func (h *httpHandler) handleSaveSettings(c *gin.Context) {
	var request settingsRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request"})
		return
	}
	raw := request.UserID
	if raw == nil {
		raw = request.TelegramID
	}
	userID, err := settings.NormalizeUserID(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "missing_user_id"})
		return
	}
	if subject := c.GetString(sessionSubjectContextKey); subject != "" && subject != userID {
		h.logger.Warn("settings write for another user rejected",
			zap.String("session_subject", subject),
			zap.String("user_id", userID))
		c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "forbidden"})
		return
	}

	if request.Threshold != nil {
		if err := settings.ValidateThreshold(*request.Threshold); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_threshold"})
			return
		}
	}

	// Omitted fields keep their stored value.
	prefs := settings.DefaultPreferences()
	if request.Enabled == nil || request.Threshold == nil {
		stored, found, err := h.settings.Get(c.Request.Context(), userID)
		if err != nil {
			h.logger.Error("settings lookup for partial update failed", zap.String("user_id", userID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "settings_unavailable"})
			return
		}
		if found {
			prefs = stored.Preferences()
		}
	}
	if request.Enabled != nil {
		prefs.Enabled = *request.Enabled
	}
	if request.Threshold != nil {
		prefs.Threshold = *request.Threshold
	}

	saved, err := h.settings.Upsert(c.Request.Context(), userID, prefs)
	if err != nil {
		if errors.Is(err, settings.ErrInvalidThreshold) {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_threshold"})
			return
		}
		h.logger.Error("settings save failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "settings_unavailable"})
		return
	}
	c.JSON(http.StatusOK, settingsResponsePayload{
		Success:   true,
		Enabled:   saved.Enabled,
		Threshold: saved.Threshold,
	})
}
