package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

type authResponsePayload struct {
	AccessToken string          `json:"access_token"`
	ExpiresIn   int64           `json:"expires_in"`
	TokenType   string          `json:"token_type"`
	User        authUserPayload `json:"user"`
}

type authUserPayload struct {
	ID         string `json:"id"`
	Username   string `json:"username,omitempty"`
	FirstName  string `json:"first_name,omitempty"`
	LoginCount int64  `json:"login_count"`
}

// handleTelegramAuth trusts a login widget payload only after its signature verifies.
func (h *httpHandler) handleTelegramAuth(c *gin.Context) {
	fields := make(map[string]any)
	decoder := json.NewDecoder(c.Request.Body)
	decoder.UseNumber()
	if err := decoder.Decode(&fields); err != nil || len(fields) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	identity, err := h.verifier.Verify(fields)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrExpiredAuthPayload):
			h.logger.Info("telegram auth payload expired", zap.Error(err))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "auth_expired"})
		case errors.Is(err, auth.ErrMissingAuthHash), errors.Is(err, auth.ErrInvalidAuthData):
			h.logger.Warn("telegram auth payload rejected", zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		default:
			h.logger.Warn("telegram auth verification failed", zap.Error(err))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		}
		return
	}

	user, err := h.users.RecordLogin(c.Request.Context(), identity)
	if err != nil {
		h.logger.Error("failed to record telegram login", zap.Int64("telegram_id", identity.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login_failed"})
		return
	}

	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), strconv.FormatInt(identity.ID, 10))
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		User: authUserPayload{
			ID:         user.TelegramID,
			Username:   user.Username,
			FirstName:  user.FirstName,
			LoginCount: user.LoginCount,
		},
	})
}
