package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/alerts"
	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/broadcast"
	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/market"
	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/settings"
	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	sessionSubjectContextKey = "kasalerts_session_subject"
	categoryContextKey       = "kasalerts_category"
	accessTokenQueryParam    = "access_token"
	defaultHeartbeatInterval = 15 * time.Second
)

var (
	errMissingAlertReader   = errors.New("alert reader dependency required")
	errMissingStreamHub     = errors.New("stream hub dependency required")
	errMissingSettingsStore = errors.New("settings store dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
)

type AlertReader interface {
	Recent(ctx context.Context, category alerts.Category, limit int) ([]alerts.Alert, error)
}

type StreamHub interface {
	Subscribe(ctx context.Context, category alerts.Category) (*broadcast.Subscription, error)
	Subscribers(category alerts.Category) int
}

type SettingsStore interface {
	Get(ctx context.Context, userID string) (settings.NotificationSetting, bool, error)
	Upsert(ctx context.Context, userID string, prefs settings.Preferences) (settings.NotificationSetting, error)
}

type SessionTokenManager interface {
	IssueSessionToken(ctx context.Context, subject string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

type TelegramVerifier interface {
	Verify(fields map[string]any) (auth.TelegramIdentity, error)
}

type LoginRecorder interface {
	RecordLogin(ctx context.Context, identity auth.TelegramIdentity) (users.TelegramUser, error)
}

type TokenInfoProvider interface {
	TokenInfo(ctx context.Context, ticker string) (*market.Token, error)
}

// Dependencies wires the HTTP surface. TelegramVerifier with Users, Market and
// Metrics are optional; their routes are only mounted when provided.
type Dependencies struct {
	Alerts            AlertReader
	Hub               StreamHub
	Settings          SettingsStore
	TokenManager      SessionTokenManager
	TelegramVerifier  TelegramVerifier
	Users             LoginRecorder
	Market            TokenInfoProvider
	Metrics           http.Handler
	SnapshotLimit     int
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Alerts == nil {
		return nil, errMissingAlertReader
	}
	if deps.Hub == nil {
		return nil, errMissingStreamHub
	}
	if deps.Settings == nil {
		return nil, errMissingSettingsStore
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	snapshotLimit := deps.SnapshotLimit
	if snapshotLimit <= 0 || snapshotLimit > alerts.MaxSnapshotSize {
		snapshotLimit = alerts.MaxSnapshotSize
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		alerts:            deps.Alerts,
		hub:               deps.Hub,
		settings:          deps.Settings,
		tokens:            deps.TokenManager,
		verifier:          deps.TelegramVerifier,
		users:             deps.Users,
		market:            deps.Market,
		snapshotLimit:     snapshotLimit,
		heartbeatInterval: heartbeat,
		logger:            logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}
	if deps.TelegramVerifier != nil && deps.Users != nil {
		router.POST("/auth/telegram", handler.handleTelegramAuth)
	}

	// Settings reads never fail on a bad session; they fall back to anonymous.
	lenient := router.Group("/api", handler.readOptionalSession)
	for _, path := range []string{"/notifications/settings", "/snipes/notifications/settings"} {
		lenient.GET(path, handler.handleGetSettings)
	}

	api := router.Group("/api", handler.readSession)
	api.GET("/alerts/:category", handler.handleSnapshot)
	api.GET("/alerts/:category/stream", handler.handleStream)

	api.GET("/snipes", withCategory(alerts.CategoryPrice), handler.handleSnapshot)
	api.GET("/snipes/stream", withCategory(alerts.CategoryPrice), handler.handleStream)
	api.GET("/velocity", withCategory(alerts.CategoryVelocity), handler.handleSnapshot)
	api.GET("/nfts", withCategory(alerts.CategoryNFT), handler.handleSnapshot)
	api.GET("/transactions/whales", withCategory(alerts.CategoryWhale), handler.handleSnapshot)

	for _, path := range []string{"/notifications/settings", "/snipes/notifications/settings"} {
		api.POST(path, handler.handleSaveSettings)
	}
	if deps.Market != nil {
		api.GET("/tokens/:ticker", handler.handleTokenInfo)
	}

	return router, nil
}

type httpHandler struct {
	alerts            AlertReader
	hub               StreamHub
	settings          SettingsStore
	tokens            SessionTokenManager
	verifier          TelegramVerifier
	users             LoginRecorder
	market            TokenInfoProvider
	snapshotLimit     int
	heartbeatInterval time.Duration
	logger            *zap.Logger
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:    []string{"Authorization", "Content-Type", "Cache-Control", "Last-Event-ID"},
		MaxAge:          12 * time.Hour,
	})
}

func withCategory(category alerts.Category) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(categoryContextKey, category)
		c.Next()
	}
}

func (h *httpHandler) resolveCategory(c *gin.Context) (alerts.Category, bool) {
	if value, ok := c.Get(categoryContextKey); ok {
		if category, ok := value.(alerts.Category); ok {
			return category, true
		}
	}
	category, err := alerts.ParseCategory(c.Param("category"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_category"})
		return "", false
	}
	return category, true
}

// readSession attaches the bearer session subject when one is presented.
// Anonymous requests pass through; invalid tokens are rejected.
func (h *httpHandler) readSession(c *gin.Context) {
	if !h.attachSession(c) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

// readOptionalSession treats an invalid token like an anonymous request.
func (h *httpHandler) readOptionalSession(c *gin.Context) {
	h.attachSession(c)
	c.Next()
}

func (h *httpHandler) attachSession(c *gin.Context) bool {
	token := bearerToken(c)
	if token == "" {
		return true
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		return false
	}
	c.Set(sessionSubjectContextKey, subject)
	return true
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(c.Query(accessTokenQueryParam))
}

// handleHealth also reports the live stream subscribers per category.
func (h *httpHandler) handleHealth(c *gin.Context) {
	subscribers := make(map[string]int, len(alerts.Categories()))
	for _, category := range alerts.Categories() {
		subscribers[category.String()] = h.hub.Subscribers(category)
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "subscribers": subscribers})
}
