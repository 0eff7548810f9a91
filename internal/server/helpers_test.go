package server

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/alerts"
	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/broadcast"
	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/database"
	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/feed"
	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/settings"
	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/users"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testBotToken      = "123456:ABC-DEF1234ghIkl-zyx57W2v1u123ew11"
	testSigningSecret = "test-signing-secret"
)

var testNow = time.Unix(1_700_000_600, 0).UTC()

type testEnv struct {
	handler  http.Handler
	db       *gorm.DB
	alerts   *alerts.Service
	settings *settings.Service
	tokens   *auth.TokenIssuer
	hub      *broadcast.Hub
}

type sequenceIDProvider struct {
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("alert-%03d", p.next), nil
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := database.Migrate(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

// newTestEnv builds the full HTTP surface over an in-memory store. Mutators may
// replace dependencies before the handler is constructed.
func newTestEnv(t *testing.T, mutators ...func(*Dependencies)) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := openTestDatabase(t)

	alertService, err := alerts.NewService(alerts.ServiceConfig{Database: db, IDProvider: &sequenceIDProvider{}})
	if err != nil {
		t.Fatalf("failed to build alert service: %v", err)
	}
	settingsService, err := settings.NewService(settings.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build settings service: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build user service: %v", err)
	}
	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        "kasalerts-auth",
		Audience:      "kasalerts-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}
	verifier, err := auth.NewTelegramVerifier(auth.TelegramVerifierConfig{
		BotToken: testBotToken,
		Clock: func() time.Time {
			return testNow
		},
	})
	if err != nil {
		t.Fatalf("failed to build telegram verifier: %v", err)
	}
	source, err := feed.NewStoreSource(feed.StoreSourceConfig{Database: db, PollInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("failed to build feed source: %v", err)
	}
	hub, err := broadcast.NewHub(broadcast.HubConfig{Source: source, BufferSize: 8})
	if err != nil {
		t.Fatalf("failed to build hub: %v", err)
	}
	t.Cleanup(hub.Close)

	deps := Dependencies{
		Alerts:            alertService,
		Hub:               hub,
		Settings:          settingsService,
		TokenManager:      tokenIssuer,
		TelegramVerifier:  verifier,
		Users:             userService,
		HeartbeatInterval: time.Hour,
		Logger:            zap.NewNop(),
	}
	for _, mutate := range mutators {
		mutate(&deps)
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return &testEnv{
		handler:  handler,
		db:       db,
		alerts:   alertService,
		settings: settingsService,
		tokens:   tokenIssuer,
		hub:      hub,
	}
}

func (e *testEnv) serve(request *http.Request) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	e.handler.ServeHTTP(recorder, request)
	return recorder
}

func signTelegramFields(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		lines = append(lines, key+"="+fields[key])
	}
	secret := sha256.Sum256([]byte(testBotToken))
	mac := hmac.New(sha256.New, secret[:])
	mac.Write([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(mac.Sum(nil))
}

type streamFrame struct {
	event string
	data  string
}

// readFrame returns the next event frame, skipping comment lines.
func readFrame(t *testing.T, reader *bufio.Reader) streamFrame {
	t.Helper()
	type readResult struct {
		line string
		err  error
	}
	deadline := time.After(5 * time.Second)
	frame := streamFrame{}
	for {
		resultCh := make(chan readResult, 1)
		go func() {
			line, err := reader.ReadString('\n')
			resultCh <- readResult{line: line, err: err}
		}()
		select {
		case <-deadline:
			t.Fatal("timed out waiting for stream frame")
		case res := <-resultCh:
			if res.err != nil {
				t.Fatalf("failed to read stream: %v", res.err)
			}
			line := strings.TrimRight(res.line, "\r\n")
			switch {
			case line == "":
				if frame.data != "" {
					return frame
				}
			case strings.HasPrefix(line, ":"):
			case strings.HasPrefix(line, "event:"):
				frame.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				frame.data = strings.TrimPrefix(line, "data:")
			}
		}
	}
}

type stubAlertReader struct {
	err error
}

func (s stubAlertReader) Recent(context.Context, alerts.Category, int) ([]alerts.Alert, error) {
	return nil, s.err
}
