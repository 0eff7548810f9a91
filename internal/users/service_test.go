package users

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestRecordLoginCreatesThenIncrements(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:users_record_login?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&TelegramUser{}); err != nil {
		t.Fatalf("failed to migrate user schema: %v", err)
	}
	clock := time.Unix(1_700_000_000, 0).UTC()
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return clock
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	identity := auth.TelegramIdentity{
		ID:        12345,
		FirstName: "Satoshi ",
		Username:  "kaspafan",
		AuthDate:  clock,
	}
	user, err := service.RecordLogin(context.Background(), identity)
	if err != nil {
		t.Fatalf("first login failed: %v", err)
	}
	if user.TelegramID != "12345" || user.LoginCount != 1 || user.FirstName != "Satoshi" {
		t.Fatalf("unexpected first login record: %#v", user)
	}
	if user.PreviousLoginAt != nil {
		t.Fatalf("expected no previous login on first sign-in")
	}

	firstLogin := clock
	clock = clock.Add(time.Hour)
	identity.Username = "kaspafan2"
	user, err = service.RecordLogin(context.Background(), identity)
	if err != nil {
		t.Fatalf("second login failed: %v", err)
	}
	if user.LoginCount != 2 {
		t.Fatalf("expected login count 2, got %d", user.LoginCount)
	}
	if user.PreviousLoginAt == nil || !user.PreviousLoginAt.Equal(firstLogin) {
		t.Fatalf("expected previous login %v, got %v", firstLogin, user.PreviousLoginAt)
	}
	if user.Username != "kaspafan2" {
		t.Fatalf("expected username update, got %q", user.Username)
	}

	var count int64
	if err := db.Model(&TelegramUser{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count users: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single user row, got %d", count)
	}
}

func TestRecordLoginRejectsMissingIdentifier(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:users_invalid?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	if _, err := service.RecordLogin(context.Background(), auth.TelegramIdentity{}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
}
