package users

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/auth"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidIdentity indicates the identity did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for login bookkeeping.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service records Telegram logins.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// RecordLogin upserts the Telegram user, bumping the login counter and keeping the previous login time.
func (s *Service) RecordLogin(ctx context.Context, identity auth.TelegramIdentity) (TelegramUser, error) {
	if identity.ID <= 0 {
		return TelegramUser{}, ErrInvalidIdentity
	}
	telegramID := strconv.FormatInt(identity.ID, 10)
	loginAt := s.now().UTC()

	var user TelegramUser
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("telegram_id = ?", telegramID).
			Take(&user).
			Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			user = TelegramUser{
				TelegramID:  telegramID,
				FirstName:   normalize(identity.FirstName),
				LastName:    normalize(identity.LastName),
				Username:    normalize(identity.Username),
				PhotoURL:    normalize(identity.PhotoURL),
				AuthDate:    identity.AuthDate.UTC(),
				LoginCount:  1,
				LastLoginAt: loginAt,
			}
			return tx.Create(&user).Error
		}
		if err != nil {
			return err
		}

		previous := user.LastLoginAt
		user.PreviousLoginAt = &previous
		user.LastLoginAt = loginAt
		user.LoginCount++
		user.AuthDate = identity.AuthDate.UTC()
		if value := normalize(identity.FirstName); value != "" {
			user.FirstName = value
		}
		if value := normalize(identity.LastName); value != "" {
			user.LastName = value
		}
		if value := normalize(identity.Username); value != "" {
			user.Username = value
		}
		if value := normalize(identity.PhotoURL); value != "" {
			user.PhotoURL = value
		}
		return tx.Save(&user).Error
	})
	if err != nil {
		return TelegramUser{}, err
	}
	return user, nil
}
