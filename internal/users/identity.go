package users

import (
	"strings"
	"time"
)

// TelegramUser records a user who signed in through the Telegram login widget.
type TelegramUser struct {
	TelegramID      string     `gorm:"column:telegram_id;primaryKey;size:190;not null"`
	FirstName       string     `gorm:"column:first_name;size:320"`
	LastName        string     `gorm:"column:last_name;size:320"`
	Username        string     `gorm:"column:username;size:320"`
	PhotoURL        string     `gorm:"column:photo_url;size:512"`
	AuthDate        time.Time  `gorm:"column:auth_date"`
	LoginCount      int64      `gorm:"column:login_count;not null;default:0"`
	LastLoginAt     time.Time  `gorm:"column:last_login_at"`
	PreviousLoginAt *time.Time `gorm:"column:previous_login_at"`
	CreatedAt       time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing Telegram users.
func (TelegramUser) TableName() string {
	return "telegram_users"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
