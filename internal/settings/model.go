package settings

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/cast"
)

const (
	// DefaultThreshold is the percentage threshold reported when no record exists.
	DefaultThreshold = 5.0
	maxUserIDLength  = 190
)

var (
	// ErrInvalidUserID indicates that a user identifier is missing or malformed.
	ErrInvalidUserID = errors.New("settings: invalid user id")
	// ErrInvalidThreshold indicates a negative or non-finite threshold.
	ErrInvalidThreshold = errors.New("settings: invalid threshold")
)

// NotificationSetting is the single per-user preferences record.
type NotificationSetting struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Enabled   bool      `gorm:"column:enabled;not null;default:false"`
	Threshold float64   `gorm:"column:threshold;not null;index"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing notification settings.
func (NotificationSetting) TableName() string {
	return "notification_settings"
}

// Preferences is the user-facing projection of a setting.
type Preferences struct {
	Enabled   bool    `json:"enabled"`
	Threshold float64 `json:"threshold"`
}

// DefaultPreferences returns the shape reported for unknown users.
func DefaultPreferences() Preferences {
	return Preferences{Enabled: false, Threshold: DefaultThreshold}
}

// Preferences projects the stored record.
func (s NotificationSetting) Preferences() Preferences {
	return Preferences{Enabled: s.Enabled, Threshold: s.Threshold}
}

// NormalizeUserID accepts numeric or string identifiers (Telegram ids arrive as either).
func NormalizeUserID(raw any) (string, error) {
	if raw == nil {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if number, ok := raw.(float64); ok && number != math.Trunc(number) {
		return "", fmt.Errorf("%w: fractional %v", ErrInvalidUserID, number)
	}
	value, err := cast.ToStringE(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidUserID, err)
	}
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxUserIDLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxUserIDLength)
	}
	return trimmed, nil
}

// ValidateThreshold ensures the threshold is a non-negative finite percentage.
func ValidateThreshold(value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidThreshold, value)
	}
	return nil
}
