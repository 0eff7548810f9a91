package settings

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("database handle is required")

// ServiceError carries a stable operation.reason code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "settings.service.new"
	opGet            = "settings.get"
	opUpsert         = "settings.upsert"
	opListRecipients = "settings.list_recipients"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service persists per-user notification preferences with upsert semantics.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Get returns the stored setting and whether it exists.
func (s *Service) Get(ctx context.Context, userID string) (NotificationSetting, bool, error) {
	var setting NotificationSetting
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NotificationSetting{}, false, nil
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("user_id", userID))
		return NotificationSetting{}, false, newServiceError(opGet, "query_failed", err)
	}
	return setting, true, nil
}

// Upsert creates the user's record or replaces its fields; it never duplicates.
func (s *Service) Upsert(ctx context.Context, userID string, prefs Preferences) (NotificationSetting, error) {
	normalized, err := NormalizeUserID(userID)
	if err != nil {
		return NotificationSetting{}, newServiceError(opUpsert, "invalid_user_id", err)
	}
	if err := ValidateThreshold(prefs.Threshold); err != nil {
		return NotificationSetting{}, newServiceError(opUpsert, "invalid_threshold", err)
	}

	now := s.clock().UTC()
	setting := NotificationSetting{
		UserID:    normalized,
		Enabled:   prefs.Enabled,
		Threshold: prefs.Threshold,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"enabled", "threshold", "updated_at"}),
	}).Create(&setting).Error
	if err != nil {
		s.logError(opUpsert, "save_failed", err, zap.String("user_id", normalized))
		return NotificationSetting{}, newServiceError(opUpsert, "save_failed", err)
	}
	return setting, nil
}

// ListRecipients returns enabled settings whose threshold is met by the given percentage change.
func (s *Service) ListRecipients(ctx context.Context, changePercentage float64) ([]NotificationSetting, error) {
	magnitude := math.Abs(changePercentage)
	var recipients []NotificationSetting
	if err := s.db.WithContext(ctx).
		Where("enabled = ? AND threshold <= ?", true, magnitude).
		Order("user_id ASC").
		Find(&recipients).Error; err != nil {
		s.logError(opListRecipients, "query_failed", err)
		return nil, newServiceError(opListRecipients, "query_failed", err)
	}
	return recipients, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	s.logger.Error("settings service error", attrs...)
}
