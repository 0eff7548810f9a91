package alerts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MaxSnapshotSize bounds every snapshot read.
const MaxSnapshotSize = 100

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingSubject    = errors.New("alert subject is required")
	noOpLogger           = zap.NewNop()
)

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
	opServiceNew = "alerts.service.new"
	opRecord     = "alerts.record"
	opRecent     = "alerts.recent"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service reads snapshots and, for the writer side, records new alerts.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Draft describes an alert produced by an ingestion process. Timestamp may be
// in seconds or milliseconds; zero means "now".
type Draft struct {
	Category         Category
	Subject          string
	Value            decimal.Decimal
	ChangePercentage float64
	Message          string
	Timestamp        int64
}

// Record inserts a new alert and returns it with its store-assigned identifier.
func (s *Service) Record(ctx context.Context, draft Draft) (Alert, error) {
	if _, err := ParseCategory(draft.Category.String()); err != nil {
		return Alert{}, newServiceError(opRecord, "invalid_category", err)
	}
	subject := strings.TrimSpace(draft.Subject)
	if subject == "" {
		return Alert{}, newServiceError(opRecord, "missing_subject", errMissingSubject)
	}

	alertID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opRecord, "id_generation_failed", err)
		return Alert{}, newServiceError(opRecord, "id_generation_failed", err)
	}

	timestamp := NormalizeTimestamp(draft.Timestamp)
	if timestamp <= 0 {
		timestamp = Millis(s.clock())
	}

	record := Record{
		AlertID:          alertID,
		Category:         draft.Category.String(),
		Subject:          subject,
		Value:            draft.Value,
		ChangePercentage: draft.ChangePercentage,
		Message:          draft.Message,
		TimestampMillis:  timestamp,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opRecord, "insert_failed", err,
			zap.String("alert_id", alertID),
			zap.String("category", record.Category))
		return Alert{}, newServiceError(opRecord, "insert_failed", err)
	}
	return record.Alert(), nil
}

// Recent returns the newest alerts of a category, newest first, capped at MaxSnapshotSize.
func (s *Service) Recent(ctx context.Context, category Category, limit int) ([]Alert, error) {
	if limit <= 0 || limit > MaxSnapshotSize {
		limit = MaxSnapshotSize
	}

	var records []Record
	if err := s.db.WithContext(ctx).
		Where("category = ?", category.String()).
		Order("timestamp_ms DESC").
		Order("seq DESC").
		Limit(limit).
		Find(&records).Error; err != nil {
		s.logError(opRecent, "query_failed", err, zap.String("category", category.String()))
		return nil, newServiceError(opRecent, "query_failed", err)
	}

	result := make([]Alert, 0, len(records))
	for _, record := range records {
		result = append(result, record.Alert())
	}
	return result, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("alerts service error", attrs...)
}
