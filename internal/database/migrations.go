package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/alerts"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeAlertTimestamps = "2026-10-01_normalize_alert_timestamps"

// secondsCeiling mirrors alerts.NormalizeTimestamp: smaller positive values are seconds.
const secondsCeiling = int64(1_000_000_000_000)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeAlertTimestamps, apply: normalizeAlertTimestamps},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeAlertTimestamps rewrites rows written by ingesters that stored epoch seconds.
// It bypasses model hooks so the change log does not record synthetic updates.
func normalizeAlertTimestamps(db *gorm.DB) error {
	return db.Session(&gorm.Session{SkipHooks: true}).
		Model(&alerts.Record{}).
		Where("timestamp_ms > 0 AND timestamp_ms < ?", secondsCeiling).
		Update("timestamp_ms", gorm.Expr("timestamp_ms * 1000")).Error
}
