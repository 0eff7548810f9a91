package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/alerts"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsNormalizesSecondTimestamps(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&alerts.Record{}, &alerts.Change{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := alerts.Record{AlertID: "legacy", Category: "price", Subject: "NACHO", TimestampMillis: 1_700_000_000}
	current := alerts.Record{AlertID: "current", Category: "price", Subject: "KASPY", TimestampMillis: 1_700_000_000_500}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert legacy alert: %v", err)
	}
	if err := database.Create(&current).Error; err != nil {
		testContext.Fatalf("failed to insert current alert: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored alerts.Record
	if err := database.Where("alert_id = ?", "legacy").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload legacy alert: %v", err)
	}
	if stored.TimestampMillis != 1_700_000_000_000 {
		testContext.Fatalf("expected legacy timestamp to be scaled, got %d", stored.TimestampMillis)
	}
	if err := database.Where("alert_id = ?", "current").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload current alert: %v", err)
	}
	if stored.TimestampMillis != 1_700_000_000_500 {
		testContext.Fatalf("expected millisecond timestamp untouched, got %d", stored.TimestampMillis)
	}

	var updates int64
	if err := database.Model(&alerts.Change{}).Where("operation = ?", alerts.OperationUpdate).Count(&updates).Error; err != nil {
		testContext.Fatalf("failed to count change log: %v", err)
	}
	if updates != 0 {
		testContext.Fatalf("expected migration to bypass the change log, got %d updates", updates)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationNormalizeAlertTimestamps).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestOpenMigratesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "open.db")

	database, err := Open(Config{Driver: "sqlite", DSN: databasePath}, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	defer sqlDB.Close()

	for _, table := range []string{"alerts", "alert_changes", "notification_settings", "telegram_users", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open(Config{Driver: "oracle", DSN: "x"}, nil); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
}
