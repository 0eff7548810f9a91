package alerts

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Category tags the kind of event an alert describes.
type Category string

const (
	// CategoryPrice covers token price moves ("snipes").
	CategoryPrice Category = "price"
	// CategoryVelocity covers mint/transfer velocity spikes.
	CategoryVelocity Category = "velocity"
	// CategoryWhale covers large wallet transactions.
	CategoryWhale Category = "whale"
	// CategoryNFT covers NFT mints and floor-price changes.
	CategoryNFT Category = "nft"
)

// Categories lists every category in display order.
func Categories() []Category {
	return []Category{CategoryPrice, CategoryVelocity, CategoryWhale, CategoryNFT}
}

// ErrUnknownCategory indicates that a category tag is not recognised.
var ErrUnknownCategory = errors.New("alerts: unknown category")

var categoryAliases = map[string]Category{
	"price":        CategoryPrice,
	"snipes":       CategoryPrice,
	"velocity":     CategoryVelocity,
	"whale":        CategoryWhale,
	"whales":       CategoryWhale,
	"transactions": CategoryWhale,
	"nft":          CategoryNFT,
	"nfts":         CategoryNFT,
}

// ParseCategory validates raw input, accepting the legacy collection names.
func ParseCategory(raw string) (Category, error) {
	category, ok := categoryAliases[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, raw)
	}
	return category, nil
}

// String returns the underlying tag.
func (c Category) String() string {
	return string(c)
}

// Alert is the normalized record delivered to snapshot and stream consumers.
// Timestamp is always milliseconds since the Unix epoch.
type Alert struct {
	ID               string          `json:"id"`
	Category         Category        `json:"category"`
	Subject          string          `json:"subject"`
	Value            decimal.Decimal `json:"value"`
	ChangePercentage float64         `json:"change_percentage"`
	Message          string          `json:"message"`
	Timestamp        int64           `json:"timestamp"`
}

// Record is the persisted form of an alert. Seq is the store-assigned insertion order.
type Record struct {
	Seq              int64           `gorm:"column:seq;primaryKey;autoIncrement"`
	AlertID          string          `gorm:"column:alert_id;size:64;not null;uniqueIndex"`
	Category         string          `gorm:"column:category;size:32;not null;index:idx_alerts_category_ts,priority:1"`
	Subject          string          `gorm:"column:subject;size:190;not null"`
	Value            decimal.Decimal `gorm:"column:value;type:decimal(38,18)"`
	ChangePercentage float64         `gorm:"column:change_percentage;not null;default:0"`
	Message          string          `gorm:"column:message;type:text"`
	TimestampMillis  int64           `gorm:"column:timestamp_ms;not null;index:idx_alerts_category_ts,priority:2"`
}

// TableName exposes the table backing alerts.
func (Record) TableName() string {
	return "alerts"
}

// Alert converts the stored row into its wire representation.
func (r Record) Alert() Alert {
	return Alert{
		ID:               r.AlertID,
		Category:         Category(r.Category),
		Subject:          r.Subject,
		Value:            r.Value,
		ChangePercentage: r.ChangePercentage,
		Message:          r.Message,
		Timestamp:        r.TimestampMillis,
	}
}

// Operation enumerates change-log operations.
type Operation string

const (
	OperationInsert Operation = "insert"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Change is one entry of the alert change log, the source of the database change feed.
type Change struct {
	Seq              int64     `gorm:"column:seq;primaryKey;autoIncrement"`
	AlertID          string    `gorm:"column:alert_id;size:64;not null"`
	Category         string    `gorm:"column:category;size:32;not null;index"`
	Operation        Operation `gorm:"column:operation;size:16;not null"`
	RecordedAtMillis int64     `gorm:"column:recorded_at_ms;not null"`
}

// TableName exposes the table backing the change log.
func (Change) TableName() string {
	return "alert_changes"
}

// AfterCreate appends an insert entry to the change log within the same transaction.
func (r *Record) AfterCreate(tx *gorm.DB) error {
	return appendChange(tx, r, OperationInsert)
}

// AfterUpdate appends an update entry to the change log.
func (r *Record) AfterUpdate(tx *gorm.DB) error {
	return appendChange(tx, r, OperationUpdate)
}

// AfterDelete appends a delete entry to the change log.
func (r *Record) AfterDelete(tx *gorm.DB) error {
	return appendChange(tx, r, OperationDelete)
}

func appendChange(tx *gorm.DB, record *Record, operation Operation) error {
	if record == nil || record.AlertID == "" {
		return nil
	}
	change := Change{
		AlertID:          record.AlertID,
		Category:         record.Category,
		Operation:        operation,
		RecordedAtMillis: nowMillis(),
	}
	return tx.Session(&gorm.Session{NewDB: true}).Create(&change).Error
}
