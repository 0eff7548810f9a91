package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/alerts"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultBatchSize    = 100
	defaultGapTimeout   = 2 * time.Second
)

var errMissingDatabase = errors.New("feed: database handle is required")

type StoreSourceConfig struct {
	Database     *gorm.DB
	PollInterval time.Duration
	BatchSize    int
	// GapTimeout bounds how long a cursor waits for a missing sequence number
	// to commit before skipping it. Zero selects the default.
	GapTimeout time.Duration
	Clock      func() time.Time
	Logger     *zap.Logger
}

// StoreSource tails the alert change log written by the alert store hooks.
// Sequence numbers are assigned before commit, so a lower number can become
// visible after a higher one; cursors hold at such gaps for GapTimeout.
type StoreSource struct {
	db         *gorm.DB
	interval   time.Duration
	batch      int
	gapTimeout time.Duration
	clock      func() time.Time
	logger     *zap.Logger
}

func NewStoreSource(cfg StoreSourceConfig) (*StoreSource, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	gapTimeout := cfg.GapTimeout
	if gapTimeout <= 0 {
		gapTimeout = defaultGapTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSource{
		db:         cfg.Database,
		interval:   interval,
		batch:      batch,
		gapTimeout: gapTimeout,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Open positions a cursor after the newest change currently in the log.
func (s *StoreSource) Open(ctx context.Context, category alerts.Category) (Cursor, error) {
	var tail int64
	if err := s.db.WithContext(ctx).
		Model(&alerts.Change{}).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&tail).Error; err != nil {
		s.logger.Error("change feed open failed", zap.String("category", category.String()), zap.Error(err))
		return nil, broken(err)
	}
	return &storeCursor{
		db:         s.db,
		category:   category,
		interval:   s.interval,
		batch:      s.batch,
		gapTimeout: s.gapTimeout,
		clock:      s.clock,
		logger:     s.logger,
		lastSeq:    tail,
		done:       make(chan struct{}),
	}, nil
}

type storeCursor struct {
	db         *gorm.DB
	category   alerts.Category
	interval   time.Duration
	batch      int
	gapTimeout time.Duration
	clock      func() time.Time
	logger     *zap.Logger

	lastSeq int64
	// gapSince is when the cursor first saw a change past an unfilled sequence
	// number following gapAfter.
	gapSince time.Time
	gapAfter int64
	pending  []alerts.Alert
	err      error

	done      chan struct{}
	closeOnce sync.Once
}

func (c *storeCursor) Next(ctx context.Context) (alerts.Alert, error) {
	for {
		if c.err != nil {
			return alerts.Alert{}, c.err
		}
		select {
		case <-c.done:
			return alerts.Alert{}, ErrCursorClosed
		default:
		}
		if len(c.pending) > 0 {
			next := c.pending[0]
			c.pending = c.pending[1:]
			return next, nil
		}

		if err := c.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return alerts.Alert{}, ctx.Err()
			}
			c.err = broken(err)
			return alerts.Alert{}, c.err
		}
		if len(c.pending) > 0 {
			continue
		}

		timer := time.NewTimer(c.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return alerts.Alert{}, ctx.Err()
		case <-c.done:
			timer.Stop()
			return alerts.Alert{}, ErrCursorClosed
		case <-timer.C:
		}
	}
}

// poll reads the next batch of changes and queues the inserted alerts in log order.
// Update and delete entries only advance the position. The log is read across all
// categories so that a missing sequence number is visible as a gap.
func (c *storeCursor) poll(ctx context.Context) error {
	var changes []alerts.Change
	if err := c.db.WithContext(ctx).
		Where("seq > ?", c.lastSeq).
		Order("seq ASC").
		Limit(c.batch).
		Find(&changes).Error; err != nil {
		return err
	}

	insertedIDs := make([]string, 0, len(changes))
	for _, change := range changes {
		if change.Seq != c.lastSeq+1 && !c.skipGap(change.Seq) {
			break
		}
		c.lastSeq = change.Seq
		if change.Operation == alerts.OperationInsert && change.Category == c.category.String() {
			insertedIDs = append(insertedIDs, change.AlertID)
		}
	}
	if len(insertedIDs) == 0 {
		return nil
	}

	var records []alerts.Record
	if err := c.db.WithContext(ctx).Where("alert_id IN ?", insertedIDs).Find(&records).Error; err != nil {
		return err
	}
	byID := make(map[string]alerts.Record, len(records))
	for _, record := range records {
		byID[record.AlertID] = record
	}
	for _, alertID := range insertedIDs {
		record, ok := byID[alertID]
		if !ok {
			continue
		}
		c.pending = append(c.pending, record.Alert())
	}
	return nil
}

// skipGap reports whether the cursor may move past the sequence numbers below seq.
// It holds until the gap has been outstanding for gapTimeout.
func (c *storeCursor) skipGap(seq int64) bool {
	now := c.clock()
	if c.gapSince.IsZero() || c.gapAfter != c.lastSeq {
		c.gapSince = now
		c.gapAfter = c.lastSeq
		return false
	}
	if now.Sub(c.gapSince) < c.gapTimeout {
		return false
	}
	c.logger.Warn("skipping change log gap",
		zap.String("category", c.category.String()),
		zap.Int64("after_seq", c.lastSeq),
		zap.Int64("next_seq", seq))
	c.gapSince = time.Time{}
	return true
}

func (c *storeCursor) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}
