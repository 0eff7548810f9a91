package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/alerts"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	streamKeyPrefix      = "alerts:"
	streamFieldOperation = "op"
	streamFieldAlert     = "alert"
	defaultBlockTimeout  = 5 * time.Second
	defaultStreamMaxLen  = 10000
)

var (
	errMissingStreamClient = errors.New("feed: redis stream client is required")
	errMalformedEntry      = errors.New("feed: malformed stream entry")
)

// StreamReader is the subset of the go-redis client used to tail a stream.
type StreamReader interface {
	XRevRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd
	XRead(ctx context.Context, a *redis.XReadArgs) *redis.XStreamSliceCmd
}

// StreamWriter is the subset of the go-redis client used to append change entries.
type StreamWriter interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// StreamKey names the Redis stream carrying a category's change entries.
func StreamKey(category alerts.Category) string {
	return streamKeyPrefix + category.String()
}

type RedisSourceConfig struct {
	Client       StreamReader
	BlockTimeout time.Duration
	BatchSize    int
	Logger       *zap.Logger
}

// RedisSource tails per-category Redis streams written by RedisPublisher.
type RedisSource struct {
	client       StreamReader
	blockTimeout time.Duration
	batch        int
	logger       *zap.Logger
}

func NewRedisSource(cfg RedisSourceConfig) (*RedisSource, error) {
	if cfg.Client == nil {
		return nil, errMissingStreamClient
	}
	blockTimeout := cfg.BlockTimeout
	if blockTimeout <= 0 {
		blockTimeout = defaultBlockTimeout
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisSource{client: cfg.Client, blockTimeout: blockTimeout, batch: batch, logger: logger}, nil
}

// Open positions a cursor after the newest entry currently in the category stream.
func (s *RedisSource) Open(ctx context.Context, category alerts.Category) (Cursor, error) {
	key := StreamKey(category)
	lastID := "0-0"
	latest, err := s.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Error("redis feed open failed", zap.String("stream", key), zap.Error(err))
		return nil, broken(err)
	}
	if len(latest) > 0 {
		lastID = latest[0].ID
	}
	return &redisCursor{
		client:       s.client,
		key:          key,
		lastID:       lastID,
		blockTimeout: s.blockTimeout,
		batch:        int64(s.batch),
		logger:       s.logger,
		done:         make(chan struct{}),
	}, nil
}

type redisCursor struct {
	client       StreamReader
	key          string
	lastID       string
	blockTimeout time.Duration
	batch        int64
	logger       *zap.Logger

	pending []alerts.Alert
	err     error

	done      chan struct{}
	closeOnce sync.Once
}

func (c *redisCursor) Next(ctx context.Context) (alerts.Alert, error) {
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

		streams, err := c.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{c.key, c.lastID},
			Count:   c.batch,
			Block:   c.blockTimeout,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return alerts.Alert{}, ctx.Err()
			}
			c.err = broken(err)
			return alerts.Alert{}, c.err
		}
		for _, stream := range streams {
			for _, message := range stream.Messages {
				c.lastID = message.ID
				alert, inserted, decodeErr := DecodeEntry(message)
				if decodeErr != nil {
					c.logger.Warn("skipping malformed stream entry",
						zap.String("stream", c.key),
						zap.String("entry_id", message.ID),
						zap.Error(decodeErr))
					continue
				}
				if inserted {
					c.pending = append(c.pending, alert)
				}
			}
		}
	}
}

func (c *redisCursor) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

// DecodeEntry translates a stream entry. It reports false for non-insert operations.
// An alert without an id takes the entry id.
func DecodeEntry(message redis.XMessage) (alerts.Alert, bool, error) {
	operation, _ := message.Values[streamFieldOperation].(string)
	if alerts.Operation(operation) != alerts.OperationInsert {
		return alerts.Alert{}, false, nil
	}
	payload, ok := message.Values[streamFieldAlert].(string)
	if !ok || payload == "" {
		return alerts.Alert{}, false, fmt.Errorf("%w: missing alert payload", errMalformedEntry)
	}
	var alert alerts.Alert
	if err := json.Unmarshal([]byte(payload), &alert); err != nil {
		return alerts.Alert{}, false, fmt.Errorf("%w: %v", errMalformedEntry, err)
	}
	if alert.ID == "" {
		alert.ID = message.ID
	}
	alert.Timestamp = alerts.NormalizeTimestamp(alert.Timestamp)
	return alert, true, nil
}

type RedisPublisherConfig struct {
	Client StreamWriter
	MaxLen int64
}

// RedisPublisher appends change entries to the per-category streams.
type RedisPublisher struct {
	client StreamWriter
	maxLen int64
}

func NewRedisPublisher(cfg RedisPublisherConfig) (*RedisPublisher, error) {
	if cfg.Client == nil {
		return nil, errMissingStreamClient
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	return &RedisPublisher{client: cfg.Client, maxLen: maxLen}, nil
}

// Publish appends one change entry and returns the stream-assigned entry id.
func (p *RedisPublisher) Publish(ctx context.Context, operation alerts.Operation, alert alerts.Alert) (string, error) {
	payload, err := json.Marshal(alert)
	if err != nil {
		return "", err
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(alert.Category),
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			streamFieldOperation: string(operation),
			streamFieldAlert:     string(payload),
		},
	}).Result()
}
