package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/alerts"
	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/feed"
	"go.uber.org/zap"
)

const defaultBufferSize = 32

var (
	// ErrSlowConsumer terminates a subscriber whose queue is full when an alert arrives.
	ErrSlowConsumer = errors.New("broadcast: subscriber queue full")
	// ErrHubClosed terminates subscribers when the hub shuts down.
	ErrHubClosed      = errors.New("broadcast: hub closed")
	errMissingSource  = errors.New("broadcast: change feed source is required")
	errInvalidChannel = errors.New("broadcast: category is required")
)

type HubConfig struct {
	Source     feed.Source
	BufferSize int
	Clock      func() time.Time
	Logger     *zap.Logger
	Metrics    *Metrics
}

// Hub fans each category's change feed out to its subscribers.
// One cursor is open per category while it has at least one subscriber.
type Hub struct {
	source     feed.Source
	bufferSize int
	clock      func() time.Time
	logger     *zap.Logger
	metrics    *Metrics

	mu       sync.Mutex
	channels map[alerts.Category]*channel
	nextID   int64
	closed   bool
}

type channel struct {
	category    alerts.Category
	ctx         context.Context
	cursor      feed.Cursor
	cancel      context.CancelFunc
	subscribers map[int64]*Subscription
	// ready is closed once the cursor is open or err is set.
	ready chan struct{}
	// err is the open or feed failure that ended the channel.
	err error
	// pending counts Subscribe calls waiting for ready; the channel stays open for them.
	pending int
}

func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		source:     cfg.Source,
		bufferSize: bufferSize,
		clock:      clock,
		logger:     logger,
		metrics:    cfg.Metrics,
		channels:   make(map[alerts.Category]*channel),
	}, nil
}

// Subscribe registers a consumer for the category's new alerts. The subscription
// ends when ctx is done, when Close is called, or when the hub terminates it.
// The category's cursor is opened without holding the hub lock.
func (h *Hub) Subscribe(ctx context.Context, category alerts.Category) (*Subscription, error) {
	if category == "" {
		return nil, errInvalidChannel
	}
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	ch, exists := h.channels[category]
	if !exists {
		ch = h.newChannelLocked(category)
	}
	ch.pending++
	h.mu.Unlock()

	if !exists {
		h.open(ch)
	}

	select {
	case <-ch.ready:
	case <-waitCtx.Done():
		h.mu.Lock()
		ch.pending--
		h.releaseIfIdleLocked(ch)
		h.mu.Unlock()
		return nil, waitCtx.Err()
	}

	h.mu.Lock()
	ch.pending--
	if ch.err != nil {
		h.mu.Unlock()
		return nil, ch.err
	}
	if h.closed || h.channels[category] != ch {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	h.nextID++
	subscription := &Subscription{
		ID:        h.nextID,
		Category:  category,
		CreatedAt: h.clock().UTC(),
		hub:       h,
		stream:    make(chan alerts.Alert, h.bufferSize),
		done:      make(chan struct{}),
	}
	ch.subscribers[subscription.ID] = subscription
	h.metrics.subscriberAdded(category)
	h.mu.Unlock()

	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				subscription.Close()
			case <-subscription.done:
			}
		}()
	}
	return subscription, nil
}

// Subscribers reports the number of active subscribers of a category.
func (h *Hub) Subscribers(category alerts.Category) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[category]
	if !ok {
		return 0
	}
	return len(ch.subscribers)
}

// Close terminates every subscription with ErrHubClosed and releases all cursors.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, ch := range h.channels {
		for _, subscription := range ch.subscribers {
			h.removeLocked(ch, subscription, ErrHubClosed)
		}
		h.stopLocked(ch)
	}
}

func (h *Hub) newChannelLocked(category alerts.Category) *channel {
	pumpCtx, cancel := context.WithCancel(context.Background())
	ch := &channel{
		category:    category,
		ctx:         pumpCtx,
		cancel:      cancel,
		subscribers: make(map[int64]*Subscription),
		ready:       make(chan struct{}),
	}
	h.channels[category] = ch
	return ch
}

// open runs the source round trip outside the hub lock and then installs the
// cursor, or records why the channel could not start.
func (h *Hub) open(ch *channel) {
	cursor, err := h.source.Open(ch.ctx, ch.category)

	h.mu.Lock()
	defer h.mu.Unlock()
	defer close(ch.ready)
	if h.closed || h.channels[ch.category] != ch {
		if cursor != nil {
			_ = cursor.Close()
		}
		ch.err = ErrHubClosed
		return
	}
	if err != nil {
		h.logger.Error("change feed open failed", zap.String("category", ch.category.String()), zap.Error(err))
		ch.err = fmt.Errorf("open %s feed: %w", ch.category, err)
		delete(h.channels, ch.category)
		ch.cancel()
		return
	}
	ch.cursor = cursor
	if ch.pending == 0 && len(ch.subscribers) == 0 {
		h.stopLocked(ch)
		return
	}
	go h.pump(ch.ctx, ch)
}

func (h *Hub) pump(ctx context.Context, ch *channel) {
	for {
		alert, err := ch.cursor.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.fail(ch, err)
			return
		}
		h.fanout(ch, alert)
	}
}

func (h *Hub) fanout(ch *channel, alert alerts.Alert) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.channels[ch.category] != ch {
		return
	}
	for _, subscription := range ch.subscribers {
		select {
		case subscription.stream <- alert:
			h.metrics.alertDelivered(ch.category)
		default:
			h.logger.Warn("dropping slow stream subscriber",
				zap.String("category", ch.category.String()),
				zap.Int64("subscriber_id", subscription.ID))
			h.removeLocked(ch, subscription, ErrSlowConsumer)
		}
	}
	h.releaseIfIdleLocked(ch)
}

func (h *Hub) fail(ch *channel, cause error) {
	if !errors.Is(cause, feed.ErrFeedBroken) {
		cause = fmt.Errorf("%w: %w", feed.ErrFeedBroken, cause)
	}
	h.logger.Error("change feed failed",
		zap.String("category", ch.category.String()),
		zap.Error(cause))
	h.metrics.feedFailed(ch.category)

	h.mu.Lock()
	defer h.mu.Unlock()
	ch.err = cause
	for _, subscription := range ch.subscribers {
		h.removeLocked(ch, subscription, cause)
	}
	h.stopLocked(ch)
}

func (h *Hub) unsubscribe(subscription *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[subscription.Category]
	if !ok {
		subscription.finish(nil)
		return
	}
	if _, registered := ch.subscribers[subscription.ID]; !registered {
		subscription.finish(nil)
		return
	}
	h.removeLocked(ch, subscription, nil)
	h.releaseIfIdleLocked(ch)
}

func (h *Hub) removeLocked(ch *channel, subscription *Subscription, cause error) {
	delete(ch.subscribers, subscription.ID)
	if subscription.finish(cause) {
		h.metrics.subscriberRemoved(ch.category, cause)
	}
}

// releaseIfIdleLocked stops an open channel with no subscribers and no pending joins.
func (h *Hub) releaseIfIdleLocked(ch *channel) {
	if ch.cursor == nil || len(ch.subscribers) > 0 || ch.pending > 0 {
		return
	}
	h.stopLocked(ch)
}

func (h *Hub) stopLocked(ch *channel) {
	if h.channels[ch.category] == ch {
		delete(h.channels, ch.category)
	}
	ch.cancel()
	if ch.cursor == nil {
		return
	}
	if err := ch.cursor.Close(); err != nil {
		h.logger.Warn("change feed close failed", zap.String("category", ch.category.String()), zap.Error(err))
	}
}
