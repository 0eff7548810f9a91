package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/alerts"
	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/broadcast"
	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/settings"
	"github.com/spf13/cast"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultRetryDelay is the wait before resubscribing after the feed failed.
const DefaultRetryDelay = 5 * time.Second

var (
	errMissingHub      = errors.New("notifier: hub is required")
	errMissingSettings = errors.New("notifier: settings reader is required")
	errMissingSender   = errors.New("notifier: sender is required")
)

// Sender delivers one text message to a chat.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// RecipientLister resolves the users whose enabled threshold is met by a change.
type RecipientLister interface {
	ListRecipients(ctx context.Context, changePercentage float64) ([]settings.NotificationSetting, error)
}

// Subscriber opens live alert subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, category alerts.Category) (*broadcast.Subscription, error)
}

type Config struct {
	Hub        Subscriber
	Settings   RecipientLister
	Sender     Sender
	Category   alerts.Category
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// Notifier pushes live alerts to every user whose notification threshold they meet.
type Notifier struct {
	hub        Subscriber
	settings   RecipientLister
	sender     Sender
	category   alerts.Category
	retryDelay time.Duration
	logger     *zap.Logger
}

func New(cfg Config) (*Notifier, error) {
	if cfg.Hub == nil {
		return nil, errMissingHub
	}
	if cfg.Settings == nil {
		return nil, errMissingSettings
	}
	if cfg.Sender == nil {
		return nil, errMissingSender
	}
	category := cfg.Category
	if category == "" {
		category = alerts.CategoryPrice
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		hub:        cfg.Hub,
		settings:   cfg.Settings,
		sender:     cfg.Sender,
		category:   category,
		retryDelay: retryDelay,
		logger:     logger,
	}, nil
}

// Run consumes the category until ctx is cancelled. A broken feed or a slow-consumer
// termination resubscribes after the retry delay; a closed hub ends the run.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		err := n.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, broadcast.ErrHubClosed) {
			return err
		}
		n.logger.Warn("notification subscription ended, resubscribing",
			zap.String("category", n.category.String()),
			zap.Duration("retry_delay", n.retryDelay),
			zap.Error(err))
		timer := time.NewTimer(n.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (n *Notifier) consume(ctx context.Context) error {
	subscription, err := n.hub.Subscribe(ctx, n.category)
	if err != nil {
		return err
	}
	defer subscription.Close()
	n.logger.Info("notifier subscribed", zap.String("category", n.category.String()))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case alert, ok := <-subscription.Alerts():
			if !ok {
				return subscription.Err()
			}
			if _, err := n.Dispatch(ctx, alert); err != nil {
				n.logger.Warn("alert notification incomplete", zap.String("alert_id", alert.ID), zap.Error(err))
			}
		}
	}
}

// Dispatch sends the alert to every matching recipient and returns how many
// messages were delivered. Individual send failures are combined.
func (n *Notifier) Dispatch(ctx context.Context, alert alerts.Alert) (int, error) {
	recipients, err := n.settings.ListRecipients(ctx, alert.ChangePercentage)
	if err != nil {
		return 0, err
	}
	text := FormatMessage(alert)
	delivered := 0
	var combined error
	for _, recipient := range recipients {
		chatID, err := cast.ToInt64E(recipient.UserID)
		if err != nil {
			n.logger.Warn("skipping recipient without telegram chat id", zap.String("user_id", recipient.UserID))
			continue
		}
		if err := n.sender.Send(ctx, chatID, text); err != nil {
			combined = multierr.Append(combined, fmt.Errorf("send to %d: %w", chatID, err))
			continue
		}
		delivered++
	}
	return delivered, combined
}

// FormatMessage renders the chat text for an alert.
func FormatMessage(alert alerts.Alert) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "%s alert: %s %+.2f%%", strings.ToUpper(alert.Category.String()), alert.Subject, alert.ChangePercentage)
	if !alert.Value.IsZero() {
		fmt.Fprintf(&builder, " (value %s)", alert.Value.String())
	}
	if message := strings.TrimSpace(alert.Message); message != "" {
		builder.WriteString("\n")
		builder.WriteString(message)
	}
	return builder.String()
}
