package notifier

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/alerts"
	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/broadcast"
	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/feed"
	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/settings"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
)

const testTimeout = 2 * time.Second

type sentMessage struct {
	chatID int64
	text   string
}

type recordingSender struct {
	mu       sync.Mutex
	messages []sentMessage
	failFor  map[int64]error
	notify   chan struct{}
}

func newRecordingSender() *recordingSender {
	return &recordingSender{failFor: map[int64]error{}, notify: make(chan struct{}, 16)}
}

func (s *recordingSender) Send(_ context.Context, chatID int64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failFor[chatID]; err != nil {
		return err
	}
	s.messages = append(s.messages, sentMessage{chatID: chatID, text: text})
	s.notify <- struct{}{}
	return nil
}

func (s *recordingSender) chats() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	chats := make([]int64, 0, len(s.messages))
	for _, message := range s.messages {
		chats = append(chats, message.chatID)
	}
	sort.Slice(chats, func(i, j int) bool { return chats[i] < chats[j] })
	return chats
}

type staticRecipients struct {
	settings []settings.NotificationSetting
	err      error
}

func (s staticRecipients) ListRecipients(_ context.Context, change float64) ([]settings.NotificationSetting, error) {
	if s.err != nil {
		return nil, s.err
	}
	magnitude := change
	if magnitude < 0 {
		magnitude = -magnitude
	}
	var result []settings.NotificationSetting
	for _, setting := range s.settings {
		if setting.Enabled && setting.Threshold <= magnitude {
			result = append(result, setting)
		}
	}
	return result, nil
}

type channelCursor struct {
	events chan alerts.Alert
	closed chan struct{}
	once   sync.Once
}

func (c *channelCursor) Next(ctx context.Context) (alerts.Alert, error) {
	select {
	case <-ctx.Done():
		return alerts.Alert{}, ctx.Err()
	case <-c.closed:
		return alerts.Alert{}, feed.ErrCursorClosed
	case alert := <-c.events:
		return alert, nil
	}
}

func (c *channelCursor) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type channelSource struct {
	cursor *channelCursor
}

func (s *channelSource) Open(context.Context, alerts.Category) (feed.Cursor, error) {
	return s.cursor, nil
}

func TestDispatchSendsToMatchingRecipients(t *testing.T) {
	sender := newRecordingSender()
	sender.failFor[30] = errors.New("chat not found")
	notifier, err := New(Config{
		Hub: &broadcast.Hub{},
		Settings: staticRecipients{settings: []settings.NotificationSetting{
			{UserID: "10", Enabled: true, Threshold: 5},
			{UserID: "20", Enabled: true, Threshold: 50},
			{UserID: "30", Enabled: true, Threshold: 1},
			{UserID: "web-user", Enabled: true, Threshold: 1},
			{UserID: "40", Enabled: false, Threshold: 1},
		}},
		Sender: sender,
	})
	if err != nil {
		t.Fatalf("failed to build notifier: %v", err)
	}

	delivered, err := notifier.Dispatch(context.Background(), alerts.Alert{
		Category:         alerts.CategoryPrice,
		Subject:          "NACHO",
		ChangePercentage: -12.5,
	})
	if delivered != 1 {
		t.Fatalf("expected one delivery, got %d", delivered)
	}
	if len(multierr.Errors(err)) != 1 {
		t.Fatalf("expected exactly one combined send failure, got %v", err)
	}
	if got := sender.chats(); !reflect.DeepEqual(got, []int64{10}) {
		t.Fatalf("unexpected chats %v", got)
	}
}

func TestDispatchPropagatesRecipientLookupFailure(t *testing.T) {
	lookupErr := errors.New("settings.list_recipients.query_failed")
	notifier, err := New(Config{
		Hub:      &broadcast.Hub{},
		Settings: staticRecipients{err: lookupErr},
		Sender:   newRecordingSender(),
	})
	if err != nil {
		t.Fatalf("failed to build notifier: %v", err)
	}
	if _, err := notifier.Dispatch(context.Background(), alerts.Alert{ChangePercentage: 90}); !errors.Is(err, lookupErr) {
		t.Fatalf("expected lookup error, got %v", err)
	}
}

func TestRunNotifiesLiveAlertsUntilCancelled(t *testing.T) {
	cursor := &channelCursor{events: make(chan alerts.Alert), closed: make(chan struct{})}
	hub, err := broadcast.NewHub(broadcast.HubConfig{Source: &channelSource{cursor: cursor}})
	if err != nil {
		t.Fatalf("failed to build hub: %v", err)
	}
	t.Cleanup(hub.Close)

	sender := newRecordingSender()
	notifier, err := New(Config{
		Hub:      hub,
		Settings: staticRecipients{settings: []settings.NotificationSetting{{UserID: "77", Enabled: true, Threshold: 10}}},
		Sender:   sender,
		Category: alerts.CategoryPrice,
	})
	if err != nil {
		t.Fatalf("failed to build notifier: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- notifier.Run(ctx)
	}()

	deadline := time.Now().Add(testTimeout)
	for hub.Subscribers(alerts.CategoryPrice) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("notifier never subscribed")
		}
		time.Sleep(2 * time.Millisecond)
	}

	cursor.events <- alerts.Alert{ID: "a", Category: alerts.CategoryPrice, Subject: "KASPY", ChangePercentage: 3}
	cursor.events <- alerts.Alert{ID: "b", Category: alerts.CategoryPrice, Subject: "KASPY", ChangePercentage: 25}
	select {
	case <-sender.notify:
	case <-time.After(testTimeout):
		t.Fatalf("expected a notification")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatalf("notifier did not stop")
	}
	if got := sender.chats(); !reflect.DeepEqual(got, []int64{77}) {
		t.Fatalf("unexpected chats %v", got)
	}
}

func TestFormatMessage(t *testing.T) {
	text := FormatMessage(alerts.Alert{
		Category:         alerts.CategoryPrice,
		Subject:          "NACHO",
		Value:            decimal.RequireFromString("0.00021"),
		ChangePercentage: 12.5,
		Message:          "NACHO up 12.5%",
	})
	expected := "PRICE alert: NACHO +12.50% (value 0.00021)\nNACHO up 12.5%"
	if text != expected {
		t.Fatalf("unexpected message %q", text)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, errMissingHub) {
		t.Fatalf("expected errMissingHub, got %v", err)
	}
	if _, err := New(Config{Hub: &broadcast.Hub{}}); !errors.Is(err, errMissingSettings) {
		t.Fatalf("expected errMissingSettings, got %v", err)
	}
	if _, err := New(Config{Hub: &broadcast.Hub{}, Settings: staticRecipients{}}); !errors.Is(err, errMissingSender) {
		t.Fatalf("expected errMissingSender, got %v", err)
	}
}
