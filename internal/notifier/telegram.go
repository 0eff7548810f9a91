package notifier

import (
	"context"
	"errors"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

var errMissingBotToken = errors.New("notifier: telegram bot token is required")

// TelegramSender delivers notifications as Telegram chat messages.
type TelegramSender struct {
	api    *tgbotapi.BotAPI
	logger *zap.Logger
}

// NewTelegramSender authenticates the bot token against the Bot API.
func NewTelegramSender(token string, logger *zap.Logger) (*TelegramSender, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errMissingBotToken
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TelegramSender{api: api, logger: logger}, nil
}

func (s *TelegramSender) Send(_ context.Context, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := s.api.Send(msg); err != nil {
		s.logger.Warn("telegram send failed", zap.Int64("chat_id", chatID), zap.Error(err))
		return err
	}
	return nil
}
