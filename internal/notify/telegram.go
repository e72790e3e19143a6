package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rakunlabs/coreserver/internal/config"
)

type telegramSink struct {
	cfg config.TelegramConfig
}

func newTelegramSink(cfg config.TelegramConfig) *telegramSink {
	return &telegramSink{cfg: cfg}
}

func (s *telegramSink) Send(ctx context.Context, n Notification) error {
	bot, err := tgbotapi.NewBotAPI(s.cfg.BotToken)
	if err != nil {
		return fmt.Errorf("notify: telegram bot: %w", err)
	}

	msg := tgbotapi.NewMessage(s.cfg.ChatID, formatChatMessage(n))
	_, err = bot.Send(msg)
	return err
}
