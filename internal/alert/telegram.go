package alert

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Telegram delivers operator alerts to a single chat. Delivery failures
// are returned to the caller but never block the trading pipeline.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger zerolog.Logger
}

// NewTelegram authenticates the bot and binds it to a chat
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("creating telegram bot: %w", err)
	}
	return &Telegram{
		bot:    bot,
		chatID: chatID,
		logger: log.With().Str("component", "telegram_alerter").Logger(),
	}, nil
}

// Send implements models.Alerter
func (t *Telegram) Send(ctx context.Context, severity, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, formatMessage(severity, message))
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Warn().Err(err).Msg("telegram send failed")
		return fmt.Errorf("sending telegram alert: %w", err)
	}
	return nil
}

func formatMessage(severity, message string) string {
	return fmt.Sprintf("[%s] %s", strings.ToUpper(severity), message)
}
